package engine

import (
	"sort"
	"sync"
)

// PostingStore abstracts how posting lists are stored and retrieved.
type PostingStore interface {
	Append(term string, postings []Posting)
	Replace(term string, postings []Posting)
	Get(term string) []Posting
	Delete(term string)
	Range(fn func(term string, postings []Posting) bool)
	Snapshot() map[string][]Posting
	Len() int
}

func newPostingStore() PostingStore {
	return &mapPostingStore{data: make(map[string][]Posting)}
}

// mapPostingStore is the default in-memory posting storage.
type mapPostingStore struct {
	mu   sync.RWMutex
	data map[string][]Posting
}

func (m *mapPostingStore) Append(term string, postings []Posting) {
	if len(postings) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[term] = append(m.data[term], postings...)
}

func (m *mapPostingStore) Replace(term string, postings []Posting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(postings) == 0 {
		delete(m.data, term)
		return
	}
	buf := make([]Posting, len(postings))
	copy(buf, postings)
	m.data[term] = buf
}

func (m *mapPostingStore) Get(term string) []Posting {
	m.mu.RLock()
	defer m.mu.RUnlock()
	postings, ok := m.data[term]
	if !ok || len(postings) == 0 {
		return nil
	}
	buf := make([]Posting, len(postings))
	copy(buf, postings)
	return buf
}

func (m *mapPostingStore) Delete(term string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, term)
}

func (m *mapPostingStore) Range(fn func(term string, postings []Posting) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for term, postings := range m.data {
		buf := make([]Posting, len(postings))
		copy(buf, postings)
		if !fn(term, buf) {
			return
		}
	}
}

func (m *mapPostingStore) Snapshot() map[string][]Posting {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string][]Posting, len(m.data))
	for term, postings := range m.data {
		buf := make([]Posting, len(postings))
		copy(buf, postings)
		result[term] = buf
	}
	return result
}

func (m *mapPostingStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// compressedPostingStore keeps posting lists delta-encoded with varints,
// trading CPU for memory on large term dictionaries.
type compressedPostingStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	// counts caches list lengths so Len and stats avoid decompression.
	counts map[string]int
}

func newCompressedPostingStore() PostingStore {
	return &compressedPostingStore{
		data:   make(map[string][]byte),
		counts: make(map[string]int),
	}
}

func (c *compressedPostingStore) Append(term string, postings []Posting) {
	if len(postings) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing := decodePostings(c.data[term])
	combined := append(existing, postings...)
	c.data[term] = encodePostings(combined)
	c.counts[term] = len(combined)
}

func (c *compressedPostingStore) Replace(term string, postings []Posting) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(postings) == 0 {
		delete(c.data, term)
		delete(c.counts, term)
		return
	}
	c.data[term] = encodePostings(postings)
	c.counts[term] = len(postings)
}

func (c *compressedPostingStore) Get(term string) []Posting {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return decodePostings(c.data[term])
}

func (c *compressedPostingStore) Delete(term string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, term)
	delete(c.counts, term)
}

func (c *compressedPostingStore) Range(fn func(term string, postings []Posting) bool) {
	c.mu.RLock()
	terms := make([]string, 0, len(c.data))
	for term := range c.data {
		terms = append(terms, term)
	}
	c.mu.RUnlock()
	for _, term := range terms {
		if !fn(term, c.Get(term)) {
			return
		}
	}
}

func (c *compressedPostingStore) Snapshot() map[string][]Posting {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string][]Posting, len(c.data))
	for term, raw := range c.data {
		result[term] = decodePostings(raw)
	}
	return result
}

func (c *compressedPostingStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// encodePostings delta-encodes doc ids and varint-packs id deltas and
// frequencies. Lists are stored sorted by doc id so deltas never go
// negative.
func encodePostings(postings []Posting) []byte {
	sorted := make([]Posting, len(postings))
	copy(sorted, postings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DocID < sorted[j].DocID })
	buf := make([]byte, 0, len(sorted)*3)
	var prev int64
	for _, p := range sorted {
		buf = appendUvarint(buf, uint64(p.DocID-prev))
		buf = appendUvarint(buf, uint64(p.Frequency))
		prev = p.DocID
	}
	return buf
}

func decodePostings(raw []byte) []Posting {
	if len(raw) == 0 {
		return nil
	}
	var out []Posting
	var prev int64
	i := 0
	for i < len(raw) {
		delta, n := readUvarint(raw[i:])
		if n <= 0 {
			return out
		}
		i += n
		freq, n := readUvarint(raw[i:])
		if n <= 0 {
			return out
		}
		i += n
		prev += int64(delta)
		out = append(out, Posting{DocID: prev, Frequency: int(freq)})
	}
	return out
}

func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readUvarint(raw []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, b := range raw {
		if b < 0x80 {
			return v | uint64(b)<<shift, i + 1
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
		if shift > 63 {
			return 0, -1
		}
	}
	return 0, -1
}
