package engine

import (
	"os"
	"path/filepath"

	"github.com/oarkflow/json"
	"github.com/pkg/errors"

	"github.com/oarkflow/searchd/trie"
)

// indexSnapshot is the durable representation of the committed state. It is
// written atomically (temp file + rename) on every commit.
type indexSnapshot struct {
	Docs      map[int64]GenericRecord `json:"docs"`
	Postings  map[string][]Posting    `json:"postings"`
	DocLength map[int64]int           `json:"doc_length"`
	TotalDocs int                     `json:"total_docs"`
}

// snapshotLocked captures the committed state. Caller holds at least the
// read lock.
func (idx *Index) snapshotLocked() *indexSnapshot {
	docs := make(map[int64]GenericRecord, len(idx.committed.docs))
	for id, rec := range idx.committed.docs {
		docs[id] = rec
	}
	lengths := make(map[int64]int, len(idx.committed.docLength))
	for id, l := range idx.committed.docLength {
		lengths[id] = l
	}
	return &indexSnapshot{
		Docs:      docs,
		Postings:  idx.committed.postings.Snapshot(),
		DocLength: lengths,
		TotalDocs: idx.committed.totalDocs,
	}
}

func (s *indexSnapshot) writeFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(s); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string) (*indexSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var snap indexSnapshot
	dec := json.NewDecoder(f)
	if err := dec.Decode(&snap); err != nil {
		return nil, errors.Wrapf(err, "decode index snapshot %s", filepath.Base(path))
	}
	return &snap, nil
}

// restore rebuilds a committedState from the snapshot. The posting store
// argument decides plain vs compressed storage; nil means plain.
func (s *indexSnapshot) restore(postings PostingStore) committedState {
	if postings == nil {
		postings = newPostingStore()
	}
	state := committedState{
		postings:  postings,
		docs:      make(map[int64]GenericRecord, len(s.Docs)),
		docLength: make(map[int64]int, len(s.DocLength)),
		totalDocs: s.TotalDocs,
		terms:     trie.New(),
	}
	for id, rec := range s.Docs {
		state.docs[id] = rec
	}
	for id, l := range s.DocLength {
		state.docLength[id] = l
	}
	for term, plist := range s.Postings {
		state.postings.Replace(term, plist)
		state.terms.Insert(term, nil)
	}
	total := 0
	for _, l := range state.docLength {
		total += l
	}
	if state.totalDocs > 0 {
		state.avgDocLen = float64(total) / float64(state.totalDocs)
	}
	return state
}
