package engine

import (
	"context"
	"math"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/oarkflow/searchd/trie"
)

// ErrPersist classifies commit-time persistence failures. A batch whose
// commit fails with this error left nothing durable and must be retried
// whole.
var ErrPersist = errors.New("engine: persist committed state")

// ErrDocNotFound is returned by Delete for unknown document ids.
var ErrDocNotFound = errors.New("engine: document not found")

// Option configures an Index.
type Option func(*Index)

func WithFieldsToIndex(fields ...string) Option {
	return func(idx *Index) { idx.fieldsToIndex = fields }
}

func WithIndexFieldsExcept(except ...string) Option {
	return func(idx *Index) { idx.fieldsExcept = except }
}

func WithDocIDField(field string) Option {
	return func(idx *Index) { idx.docIDField = field }
}

func WithAnalyzer(an Analyzer) Option {
	return func(idx *Index) {
		if an != nil {
			idx.analyzer = an
		}
	}
}

func WithFieldAnalyzer(field string, an Analyzer) Option {
	return func(idx *Index) {
		if field == "" || an == nil {
			return
		}
		if idx.fieldAnalyzers == nil {
			idx.fieldAnalyzers = make(map[string]Analyzer)
		}
		idx.fieldAnalyzers[field] = an
	}
}

// WithCompressedPostings enables delta-compressed posting storage.
func WithCompressedPostings() Option {
	return func(idx *Index) { idx.committed.postings = newCompressedPostingStore() }
}

func WithCacheExpiry(dur time.Duration) Option {
	return func(idx *Index) { idx.cacheExpiry = dur }
}

// WithPersistPath sets the file the committed state is saved to on every
// commit. Without it the index is memory-only and commits cannot fail.
func WithPersistPath(path string) Option {
	return func(idx *Index) { idx.path = path }
}

func withPersistFunc(fn func(*indexSnapshot) error) Option {
	return func(idx *Index) { idx.persistFn = fn }
}

type opKind int

const (
	opAdd opKind = iota
	opDelete
)

type pendingOp struct {
	kind opKind
	doc  Document
	freq map[string]int
}

// committedState is the searchable view plus its bookkeeping. Mutated only
// inside Commit while the index write lock is held.
type committedState struct {
	postings  PostingStore
	docs      map[int64]GenericRecord
	docLength map[int64]int
	totalDocs int
	avgDocLen float64
	terms     *trie.Trie
}

func newCommittedState(postings PostingStore) committedState {
	return committedState{
		postings:  postings,
		docs:      make(map[int64]GenericRecord),
		docLength: make(map[int64]int),
		terms:     trie.New(),
	}
}

// Index is one locally hosted index.
type Index struct {
	name string

	fieldsToIndex  []string
	fieldsExcept   []string
	docIDField     string
	analyzer       Analyzer
	fieldAnalyzers map[string]Analyzer
	numWorkers     int

	mu        sync.RWMutex // guards committed
	committed committedState

	pmu     sync.Mutex // guards pending
	pending []pendingOp

	commitMu   sync.Mutex // one commit per handle at a time
	path       string
	persistFn  func(*indexSnapshot) error
	lastCommit time.Time

	cache       *searchCache
	cacheExpiry time.Duration
}

// NewIndex creates an in-memory index; persistence is enabled through
// WithPersistPath.
func NewIndex(name string, opts ...Option) *Index {
	idx := &Index{
		name:        name,
		analyzer:    defaultAnalyzer,
		numWorkers:  runtime.NumCPU(),
		committed:   newCommittedState(nil),
		cacheExpiry: time.Minute,
	}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.committed.postings == nil {
		idx.committed.postings = newPostingStore()
	}
	if idx.persistFn == nil && idx.path != "" {
		idx.persistFn = idx.persistToFile
	}
	idx.cache = newSearchCache(256, idx.cacheExpiry)
	return idx
}

// Name returns the index name.
func (idx *Index) Name() string { return idx.name }

// Add stages a document for the next commit and returns its id. The value
// is validated and analyzed eagerly so a malformed document fails here, not
// at commit time.
func (idx *Index) Add(value any) (int64, error) {
	doc, err := AdaptDocument(value, AdaptConfig{DocIDField: idx.docIDField})
	if err != nil {
		return 0, err
	}
	freq := idx.computeFrequencies(doc.Data)
	if len(freq) == 0 {
		return 0, errors.Errorf("engine: document %d has no indexable content", doc.ID)
	}
	idx.pmu.Lock()
	idx.pending = append(idx.pending, pendingOp{kind: opAdd, doc: doc, freq: freq})
	idx.pmu.Unlock()
	return doc.ID, nil
}

// Delete stages removal of a document. The id must exist in the committed
// view or among pending adds.
func (idx *Index) Delete(docID int64) error {
	known := false
	idx.mu.RLock()
	_, known = idx.committed.docs[docID]
	idx.mu.RUnlock()
	if !known {
		idx.pmu.Lock()
		for _, op := range idx.pending {
			if op.kind == opAdd && op.doc.ID == docID {
				known = true
				break
			}
		}
		idx.pmu.Unlock()
	}
	if !known {
		return errors.Wrapf(ErrDocNotFound, "%d", docID)
	}
	idx.pmu.Lock()
	idx.pending = append(idx.pending, pendingOp{kind: opDelete, doc: Document{ID: docID}})
	idx.pmu.Unlock()
	return nil
}

// PendingOps reports how many staged operations await the next commit.
func (idx *Index) PendingOps() int {
	idx.pmu.Lock()
	defer idx.pmu.Unlock()
	return len(idx.pending)
}

// LastCommit returns the time of the most recent successful commit.
func (idx *Index) LastCommit() time.Time {
	idx.commitMu.Lock()
	defer idx.commitMu.Unlock()
	return idx.lastCommit
}

// Commit makes all staged operations visible to searches, in staging order,
// as one durability unit. On persistence failure the previous committed
// state is restored and ErrPersist is returned: nothing from the batch is
// visible or durable afterwards.
func (idx *Index) Commit() error {
	idx.commitMu.Lock()
	defer idx.commitMu.Unlock()

	idx.pmu.Lock()
	ops := idx.pending
	idx.pending = nil
	idx.pmu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	idx.mu.Lock()
	for _, op := range ops {
		switch op.kind {
		case opAdd:
			idx.applyAdd(op)
		case opDelete:
			idx.applyDelete(op.doc.ID)
		}
	}
	idx.recomputeAvg()
	snap := idx.snapshotLocked()
	idx.mu.Unlock()

	if idx.persistFn != nil {
		if err := idx.persistFn(snap); err != nil {
			idx.restoreLastDurable()
			return errors.Wrapf(ErrPersist, "%s: %v", idx.name, err)
		}
	}
	idx.lastCommit = time.Now()
	idx.cache.purge()
	return nil
}

func (idx *Index) applyAdd(op pendingOp) {
	docID := op.doc.ID
	if _, exists := idx.committed.docs[docID]; exists {
		idx.applyDelete(docID)
	}
	idx.committed.docs[docID] = op.doc.Data
	docLen := 0
	for term, count := range op.freq {
		idx.committed.postings.Append(term, []Posting{{DocID: docID, Frequency: count}})
		idx.committed.terms.Insert(term, nil)
		docLen += count
	}
	idx.committed.docLength[docID] = docLen
	idx.committed.totalDocs++
}

func (idx *Index) applyDelete(docID int64) {
	rec, ok := idx.committed.docs[docID]
	if !ok {
		return
	}
	for term := range idx.computeFrequencies(rec) {
		postings := idx.committed.postings.Get(term)
		if len(postings) == 0 {
			continue
		}
		filtered := postings[:0]
		for _, p := range postings {
			if p.DocID != docID {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			idx.committed.postings.Delete(term)
			idx.committed.terms.Delete(term)
		} else {
			idx.committed.postings.Replace(term, filtered)
		}
	}
	delete(idx.committed.docs, docID)
	delete(idx.committed.docLength, docID)
	idx.committed.totalDocs--
}

func (idx *Index) recomputeAvg() {
	total := 0
	for _, l := range idx.committed.docLength {
		total += l
	}
	if idx.committed.totalDocs > 0 {
		idx.committed.avgDocLen = float64(total) / float64(idx.committed.totalDocs)
	} else {
		idx.committed.avgDocLen = 0
	}
}

// restoreLastDurable reloads the last successfully persisted snapshot,
// rolling back an in-memory commit whose persistence failed.
func (idx *Index) restoreLastDurable() {
	if idx.path == "" {
		return
	}
	snap, err := loadSnapshot(idx.path)
	if err != nil {
		// No durable state on disk yet; fall back to empty.
		snap = &indexSnapshot{}
	}
	idx.mu.Lock()
	idx.committed = snap.restore(idx.freshPostingStore())
	idx.mu.Unlock()
}

// freshPostingStore allocates an empty store of the same kind as the one in
// use, so snapshot restores never inherit stale terms.
func (idx *Index) freshPostingStore() PostingStore {
	if _, ok := idx.committed.postings.(*compressedPostingStore); ok {
		return newCompressedPostingStore()
	}
	return newPostingStore()
}

func (idx *Index) computeFrequencies(rec GenericRecord) map[string]int {
	freq := make(map[string]int)
	for field, value := range rec {
		if !idx.shouldIndexField(field) {
			continue
		}
		an := idx.analyzerForField(field)
		for _, tok := range an.Analyze(field, value) {
			if tok.Term == "" || tok.Frequency == 0 {
				continue
			}
			freq[tok.Term] += tok.Frequency
		}
	}
	return freq
}

func (idx *Index) shouldIndexField(field string) bool {
	if len(idx.fieldsToIndex) > 0 && !contains(idx.fieldsToIndex, field) {
		return false
	}
	if len(idx.fieldsExcept) > 0 && contains(idx.fieldsExcept, field) {
		return false
	}
	return true
}

func (idx *Index) analyzerForField(field string) Analyzer {
	if idx.fieldAnalyzers != nil {
		if an, ok := idx.fieldAnalyzers[field]; ok && an != nil {
			return an
		}
	}
	if idx.analyzer != nil {
		return idx.analyzer
	}
	return defaultAnalyzer
}

type bm25Params struct {
	k1 float64
	b  float64
}

var defaultBM25 = bm25Params{k1: 1.2, b: 0.75}

func bm25Score(v *view, queryTokens []string, docID int64, p bm25Params) float64 {
	score := 0.0
	docLength := float64(v.docLength[docID])
	for _, term := range queryTokens {
		postings := v.postings.Get(term)
		if len(postings) == 0 {
			continue
		}
		df := float64(len(postings))
		var tf int
		for _, pst := range postings {
			if pst.DocID == docID {
				tf = pst.Frequency
				break
			}
		}
		if tf == 0 {
			continue
		}
		idf := math.Log((float64(v.totalDocs)-df+0.5)/(df+0.5) + 1)
		denom := float64(tf) + p.k1*(1-p.b+p.b*(docLength/v.avgDocLen))
		score += idf * (float64(tf) * (p.k1 + 1)) / denom
	}
	return score
}

// Search evaluates the request against the committed view and returns up to
// k hits ordered by (score desc, doc id asc). Staged-but-uncommitted
// operations are invisible.
func (idx *Index) Search(ctx context.Context, req Request, k int) ([]ScoredHit, error) {
	if k <= 0 {
		k = 10
	}
	query, err := buildQuery(req)
	if err != nil {
		return nil, err
	}
	key, err := req.Checksum()
	if err != nil {
		return nil, err
	}
	if hits, ok := idx.cache.get(key); ok {
		return truncateHits(hits, k), nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v := &view{
		postings:  idx.committed.postings,
		docs:      idx.committed.docs,
		docLength: idx.committed.docLength,
		totalDocs: idx.committed.totalDocs,
		avgDocLen: idx.committed.avgDocLen,
		terms:     idx.committed.terms,
	}
	docIDs := query.Evaluate(v)
	if len(docIDs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := query.Tokens()
	hits := idx.scoreDocs(ctx, v, tokens, docIDs)
	// Scoring workers stop early on cancellation; a partial hit set must
	// fail the search, not pass as a complete answer.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	SortHits(hits)
	idx.cache.put(key, hits)
	return truncateHits(hits, k), nil
}

// scoreDocs fans scoring across workers for large candidate sets.
func (idx *Index) scoreDocs(ctx context.Context, v *view, tokens []string, docIDs []int64) []ScoredHit {
	if len(tokens) == 0 {
		// Match-all and pure filter queries have no term evidence; every
		// selected document scores equally and ordering falls to doc id.
		hits := make([]ScoredHit, 0, len(docIDs))
		for _, docID := range docIDs {
			hits = append(hits, ScoredHit{DocID: docID, Score: 1.0})
		}
		return hits
	}

	workers := 1
	if len(docIDs) > 64 {
		workers = idx.numWorkers
	}
	if workers <= 1 {
		hits := make([]ScoredHit, 0, len(docIDs))
		for _, docID := range docIDs {
			hits = append(hits, ScoredHit{DocID: docID, Score: bm25Score(v, tokens, docID, defaultBM25)})
		}
		return hits
	}

	ch := make(chan int64, len(docIDs))
	for _, id := range docIDs {
		ch <- id
	}
	close(ch)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		hits  = make([]ScoredHit, 0, len(docIDs))
		local [][]ScoredHit
	)
	local = make([][]ScoredHit, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			buf := make([]ScoredHit, 0, 256)
			for docID := range ch {
				if ctx.Err() != nil {
					break
				}
				buf = append(buf, ScoredHit{DocID: docID, Score: bm25Score(v, tokens, docID, defaultBM25)})
			}
			mu.Lock()
			local[w] = buf
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	for _, buf := range local {
		hits = append(hits, buf...)
	}
	return hits
}

func truncateHits(hits []ScoredHit, k int) []ScoredHit {
	if len(hits) <= k {
		out := make([]ScoredHit, len(hits))
		copy(out, hits)
		return out
	}
	out := make([]ScoredHit, k)
	copy(out, hits[:k])
	return out
}

// GetDocument returns a committed document by id.
func (idx *Index) GetDocument(id int64) (GenericRecord, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rec, ok := idx.committed.docs[id]
	return rec, ok
}

// Stats describes the committed state of an index.
type Stats struct {
	Name       string    `json:"name"`
	TotalDocs  int       `json:"total_docs"`
	Terms      int       `json:"terms"`
	PendingOps int       `json:"pending_ops"`
	LastCommit time.Time `json:"last_commit"`
}

func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	total := idx.committed.totalDocs
	terms := idx.committed.postings.Len()
	idx.mu.RUnlock()
	return Stats{
		Name:       idx.name,
		TotalDocs:  total,
		Terms:      terms,
		PendingOps: idx.PendingOps(),
		LastCommit: idx.LastCommit(),
	}
}

// Close flushes committed state to disk. Pending operations are dropped;
// callers that want them durable must Commit first.
func (idx *Index) Close() error {
	if idx.persistFn == nil {
		return nil
	}
	idx.mu.RLock()
	snap := idx.snapshotLocked()
	idx.mu.RUnlock()
	if err := idx.persistFn(snap); err != nil {
		return errors.Wrapf(ErrPersist, "%s: close: %v", idx.name, err)
	}
	return nil
}

func (idx *Index) persistToFile(snap *indexSnapshot) error {
	return snap.writeFile(idx.path)
}

// destroy removes the on-disk state. Used by the store on index drop.
func (idx *Index) destroy() error {
	if idx.path == "" {
		return nil
	}
	if err := os.Remove(idx.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
