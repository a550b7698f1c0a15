// Package engine implements the node-local indexing engine: a BM25-scored
// inverted index with an explicit commit boundary. Writes accumulate in a
// pending segment that only becomes visible to searches after Commit; a
// failed commit leaves the last committed state untouched, so a retried
// batch is never half-visible.
//
// The engine knows nothing about the cluster. Catalog, ingest and search
// consume it through narrow interfaces.
package engine
