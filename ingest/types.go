package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/engine"
)

var (
	// ErrCommitFailed means the batch's commit step failed: none of its
	// operations are durable and the caller must retry the whole batch.
	ErrCommitFailed = errors.New("ingest: batch commit failed")
	// ErrOverloaded means the in-flight batch cap was hit. Retry with
	// backoff.
	ErrOverloaded = errors.New("ingest: pipeline overloaded")
	// ErrPipelineClosed means the pipeline is shutting down.
	ErrPipelineClosed = errors.New("ingest: pipeline closed")
)

// OpKind tags one bulk operation.
type OpKind int

const (
	OpAdd OpKind = iota
	OpDelete
)

// Operation is one pending write. Seq orders operations within their batch.
type Operation struct {
	Seq   int                  `json:"seq"`
	Kind  OpKind               `json:"kind"`
	Doc   engine.GenericRecord `json:"doc,omitempty"`
	DocID int64                `json:"doc_id,omitempty"`
}

// Add builds an add operation.
func Add(doc engine.GenericRecord) Operation {
	return Operation{Kind: OpAdd, Doc: doc}
}

// Delete builds a delete operation.
func Delete(docID int64) Operation {
	return Operation{Kind: OpDelete, DocID: docID}
}

// OpError is one operation's failure inside an otherwise applied batch.
type OpError struct {
	Seq int    `json:"seq"`
	Err string `json:"error"`
}

// BatchResult reports what happened to one batch.
type BatchResult struct {
	Index     string    `json:"index"`
	Applied   int       `json:"applied"`
	Failed    []OpError `json:"failed,omitempty"`
	Committed bool      `json:"committed"`
}

// PartialApplyError reports a replicated batch that fewer than all owners
// acknowledged. The caller may retry against just the failed owners; the
// successful owners' data is already durable.
type PartialApplyError struct {
	Index  string
	Result BatchResult
	Failed map[cluster.NodeID]error
}

func (e *PartialApplyError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for node := range e.Failed {
		names = append(names, node.String())
	}
	sort.Strings(names)
	return fmt.Sprintf("ingest: batch for %q partially applied, failed owners: %s",
		e.Index, strings.Join(names, ", "))
}

// FailedOwners lists the owners that did not acknowledge, sorted by name.
func (e *PartialApplyError) FailedOwners() []cluster.NodeID {
	out := make([]cluster.NodeID, 0, len(e.Failed))
	for node := range e.Failed {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
