// Package rpc carries batches and sub-queries between nodes over net/rpc
// with JSON encoding, which round-trips schemaless documents without type
// registration.
package rpc

import (
	"github.com/pkg/errors"

	"github.com/oarkflow/searchd/catalog"
	"github.com/oarkflow/searchd/engine"
	"github.com/oarkflow/searchd/ingest"
)

// Error codes travel alongside error text so callers can classify failures
// programmatically across the wire.
const (
	codeNone         = ""
	codeNotFound     = "not_found"
	codeCommitFailed = "commit_failed"
	codeOverloaded   = "overloaded"
	codeClosed       = "closed"
	codeInternal     = "internal"
)

func encodeError(err error) (code, msg string) {
	switch {
	case err == nil:
		return codeNone, ""
	case errors.Is(err, catalog.ErrNotFound):
		return codeNotFound, err.Error()
	case errors.Is(err, ingest.ErrCommitFailed):
		return codeCommitFailed, err.Error()
	case errors.Is(err, ingest.ErrOverloaded):
		return codeOverloaded, err.Error()
	case errors.Is(err, catalog.ErrClosed), errors.Is(err, ingest.ErrPipelineClosed):
		return codeClosed, err.Error()
	default:
		return codeInternal, err.Error()
	}
}

func decodeError(code, msg string) error {
	switch code {
	case codeNone:
		return nil
	case codeNotFound:
		return errors.Wrap(catalog.ErrNotFound, msg)
	case codeCommitFailed:
		return errors.Wrap(ingest.ErrCommitFailed, msg)
	case codeOverloaded:
		return errors.Wrap(ingest.ErrOverloaded, msg)
	case codeClosed:
		return errors.Wrap(catalog.ErrClosed, msg)
	default:
		return errors.New(msg)
	}
}

// SubmitBatchArgs delivers one forwarded batch.
type SubmitBatchArgs struct {
	Index string             `json:"index"`
	Ops   []ingest.Operation `json:"ops"`
}

// SubmitBatchReply returns the owner's batch result.
type SubmitBatchReply struct {
	Result  ingest.BatchResult `json:"result"`
	ErrCode string             `json:"err_code,omitempty"`
	ErrMsg  string             `json:"err_msg,omitempty"`
}

// SearchArgs delivers one fan-out sub-query.
type SearchArgs struct {
	Index string         `json:"index"`
	Req   engine.Request `json:"req"`
	K     int            `json:"k"`
}

// SearchReply returns the owner's locally scored hits.
type SearchReply struct {
	Hits    []engine.ScoredHit `json:"hits"`
	ErrCode string             `json:"err_code,omitempty"`
	ErrMsg  string             `json:"err_msg,omitempty"`
}

// PingArgs and PingReply implement the liveness probe.
type PingArgs struct{}

type PingReply struct {
	Node    string   `json:"node"`
	Indexes []string `json:"indexes"`
}
