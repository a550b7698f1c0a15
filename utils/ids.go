package utils

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/oarkflow/xid"
)

// NewDocID mints a cluster-unique int64 document identifier from a fresh xid.
func NewDocID() int64 {
	return int64(xxhash.Sum64String(xid.New().String()) & math.MaxInt64)
}

// NewGeneration mints a process-generation token used to tell apart
// restarts of a node that keeps the same name and address.
func NewGeneration() string {
	return xid.New().String()
}
