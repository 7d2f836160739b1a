// Package ingest implements the event-driven ingest pipeline: identify
// a format, store leaves, recurse into containers, and fan in children
// into a Manifest once every child has resolved.
package ingest

import (
	"sync"
	"sync/atomic"

	"github.com/libragraph-com/vault/internal/contenthash"
	"github.com/libragraph-com/vault/internal/index"
)

// ChildResult is what a finished ingest reports back to its parent's
// FanInContext.
type ChildResult struct {
	InternalPath string
	BlobID       int64
	Hash         contenthash.Hash
	LeafSize     uint64
	IsContainer  bool
	EntryType    index.EntryType
	MTimeMillis  *int64
}

// FanInContext coordinates N concurrent child ingests converging on a
// single assembler. remaining is decremented atomically; the goroutine
// that observes it reach zero is the unique assembler, enforcing that
// exactly one worker per FanInContext performs manifest assembly.
type FanInContext struct {
	mu      sync.Mutex
	results []ChildResult // indexed by original extraction order

	remaining int64
}

// NewFanInContext allocates a context expecting n child results.
func NewFanInContext(n int) *FanInContext {
	return &FanInContext{results: make([]ChildResult, n), remaining: int64(n)}
}

// addResult records a child's outcome at its extraction index and reports
// whether this call observed the counter reach zero (i.e. this goroutine
// is the assembler).
func (f *FanInContext) addResult(index int, r ChildResult) (assembler bool) {
	f.mu.Lock()
	f.results[index] = r
	f.mu.Unlock()
	return atomic.AddInt64(&f.remaining, -1) == 0
}

// ordered returns the recorded results in original extraction order.
func (f *FanInContext) ordered() []ChildResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChildResult, len(f.results))
	copy(out, f.results)
	return out
}
