// Package storage is the durable local store: one handle per client
// identity holding cached stream envelopes, miniblocks and cleartexts.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned for absent keys.
	ErrNotFound = errors.New("not found")

	// ErrTransientAbort marks a storage operation aborted by contention
	// that may succeed when repeated. Reads retry it; nothing else is retried.
	ErrTransientAbort = errors.New("transient storage abort")
)

// KV is an ordered byte store partitioned into named tables.
type KV interface {
	Get(ctx context.Context, table string, key []byte) ([]byte, error)
	// Scan visits keys in [from, to) in ascending byte order.
	Scan(ctx context.Context, table string, from, to []byte, fn func(key, value []byte) error) error
	// Apply commits every operation in b atomically.
	Apply(ctx context.Context, b *Batch) error
	Ping(ctx context.Context) error
	Close() error
}

type batchOp struct {
	table  string
	key    []byte
	value  []byte
	delete bool
}

// Batch collects writes committed together by KV.Apply.
type Batch struct {
	ops []batchOp
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// Put stages a write.
func (b *Batch) Put(table string, key, value []byte) {
	b.ops = append(b.ops, batchOp{table: table, key: key, value: value})
}

// Delete stages a removal.
func (b *Batch) Delete(table string, key []byte) {
	b.ops = append(b.ops, batchOp{table: table, key: key, delete: true})
}

// Len is the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }
