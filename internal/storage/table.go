package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Table is a typed view over one KV table. Values are stored as JSON.
type Table[T any] struct {
	kv   KV
	name string
}

// NewTable binds a table name to kv.
func NewTable[T any](kv KV, name string) *Table[T] {
	return &Table[T]{kv: kv, name: name}
}

// Get loads one value; ErrNotFound when absent.
func (t *Table[T]) Get(ctx context.Context, key []byte) (*T, error) {
	raw, err := t.kv.Get(ctx, t.name, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", t.name, err)
	}
	return &v, nil
}

// Stage adds a write of v to b.
func (t *Table[T]) Stage(b *Batch, key []byte, v *T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", t.name, err)
	}
	b.Put(t.name, key, raw)
	return nil
}

// Put writes one value.
func (t *Table[T]) Put(ctx context.Context, key []byte, v *T) error {
	b := NewBatch()
	if err := t.Stage(b, key, v); err != nil {
		return err
	}
	return t.kv.Apply(ctx, b)
}

// StageDelete adds a removal of key to b.
func (t *Table[T]) StageDelete(b *Batch, key []byte) {
	b.Delete(t.name, key)
}

// Entry is one key/value pair from Range.
type Entry[T any] struct {
	Key   []byte
	Value *T
}

// Range returns entries with keys in [from, to) in key order.
func (t *Table[T]) Range(ctx context.Context, from, to []byte) ([]Entry[T], error) {
	var out []Entry[T]
	err := t.kv.Scan(ctx, t.name, from, to, func(key, value []byte) error {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("decode %s record: %w", t.name, err)
		}
		out = append(out, Entry[T]{Key: key, Value: &v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
