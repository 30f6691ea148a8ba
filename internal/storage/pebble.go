package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleKV stores tables in one pebble keyspace as table\x00key.
type PebbleKV struct {
	db *pebble.DB
}

// OpenPebble opens or creates a pebble database in dir.
func OpenPebble(dir string) (*PebbleKV, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleKV{db: db}, nil
}

func tableKey(table string, key []byte) []byte {
	out := make([]byte, 0, len(table)+1+len(key))
	out = append(out, table...)
	out = append(out, 0)
	return append(out, key...)
}

// tableEnd is the exclusive upper bound of every key in table.
func tableEnd(table string) []byte {
	out := make([]byte, 0, len(table)+1)
	out = append(out, table...)
	return append(out, 1)
}

func (p *PebbleKV) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	value, closer, err := p.db.Get(tableKey(table, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get %s: %w", table, err)
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (p *PebbleKV) Scan(ctx context.Context, table string, from, to []byte, fn func(key, value []byte) error) error {
	upper := tableEnd(table)
	if to != nil {
		upper = tableKey(table, to)
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: tableKey(table, from),
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("pebble scan %s: %w", table, err)
	}
	defer iter.Close()

	prefix := len(table) + 1
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := append([]byte(nil), iter.Key()[prefix:]...)
		value := append([]byte(nil), iter.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleKV) Apply(_ context.Context, b *Batch) error {
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, op := range b.ops {
		var err error
		if op.delete {
			err = batch.Delete(tableKey(op.table, op.key), nil)
		} else {
			err = batch.Set(tableKey(op.table, op.key), op.value, nil)
		}
		if err != nil {
			return fmt.Errorf("pebble batch %s: %w", op.table, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

// Ping reports whether the database is open.
func (p *PebbleKV) Ping(context.Context) error {
	_, closer, err := p.db.Get([]byte{0})
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (p *PebbleKV) Close() error {
	return p.db.Close()
}

var _ KV = (*PebbleKV)(nil)
