package pebblestore

import (
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/whyjp/durastash/internal/storage"
)

// Options configures the Pebble store wrapper.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// PebbleOptions allows advanced tuning. If nil, durable defaults are used:
	// 64 MiB write buffer, up to 3 memtables.
	PebbleOptions *pebble.Options
	// Metrics allows observing read/write/commit latencies and sizes. Optional.
	Metrics MetricsHook
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)       {}
func (NoopMetrics) ObserveRead(time.Duration, int)        {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int) {}

// DB wraps a Pebble database. Every write syncs the WAL before returning;
// the engine requires crash-recoverable writes.
type DB struct {
	inner   *pebble.DB
	metrics MetricsHook
}

var _ storage.Storage = (*DB)(nil)

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{
			MemTableSize:                64 << 20,
			MemTableStopWritesThreshold: 3,
		}
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &DB{inner: inner, metrics: metrics}, nil
}

// Close closes the Pebble database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	err := db.inner.Close()
	db.inner = nil
	return err
}

// Put durably sets a key to a value.
func (db *DB) Put(key, value []byte) error {
	start := time.Now()
	if err := db.inner.Set(key, value, pebble.Sync); err != nil {
		return err
	}
	db.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	return nil
}

// Get copies the value for the given key.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// Delete removes a key. Absent keys are not an error.
func (db *DB) Delete(key []byte) error {
	return db.inner.Delete(key, pebble.Sync)
}

// Exists reports whether a key is present.
func (db *DB) Exists(key []byte) (bool, error) {
	_, err := db.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Scan returns up to limit pairs in [start, end], in key order.
func (db *DB) Scan(start, end []byte, limit int) ([]storage.KV, error) {
	upper := append(append([]byte(nil), end...), 0x00)
	iter, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []storage.KV
	for ok := iter.First(); ok; ok = iter.Next() {
		out = append(out, storage.KV{
			Key:   append([]byte(nil), iter.Key()...),
			Value: append([]byte(nil), iter.Value()...),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// ScanPrefix returns all pairs under prefix, in key order.
func (db *DB) ScanPrefix(prefix []byte) ([]storage.KV, error) {
	iter, err := db.inner.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []storage.KV
	for ok := iter.First(); ok; ok = iter.Next() {
		out = append(out, storage.KV{
			Key:   append([]byte(nil), iter.Key()...),
			Value: append([]byte(nil), iter.Value()...),
		})
	}
	return out, iter.Error()
}

// NewWriteBatch opens an atomic multi-key write batch.
func (db *DB) NewWriteBatch() storage.WriteBatch {
	return &writeBatch{db: db, inner: db.inner.NewBatch()}
}

// Metrics returns the raw Pebble metrics snapshot for diagnostics.
func (db *DB) Metrics() *pebble.Metrics {
	return db.inner.Metrics()
}

type writeBatch struct {
	db    *DB
	inner *pebble.Batch
}

func (b *writeBatch) Put(key, value []byte) error {
	return b.inner.Set(key, value, nil)
}

func (b *writeBatch) Delete(key []byte) error {
	return b.inner.Delete(key, nil)
}

func (b *writeBatch) Commit() error {
	if b.inner == nil {
		return errors.New("pebble: batch already closed")
	}
	start := time.Now()
	size := b.inner.Len()
	err := b.inner.Commit(pebble.Sync)
	_ = b.inner.Close()
	b.inner = nil
	if err != nil {
		return err
	}
	b.db.metrics.ObserveBatchCommit(time.Since(start), size)
	return nil
}

func (b *writeBatch) Rollback() error {
	if b.inner == nil {
		return nil
	}
	err := b.inner.Close()
	b.inner = nil
	return err
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xFF; no upper bound
}
