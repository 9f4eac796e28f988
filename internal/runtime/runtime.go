package runtime

import (
	"errors"
	"time"

	cfgpkg "github.com/whyjp/durastash/internal/config"
	"github.com/whyjp/durastash/internal/groupstore"
	pebblestore "github.com/whyjp/durastash/internal/storage/pebble"
	"github.com/whyjp/durastash/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config  cfgpkg.Config
	Logger  log.Logger
	Metrics pebblestore.MetricsHook
}

// Runtime wires storage, config, and the group store for a single-node
// instance.
type Runtime struct {
	db     *pebblestore.DB
	store  *groupstore.Store
	config cfgpkg.Config
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: opts.Config.DataDir,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	store := groupstore.New(db, groupstore.Options{
		DefaultBatchSize:  opts.Config.DefaultBatchSize,
		HeartbeatInterval: time.Duration(opts.Config.HeartbeatIntervalMs) * time.Millisecond,
		Logger:            opts.Logger,
	})
	return &Runtime{db: db, store: store, config: opts.Config}, nil
}

// Close terminates sessions, stops the heartbeat, and closes storage.
// Idempotent.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.store.Close()
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	r.db = nil
	return err
}

// CheckHealth performs a simple storage probe.
func (r *Runtime) CheckHealth() error {
	if r.db == nil {
		return errors.New("runtime: storage not open")
	}
	_, err := r.db.Exists([]byte("\x00health"))
	return err
}

// Store returns the group store facade.
func (r *Runtime) Store() *groupstore.Store { return r.store }

// DB exposes the underlying storage for diagnostics (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// SessionTimeout returns the configured session staleness threshold.
func (r *Runtime) SessionTimeout() time.Duration {
	return time.Duration(r.config.SessionTimeoutMs) * time.Millisecond
}
