package batch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/whyjp/durastash/internal/storage"
	"github.com/whyjp/durastash/pkg/log"
	"github.com/whyjp/durastash/pkg/ulid"
)

// Sentinel errors for the metadata state machine.
var (
	// ErrBatchNotFound means the metadata record does not exist.
	ErrBatchNotFound = errors.New("batch: not found")
	// ErrCorruptedBatch means the metadata record failed to parse.
	ErrCorruptedBatch = errors.New("batch: corrupted metadata")
)

// Manager owns the batch metadata lifecycle: PENDING records are created on
// the write path, flipped to LOADED exactly once on the read path, and
// deleted together with their payload range on acknowledge.
type Manager struct {
	st     storage.Storage
	logger log.Logger
	mu     sync.Mutex
}

// NewManager builds a Manager over the given storage. logger may be nil.
func NewManager(st storage.Storage, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{st: st, logger: logger.WithComponent("batch")}
}

// CreateBatch allocates a fresh batch id, writes a PENDING metadata record
// covering [seqStart, seqEnd], and returns the id.
func (m *Manager) CreateBatch(group, session string, seqStart, seqEnd int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ulid.Generate()
	meta := Metadata{
		BatchID:       id,
		SequenceStart: seqStart,
		SequenceEnd:   seqEnd,
		Status:        StatusPending,
		CreatedAt:     ulid.Now(),
	}
	data, err := meta.Encode()
	if err != nil {
		return "", fmt.Errorf("encode batch metadata: %w", err)
	}
	if err := m.st.Put(MetadataKey(group, session, id), data); err != nil {
		return "", fmt.Errorf("persist batch metadata: %w", err)
	}
	return id, nil
}

// GetMetadata point-looks-up a batch record. Returns ErrBatchNotFound when
// the record is absent and ErrCorruptedBatch when it fails to parse.
func (m *Manager) GetMetadata(group, session, batchID string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getMetadataLocked(group, session, batchID)
}

func (m *Manager) getMetadataLocked(group, session, batchID string) (Metadata, error) {
	data, err := m.st.Get(MetadataKey(group, session, batchID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return Metadata{}, err
	}
	meta, err := DecodeMetadata(data)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %s", ErrCorruptedBatch, batchID)
	}
	return meta, nil
}

// MarkLoaded flips a PENDING batch to LOADED, stamping loaded_at. This flip
// is the at-most-once-load gate: a batch already LOADED returns false with no
// error so concurrent loaders can skip it. A missing record returns
// ErrBatchNotFound, an unparseable one ErrCorruptedBatch.
func (m *Manager) MarkLoaded(group, session, batchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.getMetadataLocked(group, session, batchID)
	if err != nil {
		return false, err
	}
	if meta.Status == StatusLoaded {
		return false, nil
	}
	meta.Status = StatusLoaded
	meta.LoadedAt = ulid.Now()
	data, err := meta.Encode()
	if err != nil {
		return false, err
	}
	if err := m.st.Put(MetadataKey(group, session, batchID), data); err != nil {
		return false, fmt.Errorf("persist loaded state: %w", err)
	}
	return true, nil
}

// Acknowledge deletes the metadata record and every payload key in its
// sequence range in one atomic write batch. Returns false when the record is
// missing or unreadable.
func (m *Manager) Acknowledge(group, session, batchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acknowledgeLocked(group, session, batchID)
}

func (m *Manager) acknowledgeLocked(group, session, batchID string) (bool, error) {
	meta, err := m.getMetadataLocked(group, session, batchID)
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) || errors.Is(err, ErrCorruptedBatch) {
			return false, nil
		}
		return false, err
	}

	wb := m.st.NewWriteBatch()
	if err := wb.Delete(MetadataKey(group, session, batchID)); err != nil {
		_ = wb.Rollback()
		return false, err
	}
	for _, key := range DataKeys(group, session, batchID, meta.SequenceStart, meta.SequenceEnd) {
		if err := wb.Delete(key); err != nil {
			_ = wb.Rollback()
			return false, err
		}
	}
	if err := wb.Commit(); err != nil {
		return false, fmt.Errorf("commit acknowledge: %w", err)
	}
	return true, nil
}

// AppendDeletes enqueues, onto a caller-owned write batch, the deletion of
// the batch's metadata record and of every payload key in its range. The
// caller commits. Used by resave to fold the old batch's removal into one
// atomic commit.
func (m *Manager) AppendDeletes(wb storage.WriteBatch, group, session string, meta Metadata) error {
	if err := wb.Delete(MetadataKey(group, session, meta.BatchID)); err != nil {
		return err
	}
	for _, key := range DataKeys(group, session, meta.BatchID, meta.SequenceStart, meta.SequenceEnd) {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// LoadableBatches returns up to max PENDING batch ids ordered by
// sequence_start ascending, batch id ascending on ties; max <= 0 returns every
// pending batch. Unparseable records are skipped.
func (m *Manager) LoadableBatches(group, session string, max int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kvs, err := m.st.ScanPrefix(MetadataPrefix(group, session))
	if err != nil {
		return nil, err
	}

	type pending struct {
		id       string
		seqStart int64
	}
	var candidates []pending
	for _, kv := range kvs {
		meta, err := DecodeMetadata(kv.Value)
		if err != nil {
			m.logger.Warn("skipping unreadable batch record", log.Str("key", string(kv.Key)))
			continue
		}
		if meta.Status == StatusPending {
			candidates = append(candidates, pending{id: meta.BatchID, seqStart: meta.SequenceStart})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].seqStart != candidates[j].seqStart {
			return candidates[i].seqStart < candidates[j].seqStart
		}
		return candidates[i].id < candidates[j].id
	})

	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.id)
	}
	return ids, nil
}

// FindBatchIDBySequence returns the batch whose range contains seq, or "".
// Diagnostic lookup; not on the hot path.
func (m *Manager) FindBatchIDBySequence(group, session string, seq int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	kvs, err := m.st.ScanPrefix(MetadataPrefix(group, session))
	if err != nil {
		return ""
	}
	for _, kv := range kvs {
		meta, err := DecodeMetadata(kv.Value)
		if err != nil {
			continue
		}
		if seq >= meta.SequenceStart && seq <= meta.SequenceEnd {
			return meta.BatchID
		}
	}
	return ""
}

// DataKeyBySequence resolves the payload key holding seq, or nil when no
// batch covers it.
func (m *Manager) DataKeyBySequence(group, session string, seq int64) []byte {
	batchID := m.FindBatchIDBySequence(group, session, seq)
	if batchID == "" {
		return nil
	}
	return DataKey(group, session, batchID, seq)
}
