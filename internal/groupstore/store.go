package groupstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/whyjp/durastash/internal/batch"
	"github.com/whyjp/durastash/internal/session"
	"github.com/whyjp/durastash/internal/storage"
	"github.com/whyjp/durastash/pkg/log"
)

// DefaultBatchSize is the sequence-window width used until SetBatchSize is
// called.
const DefaultBatchSize = 100

// Sentinel errors surfaced by the public API.
var (
	// ErrClosed means the store has been shut down.
	ErrClosed = errors.New("groupstore: closed")
	// ErrNoSession means the group has no initialized session.
	ErrNoSession = errors.New("groupstore: no session for group")
	// ErrBatchNotLoaded means resave was called on a batch that is not in the
	// loaded state.
	ErrBatchNotLoaded = errors.New("groupstore: batch not loaded")
)

// BatchLoadResult is one loaded batch: its identity, sequence window, and the
// payloads still present, in ascending sequence order.
type BatchLoadResult struct {
	BatchID       string
	SequenceStart int64
	SequenceEnd   int64
	Data          [][]byte
}

// Options configures a Store.
type Options struct {
	// DefaultBatchSize overrides the initial batch window width.
	DefaultBatchSize int
	// HeartbeatInterval overrides how often the session heartbeat fires.
	HeartbeatInterval time.Duration
	// Logger receives structured logs. Optional.
	Logger log.Logger
}

// Store is the group coordinator: it assigns per-group sequence numbers,
// tracks the open batch of each sequence window, and exposes the queue API.
// All methods are safe for concurrent use.
type Store struct {
	st       storage.Storage
	sessions *session.Manager
	batches  *batch.Manager
	logger   log.Logger

	mu              sync.Mutex
	closed          bool
	batchSize       int64
	hbInterval      time.Duration
	hbStarted       bool
	groupSessions   map[string]string // group -> session id
	seqCounters     map[string]int64  // group -> last issued sequence
	currentBatchIDs map[string]string // "{group}:{window_start}" -> batch id
}

// New builds a Store over the given storage.
func New(st storage.Storage, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	size := int64(opts.DefaultBatchSize)
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Store{
		st:              st,
		sessions:        session.NewManager(st, logger),
		batches:         batch.NewManager(st, logger),
		logger:          logger.WithComponent("groupstore"),
		batchSize:       size,
		hbInterval:      opts.HeartbeatInterval,
		groupSessions:   make(map[string]string),
		seqCounters:     make(map[string]int64),
		currentBatchIDs: make(map[string]string),
	}
}

// InitializeSession ensures the group has a session, creating one if needed,
// and returns its id. The heartbeat worker starts with the first session.
func (s *Store) InitializeSession(group string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	return s.getOrCreateSessionLocked(group)
}

func (s *Store) getOrCreateSessionLocked(group string) (string, error) {
	if id, ok := s.groupSessions[group]; ok {
		return id, nil
	}
	id, err := s.sessions.InitializeSession(group)
	if err != nil {
		return "", fmt.Errorf("initialize session: %w", err)
	}
	s.groupSessions[group] = id
	if !s.hbStarted {
		s.sessions.StartHeartbeat(s.hbInterval)
		s.hbStarted = true
	}
	return id, nil
}

// TerminateSession terminates the group's session and clears its in-memory
// state: session mapping, sequence counter, and open-batch tracking.
func (s *Store) TerminateSession(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.groupSessions[group]; ok {
		s.sessions.Terminate(group, id)
	}
	delete(s.groupSessions, group)
	delete(s.seqCounters, group)
	s.dropCurrentBatchesLocked(group)
}

func (s *Store) dropCurrentBatchesLocked(group string) {
	prefix := group + ":"
	for k := range s.currentBatchIDs {
		if strings.HasPrefix(k, prefix) {
			delete(s.currentBatchIDs, k)
		}
	}
}

// Save appends one payload to the group's stream. The payload receives the
// next sequence number; the first save into a fresh sequence window opens a
// new pending batch covering that window.
func (s *Store) Save(group string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	sid, err := s.getOrCreateSessionLocked(group)
	if err != nil {
		return err
	}

	seq := s.nextSequenceLocked(group)
	windowStart := (seq / s.batchSize) * s.batchSize
	windowEnd := windowStart + s.batchSize - 1

	windowKey := fmt.Sprintf("%s:%d", group, windowStart)
	batchID, ok := s.currentBatchIDs[windowKey]
	if !ok {
		batchID, err = s.batches.CreateBatch(group, sid, windowStart, windowEnd)
		if err != nil {
			return fmt.Errorf("open batch: %w", err)
		}
		s.currentBatchIDs[windowKey] = batchID
		s.logger.Debug("batch opened",
			log.Str("group", group), log.Str("batch", batchID),
			log.Int64("start", windowStart), log.Int64("end", windowEnd))
	}

	if err := s.st.Put(batch.DataKey(group, sid, batchID, seq), data); err != nil {
		return fmt.Errorf("persist payload: %w", err)
	}
	return nil
}

// nextSequenceLocked issues the group's next sequence number: 0 on the first
// call per process, then +1 per call. Sequences are never reused within a
// process lifetime.
func (s *Store) nextSequenceLocked(group string) int64 {
	seq, ok := s.seqCounters[group]
	if !ok {
		s.seqCounters[group] = 0
		return 0
	}
	seq++
	s.seqCounters[group] = seq
	return seq
}

// LoadBatch drains up to max pending batches in FIFO order (max <= 0 means
// every pending batch). Each returned
// batch has been atomically flipped to loaded; batches another loader won are
// skipped. Payload slots deleted by a concurrent resave are omitted from
// Data.
func (s *Store) LoadBatch(group string, max int) ([]BatchLoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sid, ok := s.groupSessions[group]
	if !ok {
		return nil, ErrNoSession
	}

	ids, err := s.batches.LoadableBatches(group, sid, max)
	if err != nil {
		return nil, fmt.Errorf("list loadable batches: %w", err)
	}

	var results []BatchLoadResult
	for _, id := range ids {
		won, err := s.batches.MarkLoaded(group, sid, id)
		if err != nil {
			s.logger.Warn("skipping unloadable batch",
				log.Str("group", group), log.Str("batch", id), log.Err(err))
			continue
		}
		if !won {
			continue
		}
		result, err := s.loadBatchDataLocked(group, sid, id)
		if err != nil {
			s.logger.Warn("loaded batch fetch failed",
				log.Str("group", group), log.Str("batch", id), log.Err(err))
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Store) loadBatchDataLocked(group, sid, batchID string) (BatchLoadResult, error) {
	meta, err := s.batches.GetMetadata(group, sid, batchID)
	if err != nil {
		return BatchLoadResult{}, err
	}
	result := BatchLoadResult{
		BatchID:       batchID,
		SequenceStart: meta.SequenceStart,
		SequenceEnd:   meta.SequenceEnd,
	}
	for seq := meta.SequenceStart; seq <= meta.SequenceEnd; seq++ {
		value, err := s.st.Get(batch.DataKey(group, sid, batchID, seq))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return BatchLoadResult{}, err
		}
		result.Data = append(result.Data, value)
	}
	return result, nil
}

// PeekLoad returns every payload currently resident under the group's
// session, in ascending sequence order, without any state change. It is the
// only read path that also sees payloads of loaded-but-unacknowledged
// batches.
func (s *Store) PeekLoad(group string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sid, ok := s.groupSessions[group]
	if !ok {
		return nil, ErrNoSession
	}

	kvs, err := s.st.ScanPrefix(batch.SessionPrefix(group, sid))
	if err != nil {
		return nil, fmt.Errorf("scan payloads: %w", err)
	}
	type payload struct {
		seq  int64
		data []byte
	}
	var found []payload
	for _, kv := range kvs {
		_, seq, ok := batch.ParseDataKey(kv.Key, group, sid)
		if !ok {
			continue
		}
		found = append(found, payload{seq: seq, data: kv.Value})
	}
	// key order groups payloads by batch id; sequence order is the contract
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([][]byte, 0, len(found))
	for _, p := range found {
		out = append(out, p.data)
	}
	return out, nil
}

// AcknowledgeBatch deletes the batch's metadata and payload range in one
// atomic commit. Returns false when the batch does not exist.
func (s *Store) AcknowledgeBatch(group, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	sid, ok := s.groupSessions[group]
	if !ok {
		return false, ErrNoSession
	}
	return s.batches.Acknowledge(group, sid, batchID)
}

// ResaveBatch replaces a loaded batch with a fresh pending batch carrying
// remaining, the tail the consumer failed to process. With an empty tail it
// is equivalent to AcknowledgeBatch. The payload swap (new keys written, old
// keys and old metadata deleted) is one atomic commit.
func (s *Store) ResaveBatch(group, batchID string, remaining [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	sid, ok := s.groupSessions[group]
	if !ok {
		return ErrNoSession
	}

	meta, err := s.batches.GetMetadata(group, sid, batchID)
	if err != nil {
		return err
	}
	if meta.Status != batch.StatusLoaded {
		return fmt.Errorf("%w: %s is %s", ErrBatchNotLoaded, batchID, meta.Status)
	}

	if len(remaining) == 0 {
		if _, err := s.batches.Acknowledge(group, sid, batchID); err != nil {
			return err
		}
		return nil
	}

	seqStart := s.nextSequenceLocked(group)
	seqEnd := seqStart
	for i := 1; i < len(remaining); i++ {
		seqEnd = s.nextSequenceLocked(group)
	}

	newID, err := s.batches.CreateBatch(group, sid, seqStart, seqEnd)
	if err != nil {
		return fmt.Errorf("open resave batch: %w", err)
	}

	wb := s.st.NewWriteBatch()
	for i, payload := range remaining {
		if err := wb.Put(batch.DataKey(group, sid, newID, seqStart+int64(i)), payload); err != nil {
			_ = wb.Rollback()
			return err
		}
	}
	if err := s.batches.AppendDeletes(wb, group, sid, meta); err != nil {
		_ = wb.Rollback()
		return err
	}
	if err := wb.Commit(); err != nil {
		return fmt.Errorf("commit resave: %w", err)
	}
	s.logger.Debug("batch resaved",
		log.Str("group", group), log.Str("old", batchID), log.Str("new", newID),
		log.Int("remaining", len(remaining)))
	return nil
}

// FindBatchIDBySequence returns the batch covering seq under the group's
// session, or "". Diagnostic lookup.
func (s *Store) FindBatchIDBySequence(group string, seq int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.groupSessions[group]
	if !ok {
		return ""
	}
	return s.batches.FindBatchIDBySequence(group, sid, seq)
}

// SessionID returns the group's session identity, or "".
func (s *Store) SessionID(group string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupSessions[group]
}

// SetBatchSize adjusts the sequence-window width for future saves. Existing
// open batches keep their windows.
func (s *Store) SetBatchSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size > 0 {
		s.batchSize = int64(size)
	}
}

// BatchSize returns the current sequence-window width.
func (s *Store) BatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.batchSize)
}

// CleanupTimeoutSessions terminates every active session record in the group
// whose heartbeat is older than timeout. Returns the count reclaimed.
func (s *Store) CleanupTimeoutSessions(group string, timeout time.Duration) int {
	return s.sessions.CleanupTimeoutSessions(group, timeout)
}

// Close terminates all initialized sessions and stops the heartbeat worker.
// Idempotent. The underlying storage is closed by the caller that opened it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	groups := make(map[string]string, len(s.groupSessions))
	for g, id := range s.groupSessions {
		groups[g] = id
	}
	s.groupSessions = make(map[string]string)
	s.seqCounters = make(map[string]int64)
	s.currentBatchIDs = make(map[string]string)
	s.mu.Unlock()

	for g, id := range groups {
		s.sessions.Terminate(g, id)
	}
	s.sessions.StopHeartbeat()
	return nil
}
