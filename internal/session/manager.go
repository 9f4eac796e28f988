package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/whyjp/durastash/internal/storage"
	"github.com/whyjp/durastash/pkg/log"
	"github.com/whyjp/durastash/pkg/ulid"
)

// DefaultHeartbeatInterval is how often the background worker refreshes the
// current session's last_heartbeat.
const DefaultHeartbeatInterval = 5 * time.Second

// Manager owns the process's session identity for the group it was most
// recently initialized with, persists the session record, and drives the
// heartbeat worker.
type Manager struct {
	st     storage.Storage
	logger log.Logger

	mu        sync.Mutex
	sessionID string
	groupKey  string

	hbStop chan struct{}
	hbDone chan struct{}
}

// NewManager builds a Manager over the given storage. logger may be nil.
func NewManager(st storage.Storage, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{st: st, logger: logger.WithComponent("session")}
}

// InitializeSession generates a fresh session identity for the group, writes
// an active session record, and returns the new session id. Any previously
// held identity is replaced.
func (m *Manager) InitializeSession(group string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ulid.Generate()
	now := ulid.Now()
	state := State{
		SessionID:     id,
		ProcessID:     int64(os.Getpid()),
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        StatusActive,
	}
	data, err := state.Encode()
	if err != nil {
		return "", fmt.Errorf("encode session state: %w", err)
	}
	if err := m.st.Put(stateKey(group, id), data); err != nil {
		return "", fmt.Errorf("persist session state: %w", err)
	}

	m.sessionID = id
	m.groupKey = group
	m.logger.Info("session initialized", log.Str("group", group), log.Str("session", id))
	return id, nil
}

// TerminateSession flips the currently held session record to terminated and
// drops the in-memory identity. Idempotent: no held session or absent record
// is a no-op.
func (m *Manager) TerminateSession(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateLocked(group, m.sessionID)
}

// Terminate flips the named session record to terminated. The in-memory
// identity is cleared only when it is the one being terminated. Idempotent:
// an absent record is a no-op.
func (m *Manager) Terminate(group, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateLocked(group, sessionID)
}

func (m *Manager) terminateLocked(group, sessionID string) {
	if sessionID == "" {
		return
	}
	key := stateKey(group, sessionID)
	if data, err := m.st.Get(key); err == nil {
		if state, err := DecodeState(data); err == nil {
			state.Status = StatusTerminated
			state.LastHeartbeat = ulid.Now()
			if enc, err := state.Encode(); err == nil {
				if err := m.st.Put(key, enc); err != nil {
					m.logger.Warn("terminate write failed", log.Str("group", group), log.Err(err))
				}
			}
		}
	}
	m.logger.Info("session terminated", log.Str("group", group), log.Str("session", sessionID))
	if m.sessionID == sessionID {
		m.sessionID = ""
		m.groupKey = ""
	}
}

// SessionID returns the currently held session identity, or "".
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// UpdateHeartbeat refreshes last_heartbeat on the current session record.
func (m *Manager) UpdateHeartbeat(group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateHeartbeatLocked(group)
}

func (m *Manager) updateHeartbeatLocked(group string) error {
	if m.sessionID == "" {
		return errors.New("session: no active session")
	}
	key := stateKey(group, m.sessionID)
	data, err := m.st.Get(key)
	if err != nil {
		return fmt.Errorf("read session state: %w", err)
	}
	state, err := DecodeState(data)
	if err != nil {
		return fmt.Errorf("decode session state: %w", err)
	}
	state.LastHeartbeat = ulid.Now()
	enc, err := state.Encode()
	if err != nil {
		return err
	}
	return m.st.Put(key, enc)
}

// IsSessionActive reports whether the given session's record exists with
// status active. Lookup failures read as false.
func (m *Manager) IsSessionActive(group, sessionID string) bool {
	data, err := m.st.Get(stateKey(group, sessionID))
	if err != nil {
		return false
	}
	state, err := DecodeState(data)
	if err != nil {
		return false
	}
	return state.Status == StatusActive
}

// CleanupTimeoutSessions scans the group's session records and flips every
// active session whose heartbeat is older than timeout to terminated.
// Returns the number of sessions reclaimed.
func (m *Manager) CleanupTimeoutSessions(group string, timeout time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kvs, err := m.st.ScanPrefix([]byte(group + ":"))
	if err != nil {
		m.logger.Warn("session sweep scan failed", log.Str("group", group), log.Err(err))
		return 0
	}

	now := ulid.Now()
	cleaned := 0
	for _, kv := range kvs {
		if !bytes.HasSuffix(kv.Key, []byte(":state")) {
			continue
		}
		state, err := DecodeState(kv.Value)
		if err != nil {
			continue
		}
		if state.Status != StatusActive {
			continue
		}
		if now-state.LastHeartbeat > timeout.Milliseconds() {
			state.Status = StatusTerminated
			state.LastHeartbeat = now
			enc, err := state.Encode()
			if err != nil {
				continue
			}
			if err := m.st.Put(kv.Key, enc); err != nil {
				m.logger.Warn("session sweep write failed", log.Str("session", state.SessionID), log.Err(err))
				continue
			}
			cleaned++
		}
	}
	if cleaned > 0 {
		m.logger.Info("stale sessions reclaimed", log.Str("group", group), log.Int("count", cleaned))
	}
	return cleaned
}

// StartHeartbeat launches the background worker. It sleeps interval between
// ticks and refreshes the currently held group's session record. Starting an
// already-running worker is a no-op.
func (m *Manager) StartHeartbeat(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hbStop != nil {
		return
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.hbStop = stop
	m.hbDone = done

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval):
			}

			m.mu.Lock()
			group := m.groupKey
			m.mu.Unlock()
			if group == "" {
				continue
			}
			// Best effort: persistent failure shows up as timeout reclamation
			// by other observers.
			if err := m.UpdateHeartbeat(group); err != nil {
				m.logger.Debug("heartbeat write failed", log.Str("group", group), log.Err(err))
			}
		}
	}()
}

// StopHeartbeat signals the worker and blocks until it has returned.
// Stopping an already-stopped worker is a no-op.
func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	stop := m.hbStop
	done := m.hbDone
	m.hbStop = nil
	m.hbDone = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
