package session

import "encoding/json"

// Status values are persisted as exact lowercase strings.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
)

// State is the persisted session record, stored under {group}:{session}:state.
type State struct {
	SessionID     string `json:"session_id"`
	ProcessID     int64  `json:"process_id"`
	StartedAt     int64  `json:"started_at"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	Status        string `json:"status"`
}

// Encode serializes the record as JSON.
func (s *State) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeState parses a persisted session record.
func DecodeState(data []byte) (State, error) {
	var s State
	err := json.Unmarshal(data, &s)
	return s, err
}

// stateKey returns the session record key.
// Format: {group}:{session}:state
func stateKey(group, sessionID string) []byte {
	return []byte(group + ":" + sessionID + ":state")
}
