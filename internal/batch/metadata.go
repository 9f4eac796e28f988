package batch

import "encoding/json"

// Status values are persisted as exact lowercase strings.
const (
	StatusPending      = "pending"
	StatusLoaded       = "loaded"
	StatusAcknowledged = "acknowledged"
)

// Metadata is the persisted batch record, stored under
// {group}:{session}:batch:{batch_id}. loaded_at is omitted until the batch is
// loaded; a missing field reads as 0.
type Metadata struct {
	BatchID       string `json:"batch_id"`
	SequenceStart int64  `json:"sequence_start"`
	SequenceEnd   int64  `json:"sequence_end"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"`
	LoadedAt      int64  `json:"loaded_at,omitempty"`
}

// Encode serializes the record as JSON.
func (m *Metadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMetadata parses a persisted batch record.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	err := json.Unmarshal(data, &m)
	return m, err
}
