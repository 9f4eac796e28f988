package batch

import (
	"fmt"
	"strconv"
	"strings"
)

// sequenceWidth is the fixed width of the sequence component of data keys.
// The zero padding makes lexicographic key order equal numeric sequence
// order; the width must never change.
const sequenceWidth = 20

// MetadataKey returns the batch metadata key.
// Format: {group}:{session}:batch:{batch_id}
func MetadataKey(group, session, batchID string) []byte {
	return []byte(group + ":" + session + ":batch:" + batchID)
}

// MetadataPrefix returns the prefix covering every batch metadata record of a
// group/session.
// Format: {group}:{session}:batch:
func MetadataPrefix(group, session string) []byte {
	return []byte(group + ":" + session + ":batch:")
}

// DataKey returns the payload key for one sequence.
// Format: {group}:{session}:{batch_id}:{sequence as 20 zero-padded digits}
func DataKey(group, session, batchID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%0*d", group, session, batchID, sequenceWidth, seq))
}

// DataKeys returns the payload keys for every sequence in [start, end].
func DataKeys(group, session, batchID string, start, end int64) [][]byte {
	if end < start {
		return nil
	}
	keys := make([][]byte, 0, end-start+1)
	for seq := start; seq <= end; seq++ {
		keys = append(keys, DataKey(group, session, batchID, seq))
	}
	return keys
}

// SessionPrefix returns the prefix covering every record of a group/session,
// payloads included.
// Format: {group}:{session}:
func SessionPrefix(group, session string) []byte {
	return []byte(group + ":" + session + ":")
}

// ParseDataKey splits a payload key belonging to group/session into its batch
// id and sequence. Session-state and batch-metadata keys under the same
// prefix report ok=false.
func ParseDataKey(key []byte, group, session string) (batchID string, seq int64, ok bool) {
	prefix := group + ":" + session + ":"
	s := string(key)
	if !strings.HasPrefix(s, prefix) {
		return "", 0, false
	}
	rest := strings.Split(s[len(prefix):], ":")
	if len(rest) != 2 || rest[0] == "batch" || len(rest[1]) != sequenceWidth {
		return "", 0, false
	}
	n, err := strconv.ParseInt(rest[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[0], n, true
}
