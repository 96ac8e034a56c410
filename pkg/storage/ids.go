package storage

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"
)

// Entity kind prefixes for short references.
const (
	KindTask     = "gt"
	KindSession  = "gs"
	KindProject  = "gp"
	KindMemory   = "gm"
	KindArtifact = "ga"
	KindHandoff  = "gh"
)

// NewShortID generates a short hash-based reference of the form
// "<kind>-XXXXXX" with 6 hex characters derived from nanosecond time, random
// bytes and the project id. Collisions are possible and handled by the caller
// retrying with a fresh salt.
func NewShortID(kind, projectID string) string {
	h := fnv.New64a()

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
	h.Write(ts[:])

	var salt [8]byte
	// rand.Read never fails on supported platforms.
	_, _ = rand.Read(salt[:])
	h.Write(salt[:])

	h.Write([]byte(projectID))

	return fmt.Sprintf("%s-%06x", kind, h.Sum64()&0xffffff)
}

// maxIDAttempts bounds collision retries before the insert fails with
// Conflict.
const maxIDAttempts = 5

// nowUTC returns the current time formatted as ISO-8601 UTC, the timestamp
// format used across both databases.
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
