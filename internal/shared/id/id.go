// Package id generates identifiers for workers and decode sessions.
//
// IDs are ULIDs with a short type prefix:
//   - Sortable: spawn order is visible when scanning logs
//   - Prefixed: wrk_* and sess_* are easy to tell apart
//   - Typed: WorkerID and SessionID cannot be swapped by accident
package id

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// WorkerID identifies one spawned decoder process
type WorkerID string

// SessionID identifies one decode session bound to an image
type SessionID string

const (
	WorkerPrefix  = "wrk"
	SessionPrefix = "sess"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// next returns a ULID, monotonic within the process
func next() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

func prefixed(prefix string) string {
	return prefix + "_" + next().String()
}

// NewWorkerID generates a new worker ID
func NewWorkerID() WorkerID {
	return WorkerID(prefixed(WorkerPrefix))
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(prefixed(SessionPrefix))
}

func (id WorkerID) String() string  { return string(id) }
func (id SessionID) String() string { return string(id) }
