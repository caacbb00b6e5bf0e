// Package registry owns the session table shared by all multiplexer
// replicas.
//
// The table maps session ids to the network address and lifecycle status of
// their session containers. Exactly one goroutine mutates the table (the
// registry run loop); every mutation is broadcast as the full serialized
// table on the bus and mirrored to the shared store so peer replicas and
// fresh replicas converge. Incoming broadcasts replace the local table
// wholesale, last writer wins.
package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a session's lifecycle state. Transitions are monotonic:
// wait_target -> running -> closed, with closed terminal.
type Status string

const (
	// StatusWaitTarget means the container is up but the managed host has
	// not dialed its bridge WebSocket yet.
	StatusWaitTarget Status = "wait_target"

	// StatusRunning means the host-side bridge is connected.
	StatusRunning Status = "running"

	// StatusClosed is the terminal tombstone: a proxy leg disconnected or
	// the container died.
	StatusClosed Status = "closed"
)

// rank orders statuses along the transition graph.
func (s Status) rank() int {
	switch s {
	case StatusWaitTarget:
		return 0
	case StatusRunning:
		return 1
	case StatusClosed:
		return 2
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Session is one entry in the shared table.
type Session struct {
	// ID is the session's UUID. It keys the table and is not repeated in
	// the serialized record.
	ID string `json:"-"`

	// Address is the session container's IP literal, resolved once at
	// creation so long-lived proxying never depends on DNS again.
	Address string `json:"ip"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// InventoryID optionally links the session to the host-inventory entry
	// it was opened for. Host agents look their session up by it.
	InventoryID string `json:"inventory,omitempty"`

	// createdAt and closedAt are replica-local observation times, never
	// serialized. createdAt orders inventory lookups; closedAt ages
	// tombstones for the evictor.
	createdAt time.Time
	closedAt  time.Time
}

// clone returns a copy safe to hand outside the run loop.
func (s *Session) clone() *Session {
	c := *s
	return &c
}

// Table is the session table keyed by session id.
type Table map[string]*Session

// MarshalTable serializes the table in the shared-store layout:
// {"<id>": {"ip": "...", "status": "...", ...}}.
func MarshalTable(t Table) ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTable parses a serialized table. A single record with an invalid
// status rejects the whole payload: no partial table is returned.
func UnmarshalTable(data []byte) (Table, error) {
	table := Table{}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing session table: %w", err)
	}
	for id, sess := range table {
		if !sess.Status.Valid() {
			return nil, fmt.Errorf("session %s has invalid status %q", id, sess.Status)
		}
		sess.ID = id
	}
	return table, nil
}
