package registry

import (
	"context"
	"sort"
	"time"

	"github.com/webconsole/appservice/internal/apperrors"
	"github.com/webconsole/appservice/internal/logger"
)

// Publisher pushes the serialized table to the rest of the fleet. The bus
// package implements it; tests substitute a recorder.
type Publisher interface {
	// PublishTable broadcasts the payload on the sessions channel.
	PublishTable(ctx context.Context, payload []byte) error

	// StoreTable writes the payload to the shared store key so replicas
	// starting later can reconcile.
	StoreTable(ctx context.Context, payload []byte) error
}

// publishTimeout bounds how long a mutation waits on the bus. A slow bus
// must not wedge the run loop; a lost publish is repaired by the next real
// transition republishing the full table.
const publishTimeout = 3 * time.Second

// Registry is the authoritative in-memory session table plus the wait-set
// of pending wait-running futures.
//
// All state is owned by the Run loop; public methods post closures onto the
// ops channel and wait for them to execute. That keeps the table
// single-writer without shared-memory locks.
type Registry struct {
	publisher Publisher

	ops  chan func()
	quit chan struct{}

	// Owned by the run loop. Never touched outside it.
	table   Table
	waiters map[string][]chan struct{}
}

// New creates a registry. Call Run in a goroutine before using it.
func New(publisher Publisher) *Registry {
	return &Registry{
		publisher: publisher,
		ops:       make(chan func(), 64),
		quit:      make(chan struct{}),
		table:     Table{},
		waiters:   map[string][]chan struct{}{},
	}
}

// Run executes registry operations until Stop is called.
func (r *Registry) Run() {
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.quit:
			return
		}
	}
}

// Stop terminates the run loop.
func (r *Registry) Stop() {
	close(r.quit)
}

// do posts an operation to the run loop and waits for it to finish.
func (r *Registry) do(op func()) {
	done := make(chan struct{})
	select {
	case r.ops <- func() {
		op()
		close(done)
	}:
		<-done
	case <-r.quit:
	}
}

// Snapshot returns a copy of the current table.
func (r *Registry) Snapshot() Table {
	var snapshot Table
	r.do(func() {
		snapshot = make(Table, len(r.table))
		for id, sess := range r.table {
			snapshot[id] = sess.clone()
		}
	})
	return snapshot
}

// Get returns the session with the given id, or nil when unknown.
func (r *Registry) Get(id string) *Session {
	var found *Session
	r.do(func() {
		if sess, ok := r.table[id]; ok {
			found = sess.clone()
		}
	})
	return found
}

// FindByInventory returns the newest non-closed session associated with the
// given inventory id, or nil.
func (r *Registry) FindByInventory(inventoryID string) *Session {
	var found *Session
	r.do(func() {
		var candidates []*Session
		for _, sess := range r.table {
			if sess.InventoryID == inventoryID && sess.Status != StatusClosed {
				candidates = append(candidates, sess)
			}
		}
		if len(candidates) == 0 {
			return
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].createdAt.After(candidates[j].createdAt)
		})
		found = candidates[0].clone()
	})
	return found
}

// Insert adds a new session with status wait_target and publishes the table.
// It fails when the id already exists; session ids are never reused.
func (r *Registry) Insert(id, address, inventoryID string) error {
	var err error
	r.do(func() {
		if _, exists := r.table[id]; exists {
			err = apperrors.SessionExists(id)
			return
		}
		r.table[id] = &Session{
			ID:          id,
			Address:     address,
			Status:      StatusWaitTarget,
			InventoryID: inventoryID,
			createdAt:   time.Now(),
		}
		r.publishLocked()
	})
	return err
}

// Transition moves a session along the status graph. It is a no-op when the
// current status already is at or past the requested one; reverse edges are
// never taken. A real transition publishes the table and resolves pending
// wait-running futures when the new status is running.
func (r *Registry) Transition(id string, status Status) error {
	var err error
	r.do(func() {
		sess, exists := r.table[id]
		if !exists {
			err = apperrors.SessionNotFound(id)
			return
		}
		if sess.Status.rank() >= status.rank() {
			return
		}
		logger.Registry().Info().
			Str("session", id).
			Str("from", string(sess.Status)).
			Str("to", string(status)).
			Msg("session transition")
		sess.Status = status
		switch status {
		case StatusRunning:
			r.resolveWaitersLocked(id)
		case StatusClosed:
			sess.closedAt = time.Now()
		}
		r.publishLocked()
	})
	return err
}

// WaitRunning blocks until the session reaches running, the context is
// canceled, or the registry stops. It completes immediately when the session
// already is running and fails with not-found when the id is unknown at call
// time. Canceled waits are removed from the wait-set so aborted HTTP clients
// do not leak futures.
func (r *Registry) WaitRunning(ctx context.Context, id string) error {
	ready := make(chan struct{})
	var err error
	r.do(func() {
		sess, exists := r.table[id]
		if !exists {
			err = apperrors.SessionNotFound(id)
			return
		}
		if sess.Status == StatusRunning {
			close(ready)
			return
		}
		r.waiters[id] = append(r.waiters[id], ready)
	})
	if err != nil {
		return err
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		r.do(func() { r.removeWaiterLocked(id, ready) })
		return ctx.Err()
	case <-r.quit:
		return context.Canceled
	}
}

// ReplaceTable installs a peer replica's table wholesale (last writer wins)
// and resolves any pending waits whose session now reads running.
// Replica-local timestamps survive the replacement for sessions both sides
// know about.
func (r *Registry) ReplaceTable(table Table) {
	r.do(func() {
		now := time.Now()
		for id, sess := range table {
			if prev, ok := r.table[id]; ok {
				sess.createdAt = prev.createdAt
				sess.closedAt = prev.closedAt
			} else {
				sess.createdAt = now
			}
			if sess.Status == StatusClosed && sess.closedAt.IsZero() {
				sess.closedAt = now
			}
		}
		r.table = table
		for id := range r.waiters {
			if sess, ok := r.table[id]; ok && sess.Status == StatusRunning {
				r.resolveWaitersLocked(id)
			}
		}
	})
}

// EvictClosed removes sessions that have been closed locally for longer than
// the given age. Removal is a mutation: the shrunken table is republished.
// It returns the evicted ids.
func (r *Registry) EvictClosed(olderThan time.Duration) []string {
	var evicted []string
	r.do(func() {
		cutoff := time.Now().Add(-olderThan)
		for id, sess := range r.table {
			if sess.Status == StatusClosed && !sess.closedAt.IsZero() && sess.closedAt.Before(cutoff) {
				delete(r.table, id)
				r.removeAllWaitersLocked(id)
				evicted = append(evicted, id)
			}
		}
		if len(evicted) > 0 {
			r.publishLocked()
		}
	})
	return evicted
}

// publishLocked serializes the table and pushes it publish-then-store.
// Must only be called from the run loop.
func (r *Registry) publishLocked() {
	if r.publisher == nil {
		return
	}
	payload, err := MarshalTable(r.table)
	if err != nil {
		logger.Registry().Error().Err(err).Msg("serializing session table failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.publisher.PublishTable(ctx, payload); err != nil {
		logger.Registry().Warn().Err(err).Msg("publishing session table failed")
	}
	if err := r.publisher.StoreTable(ctx, payload); err != nil {
		logger.Registry().Warn().Err(err).Msg("storing session table failed")
	}
}

func (r *Registry) resolveWaitersLocked(id string) {
	for _, ready := range r.waiters[id] {
		close(ready)
	}
	delete(r.waiters, id)
}

func (r *Registry) removeWaiterLocked(id string, ready chan struct{}) {
	pending := r.waiters[id]
	for i, w := range pending {
		if w == ready {
			r.waiters[id] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(r.waiters[id]) == 0 {
		delete(r.waiters, id)
	}
}

func (r *Registry) removeAllWaitersLocked(id string) {
	delete(r.waiters, id)
}
