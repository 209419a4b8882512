// Package registry is the in-process Operation Registry (§4.2): a single
// mutex-guarded map from operation id to Operation record, never exposing
// interior references that outlive a lookup — callers get copies, and
// background tasks carry only the id, never a handle to the record (§9).
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
	"github.com/r33drichards/ip-allocator-webserver/pkg/metrics"
)

// Operation is a snapshot of an async operation record (§3). Copies of
// this struct, never pointers into the registry's map, are what callers
// receive.
type Operation struct {
	ID         string
	Kind       pool.OperationKind
	State      pool.OperationState
	Message    string
	Result     json.RawMessage
	CreatedAt  time.Time
	TerminalAt time.Time
}

// ErrNotFound is returned by Get for an id that was never created or has
// already been garbage collected.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "operation not found" }

// Registry holds every in-flight and recently-terminal Operation.
type Registry struct {
	mu        sync.RWMutex
	ops       map[string]*Operation
	retention time.Duration
	log       *zap.Logger
}

// DefaultRetention is the "at least T_retain after terminal state" default
// from §3.
const DefaultRetention = time.Hour

// New builds an empty Registry. A retention of zero falls back to
// DefaultRetention.
func New(retention time.Duration, log *zap.Logger) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		ops:       make(map[string]*Operation),
		retention: retention,
		log:       log.Named("registry"),
	}
}

// Create inserts a new Pending operation and returns its id.
func (r *Registry) Create(kind pool.OperationKind) string {
	id := uuid.New().String()
	op := &Operation{
		ID:        id,
		Kind:      kind,
		State:     pool.OperationPending,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.ops[id] = op
	r.mu.Unlock()

	metrics.OperationsByState.WithLabelValues(string(pool.OperationPending)).Inc()
	return id
}

// Get returns a copy of the operation record, or ErrNotFound.
func (r *Registry) Get(id string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[id]
	if !ok {
		return Operation{}, ErrNotFound
	}
	return *op, nil
}

// MarkSucceeded transitions id to Succeeded and stores the business
// result payload. Terminal state is sticky: a second call only updates
// the result/message, never the state (§4.2).
func (r *Registry) MarkSucceeded(id string, result json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return
	}
	first := op.State == pool.OperationPending
	if first {
		op.State = pool.OperationSucceeded
		op.TerminalAt = time.Now()
	}
	op.Result = result
	if first {
		metrics.OperationsByState.WithLabelValues(string(pool.OperationPending)).Dec()
		metrics.OperationsByState.WithLabelValues(string(pool.OperationSucceeded)).Inc()
	}
}

// MarkFailed transitions id to Failed with the given message. See
// MarkSucceeded for the sticky-terminal-state rule.
func (r *Registry) MarkFailed(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return
	}
	first := op.State == pool.OperationPending
	if first {
		op.State = pool.OperationFailed
		op.TerminalAt = time.Now()
	}
	op.Message = message
	if first {
		metrics.OperationsByState.WithLabelValues(string(pool.OperationPending)).Dec()
		metrics.OperationsByState.WithLabelValues(string(pool.OperationFailed)).Inc()
	}
}

// List returns a copy of every operation currently held, regardless of
// state, for the supplemented admin GET /admin/operations listing.
func (r *Registry) List() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, *op)
	}
	return out
}

// Delete removes an operation record outright, regardless of its state,
// for the supplemented admin DELETE /admin/operations/<id> escape hatch.
// It returns ErrNotFound if id is absent.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.ops, id)
	metrics.OperationsByState.WithLabelValues(string(op.State)).Dec()
	return nil
}

// GC removes every terminal operation whose TerminalAt is older than the
// configured retention, relative to now. It returns the number removed.
func (r *Registry) GC(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, op := range r.ops {
		if op.State == pool.OperationPending {
			continue
		}
		if now.Sub(op.TerminalAt) >= r.retention {
			delete(r.ops, id)
			removed++
			metrics.OperationsByState.WithLabelValues(string(op.State)).Dec()
		}
	}
	return removed
}

// StartJanitor runs GC on a ticker until ctx is cancelled, the way
// infra.Store.StartJanitor periodically sweeps idle rate-limit entries in
// the teaching example this is grounded on.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := r.GC(time.Now()); n > 0 {
					r.log.Debug("garbage collected terminal operations", zap.Int("count", n))
				}
			}
		}
	}()
}
