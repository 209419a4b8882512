// Package engine implements the Pool Engine (§4.4): the state machine
// mediating between the HTTP layer, the Store, the Dispatcher and the
// Registry. It owns the ordering between Store mutations and subscriber
// side effects, including compensation on an aborted borrow.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/r33drichards/ip-allocator-webserver/internal/config"
	"github.com/r33drichards/ip-allocator-webserver/internal/dispatcher"
	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
	"github.com/r33drichards/ip-allocator-webserver/internal/registry"
	"github.com/r33drichards/ip-allocator-webserver/internal/store"
	"github.com/r33drichards/ip-allocator-webserver/pkg/metrics"
)

// Sentinel errors the Engine returns from its inline path; the API layer
// maps these to the HTTP dispositions in §7.
var (
	ErrPoolExhausted = errors.New("freelist is empty")
	ErrInvalidToken  = errors.New("borrow token does not match")
	ErrInvalidItem   = errors.New("item must be a non-null JSON value")
)

// SubscriberFailedError wraps the Dispatcher's aggregated failure message
// for a must-succeed subscriber that aborted the operation.
type SubscriberFailedError struct {
	Message string
}

func (e *SubscriberFailedError) Error() string {
	return fmt.Sprintf("subscriber fan-out aborted: %s", e.Message)
}

// StoreUnavailableError wraps a Redis-layer failure that is not one of
// the Store's named sentinel errors.
type StoreUnavailableError struct {
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Cause)
}
func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

// BorrowResult is the business payload returned by a committed borrow.
type BorrowResult struct {
	Item        pool.Item `json:"item"`
	BorrowToken string    `json:"borrow_token"`
}

// Outcome is what the top-level Borrow/Return/Submit methods return to
// the API layer: either an immediate business result, or an operation id
// to poll (§4.4 Operation-mode selection).
type Outcome struct {
	Async       bool
	OperationID string
	Result      json.RawMessage
}

// Engine ties the Store, Dispatcher, Registry and Config together.
type Engine struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	cfg        *config.Config
	events     *Broadcaster
	log        *zap.Logger
}

// New builds an Engine. events may be nil; a nil Broadcaster simply
// receives no publications (Publish is never called on a nil receiver by
// this package, so callers that don't want the feed can pass nil).
func New(st store.Store, disp *dispatcher.Dispatcher, reg *registry.Registry, cfg *config.Config, events *Broadcaster, log *zap.Logger) *Engine {
	return &Engine{
		store:      st,
		dispatcher: disp,
		registry:   reg,
		cfg:        cfg,
		events:     events,
		log:        log.Named("engine"),
	}
}

func (e *Engine) publish(ev LifecycleEvent) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// Borrow pops one item from the freelist and, on a committed fan-out,
// records it as borrowed under a fresh token.
func (e *Engine) Borrow(ctx context.Context, params json.RawMessage) (Outcome, error) {
	return e.run(ctx, pool.EventBorrow, func(runCtx context.Context) (json.RawMessage, error) {
		return e.runBorrow(runCtx, params)
	})
}

// Return validates the supplied token and, on a committed fan-out,
// removes the borrow and frees the item.
func (e *Engine) Return(ctx context.Context, item pool.Item, token string, params json.RawMessage) (Outcome, error) {
	return e.run(ctx, pool.EventReturn, func(runCtx context.Context) (json.RawMessage, error) {
		return e.runReturn(runCtx, item, token, params)
	})
}

// Submit adds item to the freelist if absent, idempotently, on a
// committed fan-out.
func (e *Engine) Submit(ctx context.Context, item pool.Item) (Outcome, error) {
	return e.run(ctx, pool.EventSubmit, func(runCtx context.Context) (json.RawMessage, error) {
		return e.runSubmit(runCtx, item)
	})
}

// run implements the Operation-mode selection of §4.4: inline execution
// when no async must-succeed subscriber exists for kind, otherwise a
// detached background task reporting into the Registry.
func (e *Engine) run(ctx context.Context, kind pool.EventKind, protocol func(context.Context) (json.RawMessage, error)) (Outcome, error) {
	if !e.cfg.HasAsyncMustSucceed(kind) {
		result, err := protocol(ctx)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: result}, nil
	}

	opID := e.registry.Create(kind)
	e.publish(LifecycleEvent{Kind: string(kind), Operation: opID, State: string(pool.OperationPending)})

	go func() {
		// The protocol must survive client disconnect and is not
		// cancellable once started (§5), so it runs detached from the
		// request context.
		bg := context.Background()
		result, err := protocol(bg)
		if err != nil {
			e.registry.MarkFailed(opID, err.Error())
			e.publish(LifecycleEvent{Kind: string(kind), Operation: opID, State: string(pool.OperationFailed), Message: err.Error()})
			return
		}
		e.registry.MarkSucceeded(opID, result)
		e.publish(LifecycleEvent{Kind: string(kind), Operation: opID, State: string(pool.OperationSucceeded)})
	}()

	return Outcome{Async: true, OperationID: opID}, nil
}

func (e *Engine) runBorrow(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	item, err := e.store.FreelistPopOne(ctx)
	if err != nil {
		if errors.Is(err, store.ErrEmpty) {
			return nil, ErrPoolExhausted
		}
		return nil, &StoreUnavailableError{Cause: err}
	}

	token := uuid.New().String()

	verdict := e.dispatcher.Dispatch(ctx, pool.EventBorrow, e.cfg.Subscribers(pool.EventBorrow), pool.EventPayload{
		Item:   json.RawMessage(item),
		Params: params,
	})

	if !verdict.Committed {
		e.compensate(item)
		return nil, &SubscriberFailedError{Message: verdict.Message}
	}

	if err := e.store.BorrowRecord(ctx, item, token, ownerFromParams(params)); err != nil {
		e.compensate(item)
		return nil, &StoreUnavailableError{Cause: err}
	}

	metrics.FreeCount.Dec()
	metrics.BorrowedCount.Inc()
	e.publish(LifecycleEvent{Kind: string(pool.EventBorrow), Item: json.RawMessage(item), State: "committed"})

	result, err := json.Marshal(BorrowResult{Item: item, BorrowToken: token})
	if err != nil {
		return nil, fmt.Errorf("encode borrow result: %w", err)
	}
	return result, nil
}

// ownerFromParams extracts the optional "owner" attribution field from a
// Borrow params payload. It is purely informational (§SUPPLEMENTED
// owner-scoped borrow) and is never enforced: malformed or absent params
// just mean no owner is recorded.
func ownerFromParams(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var fields struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(params, &fields); err != nil {
		return ""
	}
	return fields.Owner
}

// compensate returns a popped item to the freelist after an aborted
// borrow. Per §4.4/§5 this is attempted unconditionally and is never
// cancelled by the caller's context; on failure the item is leaked and
// logged CRITICAL, per §7's LeakedItem disposition.
func (e *Engine) compensate(item pool.Item) {
	bg := context.Background()
	if err := e.store.FreelistAdd(bg, item); err != nil {
		metrics.LeakedItems.Inc()
		e.log.Error("CRITICAL: failed to compensate aborted borrow, item leaked from pool",
			zap.Error(err), zap.ByteString("item", []byte(item)))
	}
}

func (e *Engine) runReturn(ctx context.Context, item pool.Item, token string, params json.RawMessage) (json.RawMessage, error) {
	// Return fires the event at intent, not at commit (§4.4.2): the
	// subscriber fan-out runs before the token is checked against the
	// Store.
	verdict := e.dispatcher.Dispatch(ctx, pool.EventReturn, e.cfg.Subscribers(pool.EventReturn), pool.EventPayload{
		Item:   json.RawMessage(item),
		Params: params,
	})

	if !verdict.Committed {
		return nil, &SubscriberFailedError{Message: verdict.Message}
	}

	if err := e.store.BorrowRemove(ctx, item, token); err != nil {
		if errors.Is(err, store.ErrUnknownToken) {
			return nil, ErrInvalidToken
		}
		return nil, &StoreUnavailableError{Cause: err}
	}

	if err := e.store.FreelistAdd(ctx, item); err != nil {
		metrics.LeakedItems.Inc()
		e.log.Error("CRITICAL: return committed removal but failed to free item, item leaked from pool",
			zap.Error(err), zap.ByteString("item", []byte(item)))
		return nil, &StoreUnavailableError{Cause: err}
	}

	metrics.BorrowedCount.Dec()
	metrics.FreeCount.Inc()
	e.publish(LifecycleEvent{Kind: string(pool.EventReturn), Item: json.RawMessage(item), State: "committed"})

	return json.Marshal(map[string]string{"status": "ok"})
}

func (e *Engine) runSubmit(ctx context.Context, item pool.Item) (json.RawMessage, error) {
	if _, err := item.Canonical(); err != nil {
		return nil, ErrInvalidItem
	}

	verdict := e.dispatcher.Dispatch(ctx, pool.EventSubmit, e.cfg.Subscribers(pool.EventSubmit), pool.EventPayload{
		Item: json.RawMessage(item),
	})

	if !verdict.Committed {
		return nil, &SubscriberFailedError{Message: verdict.Message}
	}

	already, err := e.store.FreelistContains(ctx, item)
	if err != nil {
		return nil, &StoreUnavailableError{Cause: err}
	}
	if already {
		return json.Marshal(map[string]string{"status": "ok"})
	}

	if err := e.store.FreelistAdd(ctx, item); err != nil {
		return nil, &StoreUnavailableError{Cause: err}
	}

	metrics.FreeCount.Inc()
	e.publish(LifecycleEvent{Kind: string(pool.EventSubmit), Item: json.RawMessage(item), State: "committed"})

	return json.Marshal(map[string]string{"status": "ok"})
}

// Operation returns a copy of the operation record for id, or
// registry.ErrNotFound.
func (e *Engine) Operation(id string) (registry.Operation, error) {
	return e.registry.Get(id)
}

// Operations returns a copy of every operation record currently held,
// regardless of state. Supplemented admin escape hatch, grounded on
// handlers/admin.rs's list_operations endpoint.
func (e *Engine) Operations() []registry.Operation {
	return e.registry.List()
}

// DeleteOperation removes an operation record outright, regardless of
// its state. Supplemented admin escape hatch, grounded on
// handlers/admin.rs's delete_operation endpoint.
func (e *Engine) DeleteOperation(id string) error {
	return e.registry.Delete(id)
}

// Stats returns the current freelist/borrowed cardinalities for the
// admin stats endpoint.
func (e *Engine) Stats(ctx context.Context) (free, borrowed int64, err error) {
	free, err = e.store.FreelistCount(ctx)
	if err != nil {
		return 0, 0, &StoreUnavailableError{Cause: err}
	}
	borrowed, err = e.store.BorrowCount(ctx)
	if err != nil {
		return 0, 0, &StoreUnavailableError{Cause: err}
	}
	metrics.FreeCount.Set(float64(free))
	metrics.BorrowedCount.Set(float64(borrowed))
	return free, borrowed, nil
}

// FreeItems returns every item currently in the freelist, for the admin
// list endpoint.
func (e *Engine) FreeItems(ctx context.Context) ([]pool.Item, error) {
	items, err := e.store.FreelistList(ctx)
	if err != nil {
		return nil, &StoreUnavailableError{Cause: err}
	}
	return items, nil
}

// BorrowedItems returns every currently-borrowed item with its token,
// for the admin list endpoint.
func (e *Engine) BorrowedItems(ctx context.Context) ([]store.BorrowedEntry, error) {
	entries, err := e.store.BorrowList(ctx)
	if err != nil {
		return nil, &StoreUnavailableError{Cause: err}
	}
	return entries, nil
}

// ForceReturn moves a borrowed item straight to the freelist, bypassing
// token validation. Supplemented admin escape hatch, grounded on
// handlers/admin.rs's force-return endpoint.
func (e *Engine) ForceReturn(ctx context.Context, item pool.Item) error {
	if err := e.store.ForceReturn(ctx, item); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return &StoreUnavailableError{Cause: err}
	}
	e.publish(LifecycleEvent{Kind: "admin_force_return", Item: json.RawMessage(item), State: "committed"})
	return nil
}

// DeleteItem removes item from the freelist without returning it
// anywhere. Supplemented admin escape hatch.
func (e *Engine) DeleteItem(ctx context.Context, item pool.Item) error {
	if err := e.store.DeleteItem(ctx, item); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return &StoreUnavailableError{Cause: err}
	}
	e.publish(LifecycleEvent{Kind: "admin_delete", Item: json.RawMessage(item), State: "committed"})
	return nil
}

// DeleteBorrowed removes item from the borrowed-set without freeing it.
// Supplemented admin escape hatch.
func (e *Engine) DeleteBorrowed(ctx context.Context, item pool.Item) error {
	if err := e.store.DeleteBorrowed(ctx, item); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return &StoreUnavailableError{Cause: err}
	}
	e.publish(LifecycleEvent{Kind: "admin_delete_borrowed", Item: json.RawMessage(item), State: "committed"})
	return nil
}
