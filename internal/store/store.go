// Package store provides the durable set-like abstraction over Redis that
// holds the freelist and the borrowed-set, the way services/bookkeeper/cache
// in the teacher wraps a *redis.Client behind a narrow domain interface.
package store

import (
	"context"
	"errors"

	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
)

// Sentinel errors returned by Store methods. Callers distinguish these
// with errors.Is; the engine translates them to HTTP-facing problem kinds.
var (
	// ErrEmpty is returned by FreelistPopOne when the freelist has no members.
	ErrEmpty = errors.New("freelist is empty")
	// ErrUnknownToken is returned by BorrowRemove when the stored token
	// does not match the supplied one, or the item is not borrowed.
	ErrUnknownToken = errors.New("unknown or mismatched borrow token")
	// ErrAlreadyBorrowed is returned by BorrowRecord when the item is
	// already present in the borrowed-set.
	ErrAlreadyBorrowed = errors.New("item already borrowed")
	// ErrNotFound is returned by admin lookups for an item that is not a
	// member of the relevant set.
	ErrNotFound = errors.New("item not found")
)

// BorrowedEntry pairs an item with its current borrow token, used by the
// admin listing endpoint. Owner is the optional, purely informational
// attribution supplied by the borrower (never enforced); it is empty when
// the borrow carried no owner.
type BorrowedEntry struct {
	Item  pool.Item
	Token string
	Owner string
}

// Store is the durable abstraction §4.1 describes. Implementations MUST
// make FreelistPopOne atomic and non-blocking, and BorrowRecord/BorrowRemove
// atomic with respect to concurrent callers on the same item.
type Store interface {
	FreelistAdd(ctx context.Context, item pool.Item) error
	FreelistPopOne(ctx context.Context) (pool.Item, error)
	FreelistContains(ctx context.Context, item pool.Item) (bool, error)
	FreelistList(ctx context.Context) ([]pool.Item, error)
	FreelistCount(ctx context.Context) (int64, error)

	// BorrowRecord records a borrow. owner is optional attribution (empty
	// string means none) and is never consulted by BorrowRemove/ForceReturn.
	BorrowRecord(ctx context.Context, item pool.Item, token, owner string) error
	BorrowRemove(ctx context.Context, item pool.Item, token string) error
	BorrowCount(ctx context.Context) (int64, error)
	BorrowList(ctx context.Context) ([]BorrowedEntry, error)

	// DeleteItem removes an item from the freelist without returning it
	// anywhere (admin escape hatch, §ADMIN).
	DeleteItem(ctx context.Context, item pool.Item) error
	// DeleteBorrowed removes an item from the borrowed-set without
	// adding it back to the freelist (admin escape hatch).
	DeleteBorrowed(ctx context.Context, item pool.Item) error
	// ForceReturn moves a borrowed item straight to the freelist,
	// bypassing token validation (admin escape hatch for a stuck pool).
	ForceReturn(ctx context.Context, item pool.Item) error
}
