package repo

import (
	"context"
	"errors"
	"time"

	"Listd/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionMismatch is a failed compare-and-set: a concurrent writer got
	// there first. Callers surface it as a conflict, never retry silently.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrDuplicateItem means an insert collided with an existing item id.
	ErrDuplicateItem = errors.New("duplicate item id")
)

// ListStore is the durable home for lists and their items. Single-item writes
// are the unit of atomicity; version bumps are compare-and-set against the
// stored version so concurrent writers cannot lose updates silently.
type ListStore interface {
	CreateList(ctx context.Context, name string) (domain.List, error)
	GetList(ctx context.Context, id string) (domain.List, error)

	// GetItems returns the active items of a list ordered by sort_order.
	GetItems(ctx context.Context, listID string) ([]domain.Item, error)
	// GetItem returns an item including soft-deleted ones.
	GetItem(ctx context.Context, listID, itemID string) (domain.Item, error)

	// InsertItem persists a new item at version 1. ErrDuplicateItem if the id
	// is already taken.
	InsertItem(ctx context.Context, item domain.Item) (domain.Item, error)
	// UpdateItemCAS writes item only if the stored version still equals
	// expectedVersion; ErrVersionMismatch otherwise. The stored version and
	// change seq are bumped by the store, not the caller.
	UpdateItemCAS(ctx context.Context, item domain.Item, expectedVersion int64) (domain.Item, error)

	// ChangesSince returns items (including soft-deleted) whose change seq is
	// greater than cursor, in seq order — the delta catch-up read.
	ChangesSince(ctx context.Context, listID string, cursor int64) ([]domain.Item, error)
	// Seq returns the list's current change cursor.
	Seq(ctx context.Context, listID string) (int64, error)

	// RebalanceRanks rewrites sort orders for the given items in one
	// transaction, bumping versions so clients converge on the new ranks.
	RebalanceRanks(ctx context.Context, listID string, ranks map[string]string) error

	// PurgeDeleted hard-deletes items soft-deleted before the given time and
	// returns how many rows went away.
	PurgeDeleted(ctx context.Context, before time.Time) (int64, error)
}
