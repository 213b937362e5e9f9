package domain

import "time"

// Domain entity: бизнес-объект (истина).
// Не зависит от Gin, Postgres, Redis.
type Item struct {
	ID             string
	ListID         string
	Text           string
	CompletedAt    *time.Time
	DeletedAt      *time.Time
	SortOrder      string
	SyncVersion    int64
	LastModifiedBy string
	ChangeSeq      int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the item is still visible (not soft-deleted).
func (it Item) Active() bool { return it.DeletedAt == nil }

type List struct {
	ID             string
	Name           string
	CreatedAt      time.Time
	LastModifiedAt time.Time
}
