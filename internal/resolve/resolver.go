// Package resolve decides which of two versions of an item wins. It is pure:
// the store layer enforces the same version predicate with compare-and-set, so
// an outcome accepted here can only lose to a concurrent writer, never be
// re-judged differently by the database.
package resolve

import (
	"time"

	"Listd/internal/domain"
)

type Status int

const (
	// Accepted: the change targets exactly stored version + 1.
	Accepted Status = iota
	// Stale: an old duplicate carrying nothing new; drop silently.
	Stale
	// Conflict: the client is behind; it must reconcile from the
	// authoritative state instead of retrying the same payload.
	Conflict
)

const (
	ResolutionVersionConflict = "version_conflict"
	ResolutionDeleteWins      = "delete_wins"
	ResolutionMissingItem     = "missing_item"
	ResolutionDuplicateCreate = "duplicate_create"
)

// Outcome is the resolver's verdict. Item is the new state to persist when
// accepted, or the authoritative stored state on conflict (nil when the item
// never existed).
type Outcome struct {
	Status   Status
	Item     *domain.Item
	Conflict *domain.Conflict
}

// Resolve judges an incoming change against the stored item state. stored is
// nil when no item with that id exists. receivedAt is the server receive time
// and becomes the accepted item's UpdatedAt.
func Resolve(stored *domain.Item, ch domain.Change, receivedAt time.Time) Outcome {
	if stored == nil {
		if ch.Kind == domain.ChangeCreate {
			it := domain.Item{
				ID:             ch.ItemID,
				Text:           *ch.Text,
				SyncVersion:    1,
				LastModifiedBy: ch.ParticipantID,
				CreatedAt:      receivedAt,
				UpdatedAt:      receivedAt,
			}
			if ch.SortOrder != nil {
				it.SortOrder = *ch.SortOrder
			}
			if ch.Completed != nil && *ch.Completed {
				it.CompletedAt = &receivedAt
			}
			return Outcome{Status: Accepted, Item: &it}
		}
		return Outcome{
			Status: Conflict,
			Conflict: &domain.Conflict{
				ItemID:       ch.ItemID,
				LocalVersion: ch.ClientVersion,
				DetectedAt:   receivedAt,
				Resolution:   ResolutionMissingItem,
			},
		}
	}

	if ch.Kind == domain.ChangeCreate {
		// Creates are idempotent only from the same participant replaying
		// its own unacknowledged insert.
		if stored.LastModifiedBy == ch.ParticipantID && stored.SyncVersion == 1 {
			return Outcome{Status: Stale, Item: stored}
		}
		return conflict(stored, ch, receivedAt, ResolutionDuplicateCreate)
	}

	// Delete-wins: nothing edits a deleted item back to life.
	if !stored.Active() {
		if ch.Kind == domain.ChangeDelete {
			return Outcome{Status: Stale, Item: stored}
		}
		return conflict(stored, ch, receivedAt, ResolutionDeleteWins)
	}

	switch {
	case ch.ClientVersion == stored.SyncVersion:
		next := apply(*stored, ch, receivedAt)
		return Outcome{Status: Accepted, Item: &next}
	case ch.ClientVersion < stored.SyncVersion && !modifies(*stored, ch):
		// Behind, but the stored state already reflects this change.
		return Outcome{Status: Stale, Item: stored}
	default:
		return conflict(stored, ch, receivedAt, ResolutionVersionConflict)
	}
}

func apply(it domain.Item, ch domain.Change, receivedAt time.Time) domain.Item {
	switch ch.Kind {
	case domain.ChangeUpdate:
		if ch.Text != nil {
			it.Text = *ch.Text
		}
		if ch.Completed != nil {
			if *ch.Completed {
				at := receivedAt
				it.CompletedAt = &at
			} else {
				it.CompletedAt = nil
			}
		}
	case domain.ChangeDelete:
		at := receivedAt
		it.DeletedAt = &at
	case domain.ChangeReorder:
		it.SortOrder = *ch.SortOrder
	}
	it.SyncVersion++
	it.LastModifiedBy = ch.ParticipantID
	it.UpdatedAt = receivedAt
	return it
}

// modifies reports whether ch would change anything about the stored state.
func modifies(it domain.Item, ch domain.Change) bool {
	switch ch.Kind {
	case domain.ChangeDelete:
		return it.Active()
	case domain.ChangeReorder:
		return ch.SortOrder != nil && it.SortOrder != *ch.SortOrder
	case domain.ChangeUpdate:
		if ch.Text != nil && it.Text != *ch.Text {
			return true
		}
		if ch.Completed != nil && *ch.Completed != (it.CompletedAt != nil) {
			return true
		}
		return false
	}
	return true
}

func conflict(stored *domain.Item, ch domain.Change, receivedAt time.Time, resolution string) Outcome {
	return Outcome{
		Status: Conflict,
		Item:   stored,
		Conflict: &domain.Conflict{
			ItemID:        ch.ItemID,
			LocalVersion:  ch.ClientVersion,
			RemoteVersion: stored.SyncVersion,
			DetectedAt:    receivedAt,
			Resolution:    resolution,
		},
	}
}
