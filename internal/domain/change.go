package domain

import (
	"fmt"
	"time"
)

// ChangeKind is the closed set of sync change variants. Unknown kinds are
// rejected at the edge, never silently ignored.
type ChangeKind string

const (
	ChangeCreate  ChangeKind = "create"
	ChangeUpdate  ChangeKind = "update"
	ChangeDelete  ChangeKind = "delete"
	ChangeReorder ChangeKind = "reorder"
)

// Change is a single-item mutation submitted by a client. ClientVersion is the
// item version the client last saw (0 for create); the write targets
// ClientVersion+1.
type Change struct {
	Kind          ChangeKind
	ItemID        string
	ParticipantID string
	ClientVersion int64

	Text      *string
	Completed *bool
	SortOrder *string
}

// Validate checks the variant-specific field requirements.
func (c Change) Validate() error {
	switch c.Kind {
	case ChangeCreate:
		if c.Text == nil {
			return fmt.Errorf("create: text is required")
		}
	case ChangeUpdate:
		if c.Text == nil && c.Completed == nil {
			return fmt.Errorf("update: nothing to change")
		}
	case ChangeDelete:
		// no payload
	case ChangeReorder:
		if c.SortOrder == nil || *c.SortOrder == "" {
			return fmt.Errorf("reorder: sortOrder is required")
		}
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
	if c.ItemID == "" {
		return fmt.Errorf("itemId is required")
	}
	return nil
}

// Conflict records a rejected concurrent write. It is returned to the losing
// client, never stored.
type Conflict struct {
	ItemID        string
	LocalVersion  int64
	RemoteVersion int64
	DetectedAt    time.Time
	Resolution    string
}

// Participant is an ephemeral presence record, not an account.
type Participant struct {
	ID         string
	Color      string
	LastSeenAt time.Time
	IsActive   bool
}
