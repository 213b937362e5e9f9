package dto

import (
	"time"

	"Listd/internal/domain"
)

// ChangeRequest is one tagged change variant on the wire. The kind set is
// closed; anything else fails binding. A reorder carries a single item's
// sortOrder, never the whole ordered array.
type ChangeRequest struct {
	Kind          string  `json:"kind" binding:"required,oneof=create update delete reorder"`
	ItemID        string  `json:"itemId" binding:"required,max=64"`
	ClientVersion int64   `json:"clientVersion" binding:"min=0"`
	Text          *string `json:"text,omitempty" binding:"omitempty,max=1000"`
	Completed     *bool   `json:"completed,omitempty"`
	SortOrder     *string `json:"sortOrder,omitempty" binding:"omitempty,max=128"`
}

// ToDomain converts the wire change into the domain change, stamping the
// submitting participant.
func (r ChangeRequest) ToDomain(participantID string) domain.Change {
	return domain.Change{
		Kind:          domain.ChangeKind(r.Kind),
		ItemID:        r.ItemID,
		ParticipantID: participantID,
		ClientVersion: r.ClientVersion,
		Text:          r.Text,
		Completed:     r.Completed,
		SortOrder:     r.SortOrder,
	}
}

type SyncRequest struct {
	ParticipantID string          `json:"participantId" binding:"required,max=64"`
	LastSyncSeq   int64           `json:"lastSyncSeq" binding:"min=0"`
	Changes       []ChangeRequest `json:"changes" binding:"required,dive"`
}

// ChangeResult reports the outcome of one submitted change. For accepted
// creates ServerID carries the server-assigned id the client must swap its
// temporary id for.
type ChangeResult struct {
	ItemID   string       `json:"itemId"`
	Status   string       `json:"status"` // accepted | stale | conflict
	ServerID string       `json:"serverId,omitempty"`
	Item     *ItemPayload `json:"item,omitempty"`
}

type SyncResponse struct {
	SyncSeq       int64             `json:"syncSeq"`
	Results       []ChangeResult    `json:"results"`
	ServerChanges []ItemPayload     `json:"serverChanges"`
	Conflicts     []ConflictPayload `json:"conflicts"`
}

type ItemPayload struct {
	ID             string     `json:"id"`
	Text           string     `json:"text"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	SortOrder      string     `json:"sortOrder"`
	SyncVersion    int64      `json:"syncVersion"`
	LastModifiedBy string     `json:"lastModifiedBy"`
	Seq            int64      `json:"seq"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type ConflictPayload struct {
	ItemID        string       `json:"itemId"`
	LocalVersion  int64        `json:"localVersion"`
	RemoteVersion int64        `json:"remoteVersion"`
	DetectedAt    time.Time    `json:"detectedAt"`
	Resolution    string       `json:"resolution"`
	Item          *ItemPayload `json:"item,omitempty"`
}

// SyncEvent is the push payload broadcast to subscribers: the item id plus its
// new fields, never the whole list. Origin lets the broadcaster skip the
// participant that caused the change.
type SyncEvent struct {
	Kind   string      `json:"kind"`
	Seq    int64       `json:"seq"`
	Item   ItemPayload `json:"item"`
	Origin string      `json:"origin,omitempty"`
}

type CreateListRequest struct {
	Name string `json:"name" binding:"required,min=1,max=120"`
}

type ListPayload struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

type ParticipantPayload struct {
	ID         string    `json:"id"`
	Color      string    `json:"color"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	IsActive   bool      `json:"isActive"`
}

// Snapshot is the full-state response trusted after a (re)connect; SyncSeq is
// the cursor for subsequent delta catch-up.
type Snapshot struct {
	List         ListPayload          `json:"list"`
	Items        []ItemPayload        `json:"items"`
	Participants []ParticipantPayload `json:"participants,omitempty"`
	SyncSeq      int64                `json:"syncSeq"`
}

type ChangesResponse struct {
	Changes []ItemPayload `json:"changes"`
	SyncSeq int64         `json:"syncSeq"`
}

func ItemToPayload(it domain.Item) ItemPayload {
	return ItemPayload{
		ID:             it.ID,
		Text:           it.Text,
		CompletedAt:    it.CompletedAt,
		DeletedAt:      it.DeletedAt,
		SortOrder:      it.SortOrder,
		SyncVersion:    it.SyncVersion,
		LastModifiedBy: it.LastModifiedBy,
		Seq:            it.ChangeSeq,
		CreatedAt:      it.CreatedAt,
		UpdatedAt:      it.UpdatedAt,
	}
}

func ItemsToPayloads(items []domain.Item) []ItemPayload {
	out := make([]ItemPayload, len(items))
	for i := range items {
		out[i] = ItemToPayload(items[i])
	}
	return out
}

func ListToPayload(l domain.List) ListPayload {
	return ListPayload{
		ID:             l.ID,
		Name:           l.Name,
		CreatedAt:      l.CreatedAt,
		LastModifiedAt: l.LastModifiedAt,
	}
}

func ConflictToPayload(c domain.Conflict, authoritative *domain.Item) ConflictPayload {
	p := ConflictPayload{
		ItemID:        c.ItemID,
		LocalVersion:  c.LocalVersion,
		RemoteVersion: c.RemoteVersion,
		DetectedAt:    c.DetectedAt,
		Resolution:    c.Resolution,
	}
	if authoritative != nil {
		ip := ItemToPayload(*authoritative)
		p.Item = &ip
	}
	return p
}

func ParticipantToPayload(p domain.Participant) ParticipantPayload {
	return ParticipantPayload{
		ID:         p.ID,
		Color:      p.Color,
		LastSeenAt: p.LastSeenAt,
		IsActive:   p.IsActive,
	}
}
