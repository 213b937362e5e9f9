package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"Listd/internal/dto"
	"Listd/internal/rank"
)

// State is the connection phase of the push channel. Editing works in every
// state; only delivery freshness changes.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxRetries     = 3
	backoffInitial        = time.Second
	backoffMax            = 30 * time.Second
	tempIDPrefix          = "tmp-"
)

type Config struct {
	BaseURL       string
	ListID        string
	ParticipantID string

	// HTTPClient is optional; the default gets RequestTimeout applied.
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	// MaxRetries bounds transport retries per Flush before the client goes
	// unsynced (it stays editable).
	MaxRetries int

	OnConflict func(dto.ConflictPayload)
	OnChange   func(dto.ItemPayload)
}

// Client keeps an optimistic local copy of one list and reconciles it with the
// server: edits land locally first, Flush pushes them, Run pulls pushes in.
type Client struct {
	cfg    Config
	http   *http.Client
	stream *http.Client

	mu      sync.Mutex
	items   map[string]dto.ItemPayload
	pending map[string][]pendingOp // FIFO per item; items are independent
	order   []string               // item ids in first-enqueue order
	seq     int64                  // last applied server cursor
	state   State
	synced  bool
}

type pendingOp struct {
	kind      string
	text      *string
	completed *bool
	sortOrder *string
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.ListID == "" || cfg.ParticipantID == "" {
		return nil, fmt.Errorf("client: BaseURL, ListID and ParticipantID are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	// The subscribe stream must outlive any per-request deadline:
	// http.Client.Timeout covers the whole response body, which would cut a
	// healthy push connection mid-stream. Half-open links are caught by the
	// server heartbeats instead.
	stream := &http.Client{}
	if cfg.HTTPClient != nil {
		stream.Transport = cfg.HTTPClient.Transport
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		stream:  stream,
		items:   make(map[string]dto.ItemPayload),
		pending: make(map[string][]pendingOp),
		state:   StateClosed,
	}, nil
}

// State reports the push-channel phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Synced is true when the push channel is open and nothing is waiting to be
// flushed or retried.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.synced && len(c.pending) == 0
}

// Items returns the local view in display order, completed or not, without
// tombstones.
func (c *Client) Items() []dto.ItemPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]dto.ItemPayload, 0, len(c.items))
	for _, it := range c.items {
		if it.DeletedAt == nil {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

// AddItem inserts optimistically at the tail under a temporary id and queues
// the create. The returned id is valid locally until the ack swaps it.
func (c *Client) AddItem(text string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := tempIDPrefix + uuid.NewString()
	r := c.tailRankLocked()
	now := time.Now().UTC()
	c.items[id] = dto.ItemPayload{
		ID:             id,
		Text:           text,
		SortOrder:      r,
		SyncVersion:    0,
		LastModifiedBy: c.cfg.ParticipantID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.enqueueLocked(id, pendingOp{kind: "create", text: &text, sortOrder: &r})
	return id
}

func (c *Client) EditItem(id, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[id]
	if !ok || it.DeletedAt != nil {
		return fmt.Errorf("client: no such item %q", id)
	}
	it.Text = text
	it.UpdatedAt = time.Now().UTC()
	c.items[id] = it
	c.enqueueLocked(id, pendingOp{kind: "update", text: &text})
	return nil
}

func (c *Client) CompleteItem(id string, done bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[id]
	if !ok || it.DeletedAt != nil {
		return fmt.Errorf("client: no such item %q", id)
	}
	if done {
		now := time.Now().UTC()
		it.CompletedAt = &now
	} else {
		it.CompletedAt = nil
	}
	c.items[id] = it
	c.enqueueLocked(id, pendingOp{kind: "update", completed: &done})
	return nil
}

func (c *Client) DeleteItem(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[id]
	if !ok || it.DeletedAt != nil {
		return fmt.Errorf("client: no such item %q", id)
	}
	now := time.Now().UTC()
	it.DeletedAt = &now
	c.items[id] = it
	c.enqueueLocked(id, pendingOp{kind: "delete"})
	return nil
}

// MoveItem places id directly after afterID (empty = head). The rank is
// computed between the two neighbors, so the queued payload is one item no
// matter how long the list is.
func (c *Client) MoveItem(id, afterID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[id]
	if !ok || it.DeletedAt != nil {
		return fmt.Errorf("client: no such item %q", id)
	}

	var low, high string
	active := c.activeSortedLocked()
	if afterID == "" {
		for _, n := range active {
			if n.ID != id {
				high = n.SortOrder
				break
			}
		}
	} else {
		after, ok := c.items[afterID]
		if !ok || after.DeletedAt != nil {
			return fmt.Errorf("client: no such item %q", afterID)
		}
		low = after.SortOrder
		for _, n := range active {
			if n.SortOrder > low && n.ID != id {
				high = n.SortOrder
				break
			}
		}
	}

	r, err := rank.Between(low, high)
	if err != nil {
		return fmt.Errorf("client: move %q: %w", id, err)
	}
	it.SortOrder = r
	it.UpdatedAt = time.Now().UTC()
	c.items[id] = it
	c.enqueueLocked(id, pendingOp{kind: "reorder", sortOrder: &r})
	return nil
}

// Flush posts the head pending change of every dirty item. Per-item order is
// preserved: the next queued op for an item goes out only after this one is
// acked, so call Flush again while Pending() > 0.
func (c *Client) Flush(ctx context.Context) error {
	req, ids := c.buildBatch()
	if len(req.Changes) == 0 {
		return nil
	}

	var resp dto.SyncResponse
	status, retryAfter, err := c.postSync(ctx, req, &resp)
	if err != nil {
		c.setSynced(false)
		return err
	}
	switch status {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		c.setSynced(false)
		return &RateLimitedError{RetryAfter: retryAfter}
	case http.StatusConflict:
		// Cursor too far behind: take a fresh snapshot, then the caller
		// retries the flush against the rebased state.
		if err := c.Resync(ctx); err != nil {
			return err
		}
		return ErrResynced
	default:
		c.setSynced(false)
		return fmt.Errorf("client: sync returned %d", status)
	}

	c.applySyncResponse(ids, resp)
	return nil
}

// Pending reports how many items still have queued changes.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ApplyRemote folds a pushed event into the local view. Stale and duplicate
// events are ignored, so applying the same event twice is harmless.
func (c *Client) ApplyRemote(ev dto.SyncEvent) {
	c.mu.Lock()
	applied := c.applyPayloadLocked(ev.Item)
	if ev.Seq > c.seq {
		c.seq = ev.Seq
	}
	cb := c.cfg.OnChange
	c.mu.Unlock()

	if applied && cb != nil {
		cb(ev.Item)
	}
}

// CatchUp pulls every change past the local cursor. Always done before
// trusting pushes on a fresh subscription.
func (c *Client) CatchUp(ctx context.Context) error {
	c.mu.Lock()
	since := c.seq
	c.mu.Unlock()

	u := fmt.Sprintf("%s/api/v1/lists/%s/changes?since=%d", c.cfg.BaseURL, c.cfg.ListID, since)
	var delta dto.ChangesResponse
	if err := c.getJSON(ctx, u, &delta); err != nil {
		return fmt.Errorf("client: catch-up: %w", err)
	}

	c.mu.Lock()
	for _, p := range delta.Changes {
		c.applyPayloadLocked(p)
	}
	if delta.SyncSeq > c.seq {
		c.seq = delta.SyncSeq
	}
	c.mu.Unlock()
	return nil
}

// Resync replaces the local view with a full snapshot. Pending local edits
// survive and are re-based onto the snapshot versions.
func (c *Client) Resync(ctx context.Context) error {
	u := fmt.Sprintf("%s/api/v1/lists/%s?participantId=%s", c.cfg.BaseURL, c.cfg.ListID, c.cfg.ParticipantID)
	var snap dto.Snapshot
	if err := c.getJSON(ctx, u, &snap); err != nil {
		return fmt.Errorf("client: resync: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fresh := make(map[string]dto.ItemPayload, len(snap.Items))
	for _, p := range snap.Items {
		fresh[p.ID] = p
	}
	// Unacked creates are only known locally; carry them over.
	for id, it := range c.items {
		if isTempID(id) {
			fresh[id] = it
		}
	}
	c.items = fresh
	c.seq = snap.SyncSeq
	return nil
}

func (c *Client) buildBatch() (dto.SyncRequest, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := dto.SyncRequest{
		ParticipantID: c.cfg.ParticipantID,
		LastSyncSeq:   c.seq,
		Changes:       []dto.ChangeRequest{},
	}
	var ids []string
	for _, id := range c.order {
		q := c.pending[id]
		if len(q) == 0 {
			continue
		}
		op := q[0]
		var version int64
		if it, ok := c.items[id]; ok {
			version = it.SyncVersion
		}
		req.Changes = append(req.Changes, dto.ChangeRequest{
			Kind:          op.kind,
			ItemID:        id,
			ClientVersion: version,
			Text:          op.text,
			Completed:     op.completed,
			SortOrder:     op.sortOrder,
		})
		ids = append(ids, id)
	}
	return req, ids
}

func (c *Client) applySyncResponse(ids []string, resp dto.SyncResponse) {
	c.mu.Lock()

	var conflicts []dto.ConflictPayload
	byID := make(map[string]dto.ConflictPayload, len(resp.Conflicts))
	for _, cf := range resp.Conflicts {
		byID[cf.ItemID] = cf
	}

	for i, res := range resp.Results {
		if i >= len(ids) {
			break
		}
		id := ids[i]
		switch res.Status {
		case "accepted", "stale":
			c.popLocked(id)
			if res.ServerID != "" && res.ServerID != id {
				c.swapIDLocked(id, res.ServerID)
				id = res.ServerID
			}
			if res.Item != nil {
				c.items[id] = *res.Item
			}
		case "conflict":
			// Roll back to the authoritative state and drop everything
			// queued for the item; the owner decides what to redo.
			c.dropPendingLocked(id)
			cf, ok := byID[res.ItemID]
			if !ok && res.Item != nil {
				c.items[id] = *res.Item
			}
			if ok {
				if cf.Item != nil {
					c.items[id] = *cf.Item
				} else {
					delete(c.items, id)
				}
				conflicts = append(conflicts, cf)
			}
		}
	}

	for _, p := range resp.ServerChanges {
		c.applyPayloadLocked(p)
	}
	if resp.SyncSeq > c.seq {
		c.seq = resp.SyncSeq
	}
	c.synced = true
	cb := c.cfg.OnConflict
	c.mu.Unlock()

	if cb != nil {
		for _, cf := range conflicts {
			cb(cf)
		}
	}
}

// applyPayloadLocked is the version gate: a payload lands only if it is newer
// than what we hold. Returns whether anything changed.
func (c *Client) applyPayloadLocked(p dto.ItemPayload) bool {
	if held, ok := c.items[p.ID]; ok && p.SyncVersion <= held.SyncVersion {
		return false
	}
	if p.DeletedAt != nil {
		delete(c.items, p.ID)
		c.dropPendingLocked(p.ID)
		return true
	}
	c.items[p.ID] = p
	return true
}

func (c *Client) enqueueLocked(id string, op pendingOp) {
	if _, ok := c.pending[id]; !ok {
		c.order = append(c.order, id)
	}
	c.pending[id] = append(c.pending[id], op)
	c.synced = false
}

func (c *Client) popLocked(id string) {
	q := c.pending[id]
	if len(q) <= 1 {
		c.dropPendingLocked(id)
		return
	}
	c.pending[id] = q[1:]
}

// dropPendingLocked removes the item's queue and its slot in the flush order.
func (c *Client) dropPendingLocked(id string) {
	delete(c.pending, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Client) swapIDLocked(tempID, serverID string) {
	if it, ok := c.items[tempID]; ok {
		delete(c.items, tempID)
		it.ID = serverID
		c.items[serverID] = it
	}
	if q, ok := c.pending[tempID]; ok {
		delete(c.pending, tempID)
		c.pending[serverID] = q
	}
	for i, id := range c.order {
		if id == tempID {
			c.order[i] = serverID
		}
	}
}

func (c *Client) activeSortedLocked() []dto.ItemPayload {
	out := make([]dto.ItemPayload, 0, len(c.items))
	for _, it := range c.items {
		if it.DeletedAt == nil {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

func (c *Client) tailRankLocked() string {
	active := c.activeSortedLocked()
	if len(active) == 0 {
		return rank.Initial()
	}
	r, err := rank.Between(active[len(active)-1].SortOrder, "")
	if err != nil {
		return rank.Initial()
	}
	return r
}

func (c *Client) setSynced(v bool) {
	c.mu.Lock()
	c.synced = v
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) postSync(ctx context.Context, req dto.SyncRequest, out *dto.SyncResponse) (status int, retryAfter time.Duration, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, 0, fmt.Errorf("client: marshal sync: %w", err)
	}
	u := fmt.Sprintf("%s/api/v1/lists/%s/sync", c.cfg.BaseURL, c.cfg.ListID)

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		hreq, rerr := http.NewRequestWithContext(rctx, http.MethodPost, u, bytes.NewReader(body))
		if rerr != nil {
			cancel()
			return 0, 0, rerr
		}
		hreq.Header.Set("Content-Type", "application/json")
		hreq.Header.Set("X-Participant-Id", c.cfg.ParticipantID)

		res, rerr := c.http.Do(hreq)
		if rerr != nil {
			cancel()
			err = rerr
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
			continue
		}

		switch res.StatusCode {
		case http.StatusOK:
			derr := json.NewDecoder(res.Body).Decode(out)
			res.Body.Close()
			cancel()
			if derr != nil {
				return 0, 0, fmt.Errorf("client: decode sync response: %w", derr)
			}
			return http.StatusOK, 0, nil
		case http.StatusTooManyRequests:
			if secs, perr := strconv.Atoi(res.Header.Get("Retry-After")); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
			res.Body.Close()
			cancel()
			return res.StatusCode, retryAfter, nil
		default:
			res.Body.Close()
			cancel()
			return res.StatusCode, 0, nil
		}
	}
	return 0, 0, fmt.Errorf("client: sync failed after %d attempts: %w", c.cfg.MaxRetries, err)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Participant-Id", c.cfg.ParticipantID)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func isTempID(id string) bool {
	return len(id) > len(tempIDPrefix) && id[:len(tempIDPrefix)] == tempIDPrefix
}
