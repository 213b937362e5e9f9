package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"Listd/internal/broadcast"
	"Listd/internal/dto"
	"Listd/internal/service"
)

// SyncHandler exposes the synchronization endpoint and the push channel.
type SyncHandler struct {
	svc       *service.SyncService
	hub       *broadcast.Hub
	heartbeat time.Duration
}

func NewSyncHandler(svc *service.SyncService, hub *broadcast.Hub, heartbeat time.Duration) *SyncHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &SyncHandler{svc: svc, hub: hub, heartbeat: heartbeat}
}

// CreateList handles POST /lists.
func (h *SyncHandler) CreateList(c *gin.Context) {
	var req dto.CreateListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, err := h.svc.CreateList(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, dto.ListToPayload(l))
}

// GetList handles GET /lists/:id — the full snapshot a client trusts after
// connect or major version mismatch.
func (h *SyncHandler) GetList(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.svc.TouchPresence(c.Request.Context(), c.Param("id"), c.Query("participantId"))
	c.JSON(http.StatusOK, snap)
}

// Changes handles GET /lists/:id/changes?since=N — delta catch-up.
func (h *SyncHandler) Changes(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since cursor"})
		return
	}
	delta, err := h.svc.ChangesSince(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, delta)
}

// Sync handles POST /lists/:id/sync.
func (h *SyncHandler) Sync(c *gin.Context) {
	var req dto.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := h.svc.Sync(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		case errors.Is(err, service.ErrResyncRequired):
			c.JSON(http.StatusConflict, gin.H{"error": "full resync required"})
		case errors.Is(err, service.ErrInvalidChange):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Participants handles GET /lists/:id/participants.
func (h *SyncHandler) Participants(c *gin.Context) {
	parts, err := h.svc.Participants(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]dto.ParticipantPayload, 0, len(parts))
	for _, p := range parts {
		out = append(out, dto.ParticipantToPayload(p))
	}
	c.JSON(http.StatusOK, gin.H{"participants": out})
}

// Subscribe handles GET /lists/:id/subscribe — the long-lived push channel.
// Emits a "connected" event carrying the current cursor, then "sync" events
// per change and periodic heartbeats. Teardown happens when the client drops
// the transport; missed events are recovered by delta catch-up, never replayed
// here.
func (h *SyncHandler) Subscribe(c *gin.Context) {
	listID := c.Param("id")
	participantID := c.Query("participantId")

	seq, err := h.svc.Seq(c.Request.Context(), listID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sub := h.hub.Subscribe(listID, participantID)
	defer h.hub.Unsubscribe(listID, sub)
	h.svc.TouchPresence(c.Request.Context(), listID, participantID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"syncSeq": seq, "participantId": participantID})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent("sync", ev)
			h.svc.TouchPresence(c.Request.Context(), listID, participantID)
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", time.Now().UTC().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
