package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/syncer"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"github.com/gin-gonic/gin"
)

type outboxEntryPayload struct {
	ID            int64              `json:"id"`
	EntityType    tracker.EntityType `json:"entity_type"`
	EntityID      string             `json:"entity_id"`
	Operation     tracker.Operation  `json:"operation"`
	Status        tracker.SyncStatus `json:"status"`
	LastAttemptAt *string            `json:"last_attempt_at,omitempty"`
}

type syncStatusPayload struct {
	LastSyncAt string `json:"last_sync_at,omitempty"`
	Pending    int    `json:"pending"`
	InFlight   int    `json:"in_flight"`
	Failed     int    `json:"failed"`
	Succeeded  int    `json:"succeeded"`
}

func (h *httpHandler) handleListOutbox(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	status := tracker.SyncStatus(c.Query("status"))
	entries, err := h.store.ListUserSyncs(c.Request.Context(), tracker.UserID(user.ID), status)
	if err != nil {
		h.writeError(c, "failed to list outbox", err)
		return
	}
	payload := make([]outboxEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, outboxEntryPayload{
			ID:            entry.ID,
			EntityType:    entry.EntityType,
			EntityID:      entry.EntityID,
			Operation:     entry.Operation,
			Status:        entry.Status,
			LastAttemptAt: entry.LastAttemptAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	lastSync, _, err := h.store.LastSync(c.Request.Context(), tracker.UserID(user.ID))
	if err != nil {
		h.writeError(c, "failed to read watermark", err)
		return
	}
	entries, err := h.store.ListUserSyncs(c.Request.Context(), tracker.UserID(user.ID), "")
	if err != nil {
		h.writeError(c, "failed to list outbox", err)
		return
	}
	status := syncStatusPayload{LastSyncAt: lastSync}
	for _, entry := range entries {
		switch entry.Status {
		case tracker.SyncStatusPending:
			status.Pending++
		case tracker.SyncStatusInFlight:
			status.InFlight++
		case tracker.SyncStatusFailed:
			status.Failed++
		case tracker.SyncStatusSucceeded:
			status.Succeeded++
		}
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleRunSync(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	report, err := h.engine.Sync(c.Request.Context(), tracker.UserID(user.ID))
	if err != nil {
		h.writeError(c, "sync pass failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleSyncPush(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request syncer.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	results, err := h.hub.ApplyPush(c.Request.Context(), user, request.Changes)
	if err != nil {
		h.writeError(c, "failed to apply push", err)
		return
	}
	c.JSON(http.StatusOK, syncer.PushResponse{Results: results})
}

func (h *httpHandler) handleSyncPull(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	response, err := h.hub.Changes(c.Request.Context(), user, c.Query("since"))
	if err != nil {
		h.writeError(c, "failed to collect changes", err)
		return
	}
	c.JSON(http.StatusOK, response)
}
