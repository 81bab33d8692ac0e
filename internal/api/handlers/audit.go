package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
)

func parseEntityType(raw string) (core.EntityType, bool) {
	switch t := core.EntityType(raw); t {
	case core.EntityMonitor, core.EntityIncident:
		return t, true
	}
	return "", false
}

// optionalTime parses an RFC3339 query parameter. ok is false after a 400
// has been written.
func optionalTime(c *gin.Context, key string) (t *time.Time, ok bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, key+" must be an RFC3339 timestamp")
		return nil, false
	}
	return &parsed, true
}

func (h *Handler) ListAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	filter := db.AuditFilter{
		EntityID: c.Query("entity_id"),
		Limit:    limit,
		Offset:   offset,
		Newest:   c.Query("order") != "asc",
	}

	if raw := c.Query("entity_type"); raw != "" {
		t, ok := parseEntityType(raw)
		if !ok {
			badRequest(c, "entity_type must be monitor or incident")
			return
		}
		filter.EntityType = t
	}
	if raw := c.Query("action"); raw != "" {
		action := core.AuditAction(raw)
		if !core.ValidAuditAction(action) {
			badRequest(c, "action must be create, update, delete or transition")
			return
		}
		filter.Action = action
	}

	var ok bool
	if filter.Since, ok = optionalTime(c, "since"); !ok {
		return
	}
	if filter.Until, ok = optionalTime(c, "until"); !ok {
		return
	}

	entries, err := h.ledger.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *Handler) AuditStats(c *gin.Context) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	at, ok := optionalTime(c, "since")
	if !ok {
		return
	}
	if at != nil {
		since = *at
	}

	stats, err := h.ledger.Stats(c.Request.Context(), since)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"since": since,
		"stats": stats,
	})
}

func (h *Handler) AuditFeed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	var types []core.EntityType
	if raw := c.Query("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, ok := parseEntityType(strings.TrimSpace(part))
			if !ok {
				badRequest(c, "types must list monitor and/or incident")
				return
			}
			types = append(types, t)
		}
	}

	items, err := h.ledger.Feed(c.Request.Context(), limit, types...)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"feed": items})
}

func entityParams(c *gin.Context) (core.EntityType, string, bool) {
	t, ok := parseEntityType(c.Param("entity_type"))
	if !ok {
		badRequest(c, "entity_type must be monitor or incident")
		return "", "", false
	}
	return t, c.Param("entity_id"), true
}

func (h *Handler) EntityHistory(c *gin.Context) {
	entityType, entityID, ok := entityParams(c)
	if !ok {
		return
	}

	entries, err := h.ledger.History(c.Request.Context(), entityType, entityID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// EntityState reconstructs the entity at ?at=, defaulting to now. A null
// state means the entity did not exist at that instant.
func (h *Handler) EntityState(c *gin.Context) {
	entityType, entityID, ok := entityParams(c)
	if !ok {
		return
	}

	at := time.Now().UTC()
	parsed, ok := optionalTime(c, "at")
	if !ok {
		return
	}
	if parsed != nil {
		at = *parsed
	}

	state, err := h.ledger.StateAt(c.Request.Context(), entityType, entityID, at)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"at":    at,
		"state": state,
	})
}

func (h *Handler) EntityReplay(c *gin.Context) {
	entityType, entityID, ok := entityParams(c)
	if !ok {
		return
	}

	until, ok := optionalTime(c, "until")
	if !ok {
		return
	}

	steps, err := h.ledger.Replay(c.Request.Context(), entityType, entityID, until)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

func (h *Handler) EntityDiff(c *gin.Context) {
	entityType, entityID, ok := entityParams(c)
	if !ok {
		return
	}

	from, ok := optionalTime(c, "from")
	if !ok {
		return
	}
	to, ok := optionalTime(c, "to")
	if !ok {
		return
	}
	if from == nil || to == nil {
		badRequest(c, "from and to are required")
		return
	}

	changes, err := h.ledger.Diff(c.Request.Context(), entityType, entityID, *from, *to)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from":    from,
		"to":      to,
		"changes": changes,
	})
}
