package audit

import (
	"context"
	"fmt"

	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
)

const defaultFeedLimit = 50

type FeedItem struct {
	*core.AuditEntry
	Summary string `json:"summary"`
}

// Feed returns the most recent entries with a one-line summary each.
func (l *Ledger) Feed(ctx context.Context, limit int, types ...core.EntityType) ([]FeedItem, error) {
	if limit <= 0 {
		limit = defaultFeedLimit
	}

	entries, err := l.store.ListAudit(ctx, db.AuditFilter{EntityTypes: types, Newest: true, Limit: limit})
	if err != nil {
		return nil, err
	}

	items := make([]FeedItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, FeedItem{AuditEntry: e, Summary: summarize(e)})
	}
	return items, nil
}

func summarize(e *core.AuditEntry) string {
	oldState, _ := decode(e.OldValue)
	newState, _ := decode(e.NewValue)

	label := displayName(newState)
	if label == "" {
		label = displayName(oldState)
	}
	if label == "" {
		label = e.EntityID
	}

	switch e.Action {
	case core.ActionCreate:
		return fmt.Sprintf("created %s %q", e.EntityType, label)
	case core.ActionDelete:
		return fmt.Sprintf("deleted %s %q", e.EntityType, label)
	case core.ActionTransition:
		from, to := oldState["status"], newState["status"]
		if from != nil && to != nil {
			return fmt.Sprintf("%s %q changed %v -> %v", e.EntityType, label, from, to)
		}
		return fmt.Sprintf("%s %q changed state", e.EntityType, label)
	default:
		return fmt.Sprintf("updated %s %q", e.EntityType, label)
	}
}

func displayName(s State) string {
	for _, key := range []string{"name", "title"} {
		if v, ok := s[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
