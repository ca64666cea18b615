// Package debug is the embedded HTML dashboard: recent sessions, the
// structured-log tail, and per-session knowledge-graph stats.
package debug

import (
	"context"
	"fmt"

	"github.com/283525452-ops/DeepTavern/log"
	"github.com/283525452-ops/DeepTavern/session"
	"github.com/283525452-ops/DeepTavern/store"
)

// Handler serves the debug dashboard's pages.
type Handler struct {
	core    *store.CoreStore
	rules   *store.RulesStore
	session *session.Manager
}

// NewHandler builds a debug dashboard handler bound to the live stores.
func NewHandler(core *store.CoreStore, rules *store.RulesStore, sessionMgr *session.Manager) *Handler {
	return &Handler{core: core, rules: rules, session: sessionMgr}
}

// dashboardStats summarizes process-wide counts for the landing page.
type dashboardStats struct {
	TotalSessions int
	RuleCount     int
	ActiveUUID    string
}

func (h *Handler) dashboardStats(ctx context.Context) (dashboardStats, error) {
	sessions, err := h.core.ListSessions(ctx)
	if err != nil {
		return dashboardStats{}, fmt.Errorf("debug: list sessions: %w", err)
	}
	stats := dashboardStats{TotalSessions: len(sessions)}
	if h.rules != nil {
		keywords, err := h.rules.AllKeywords(ctx)
		if err == nil {
			stats.RuleCount = len(keywords)
		}
	}
	if sess, ok := h.session.Active(); ok {
		stats.ActiveUUID = sess.Row.UUID
	}
	return stats, nil
}

// sessionDetail bundles a session's history and graph stats for its detail page.
type sessionDetail struct {
	Row      store.Session
	Messages []store.Message
	Spine    []store.MemoryNode
	Graph    graphSummary
}

type graphSummary struct {
	NodeCount int
	EdgeCount int
	TopEdges  []edgeView
}

type edgeView struct {
	Source, Relation, Target string
	Weight                   float64
}

func (h *Handler) sessionDetail(ctx context.Context, uuid string) (sessionDetail, error) {
	row, err := h.core.LoadSession(ctx, uuid)
	if err != nil {
		return sessionDetail{}, fmt.Errorf("debug: load session: %w", err)
	}
	messages, err := h.core.FullHistory(ctx, uuid)
	if err != nil {
		return sessionDetail{}, fmt.Errorf("debug: load history: %w", err)
	}
	spine, err := h.core.MemorySpine(ctx, uuid)
	if err != nil {
		return sessionDetail{}, fmt.Errorf("debug: load memory spine: %w", err)
	}

	detail := sessionDetail{Row: *row, Messages: messages, Spine: spine}

	if active, ok := h.session.Active(); ok && active.Row.UUID == uuid {
		stats := active.Graph.GetDetailedStats(15)
		detail.Graph = graphSummary{NodeCount: stats.NodeCount, EdgeCount: stats.EdgeCount}
		for _, e := range stats.TopEdges {
			detail.Graph.TopEdges = append(detail.Graph.TopEdges, edgeView{
				Source: e.Source, Relation: e.Primary, Target: e.Target, Weight: e.Weight,
			})
		}
	}
	return detail, nil
}

// tailLog drains, without blocking, up to n entries that reach a fresh log
// subscription before the drain finishes — used to seed the logs page before
// the client's live SSE connection takes over. The log bus keeps no history,
// so lines logged before the call are not returned and the result is
// normally empty.
func tailLog(n int) []log.Entry {
	ch, unsub := log.Log.Subscribe(n)
	defer unsub()
	var entries []log.Entry
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return entries
			}
			entries = append(entries, e)
		default:
			return entries
		}
	}
}
