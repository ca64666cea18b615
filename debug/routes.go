package debug

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/components"

	"github.com/283525452-ops/DeepTavern/log"
	"github.com/283525452-ops/DeepTavern/visualize"
)

// RegisterRoutes mounts the dashboard under /debug.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/debug", h.handleDashboard)
	router.GET("/debug/sessions", h.handleSessions)
	router.GET("/debug/sessions/:uuid", h.handleSessionDetail)
	router.GET("/debug/sessions/:uuid/graph", h.handleSessionGraph)
	router.GET("/debug/logs", h.handleLogs)
	router.GET("/debug/logs/stream", h.handleLogStream)
}

func (h *Handler) handleDashboard(c *gin.Context) {
	stats, err := h.dashboardStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	html, err := renderDashboard(stats)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, html)
}

func (h *Handler) handleSessions(c *gin.Context) {
	rows, err := h.core.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]sessionRow, 0, len(rows))
	for _, r := range rows {
		views = append(views, sessionRow{UUID: r.UUID, CharacterName: r.CharacterName, CreatedAt: r.CreatedAt.Format("2006-01-02 15:04")})
	}
	html, err := renderSessions(views)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, html)
}

func (h *Handler) handleSessionDetail(c *gin.Context) {
	uuid := c.Param("uuid")
	detail, err := h.sessionDetail(c.Request.Context(), uuid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	html, err := renderSessionDetail(detail)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, html)
}

// handleSessionGraph renders the full force-graph for a session. Only the
// currently active session has a live *graph.Graph to read from — anything
// else would require opening its on-disk files read-only, which the
// single-active-session model doesn't support mid-request.
func (h *Handler) handleSessionGraph(c *gin.Context) {
	uuid := c.Param("uuid")
	active, ok := h.session.Active()
	if !ok || active.Row.UUID != uuid {
		c.JSON(http.StatusConflict, gin.H{"error": "graph only viewable for the active session"})
		return
	}
	vis := visualize.NewGraphVisualizer(active.Graph.AllEdges())
	chart := vis.GenerateGraph(fmt.Sprintf("Knowledge graph: %s", uuid))
	page := components.NewPage()
	page.AddCharts(chart)

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := page.Render(c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) handleLogs(c *gin.Context) {
	html, err := renderLogs(tailLog(200))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, html)
}

// handleLogStream serves the log bus as a server-sent-events stream, closing
// when the client disconnects.
func (h *Handler) handleLogStream(c *gin.Context) {
	ch, unsub := log.Log.Subscribe(64)
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w http.ResponseWriter) bool {
		select {
		case entry, ok := <-ch:
			if !ok {
				return false
			}
			fmt.Fprintf(w, "data: [%s] %s %s\n\n", entry.Time.Format("15:04:05"), entry.Level, entry.Message)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
