// Package server is the thin gin-gonic HTTP adapter over the orchestrator:
// an OpenAI-compatible streaming chat endpoint plus a session REST surface.
package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/283525452-ops/DeepTavern/config"
	"github.com/283525452-ops/DeepTavern/debug"
	"github.com/283525452-ops/DeepTavern/log"
	"github.com/283525452-ops/DeepTavern/orchestrator"
	"github.com/283525452-ops/DeepTavern/session"
)

// Server wires the orchestrator, session manager, and debug dashboard onto
// one gin.Engine.
type Server struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	session *session.Manager
	debug   *debug.Handler
	router  *gin.Engine
}

// New builds the HTTP server and registers every route.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, sessionMgr *session.Manager, debugHandler *debug.Handler) *Server {
	s := &Server{cfg: cfg, orch: orch, session: sessionMgr, debug: debugHandler, router: gin.New()}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Router exposes the underlying gin.Engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/v1/chat/completions", s.handleChatCompletions)

	sessions := s.router.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("", s.handleListSessions)
	sessions.POST("/:uuid/activate", s.handleActivateSession)
	sessions.DELETE("/:uuid", s.handleDeleteSession)

	if s.debug != nil {
		s.debug.RegisterRoutes(s.router)
	}
}

// Start runs the HTTP server, gated on cfg.HTTP.Enabled.
func (s *Server) Start() error {
	if !s.cfg.HTTP.Enabled {
		log.Log.Infof("[Server] HTTP server disabled")
		return nil
	}
	addr := s.cfg.GetAddress()
	log.Log.Infof("[Server] listening on %s", addr)
	return s.router.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// chatCompletionRequest is the OpenAI chat/completions request shape,
// reduced to what the orchestrator needs: the last user message is the
// turn's input, everything earlier is ignored since conversation state lives
// in the session's own durable history, not in the request body.
type chatCompletionRequest struct {
	Model     string `json:"model"`
	SessionID string `json:"session_id"`
	Stream    bool   `json:"stream"`
	DeepMode  bool   `json:"deep_mode"`
	LiteMode  bool   `json:"lite_mode"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must not be empty"})
		return
	}
	userInput := req.Messages[len(req.Messages)-1].Content

	sess, err := s.resolveSession(c, req.SessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.orch.RunTurn(c.Request.Context(), sess, userInput, req.DeepMode, req.LiteMode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if result.Blocked {
		c.JSON(http.StatusOK, gin.H{"blocked": true})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w http.ResponseWriter) bool {
		chunk, ok := <-result.Stream
		if !ok {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			return false
		}
		fmt.Fprintf(w, "data: %s\n\n", chatCompletionChunkJSON(req.Model, chunk.Content, chunk.Done))
		return true
	})
}

func (s *Server) resolveSession(c *gin.Context, uuid string) (*session.Session, error) {
	if uuid != "" {
		if active, ok := s.session.Active(); ok && active.Row.UUID == uuid {
			return active, nil
		}
		return s.session.Load(c.Request.Context(), uuid)
	}
	if active, ok := s.session.Active(); ok {
		return active, nil
	}
	return nil, fmt.Errorf("no active session; pass session_id or create one via POST /sessions")
}

type createSessionRequest struct {
	UUID          string `json:"uuid" binding:"required"`
	CharacterName string `json:"character_name"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.session.Create(c.Request.Context(), req.UUID, req.CharacterName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess.Row)
}

func (s *Server) handleListSessions(c *gin.Context) {
	rows, err := s.session.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleActivateSession(c *gin.Context) {
	sess, err := s.session.Load(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Row)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.session.Delete(c.Request.Context(), c.Param("uuid")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
