// Package server exposes the engine over HTTP: the task API, the merge
// endpoint with its contention-aware locking, and the websocket broadcast
// endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
	"github.com/michaellee1/ClaudeGod-sub002/internal/hub"
	"github.com/michaellee1/ClaudeGod-sub002/internal/logging"
	"github.com/michaellee1/ClaudeGod-sub002/internal/store"
	"github.com/michaellee1/ClaudeGod-sub002/internal/task"
)

// Server hosts the engine's HTTP and websocket surface.
type Server struct {
	store  *store.Store
	hub    *hub.Hub
	logger *logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
}

// New creates the server and registers its routes.
func New(st *store.Store, h *hub.Hub, logger *logging.Logger, addr string) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		store:  st,
		hub:    h,
		logger: logger.WithComponent("server"),
		engine: engine,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // websocket and long merges stream past any fixed bound
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.DELETE("/tasks/:id", s.handleRemoveTask)

		api.POST("/tasks/:id/prompt", s.handleSendPrompt)
		api.POST("/tasks/:id/commit", s.handleCommit)
		api.POST("/tasks/:id/merge", s.handleMerge)
		api.GET("/tasks/:id/diff", s.handleDiff)
		api.POST("/tasks/:id/preview/start", s.handleStartPreview)
		api.POST("/tasks/:id/preview/stop", s.handleStopPreview)

		api.GET("/mergelock", s.handleMergeLock)
		api.POST("/admin/detach", s.handleDetach)
		api.GET("/admin/sessions", s.handleSessions)
	}

	s.engine.GET("/ws", func(c *gin.Context) {
		s.hub.ServeHTTP(c.Writer, c.Request)
	})
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createTaskRequest struct {
	Prompt    string `json:"prompt"`
	RepoPath  string `json:"repoPath"`
	ThinkMode string `json:"thinkMode"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.NewValidationError("invalid request body").WithCause(err))
		return
	}
	if req.ThinkMode == "" {
		req.ThinkMode = string(task.ThinkNone)
	}

	t, err := s.store.CreateTask(c.Request.Context(), req.Prompt, req.RepoPath, task.ThinkMode(req.ThinkMode))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.store.GetTasks()})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.store.GetTask(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleRemoveTask(c *gin.Context) {
	if err := s.store.RemoveTask(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type promptRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.NewValidationError("invalid request body").WithCause(err))
		return
	}
	if err := s.store.SendPromptToTask(c.Param("id"), req.Text); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type commitRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleCommit(c *gin.Context) {
	var req commitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, errors.NewValidationError("invalid request body").WithCause(err))
			return
		}
	}

	hash, err := s.store.CommitTask(c.Param("id"), req.Message)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commitHash": hash})
}

// handleMerge acquires the merge lock on the caller's behalf and merges.
// By default contention is reported immediately with the owner and queue
// depth; ?wait=true joins the FIFO queue instead, bounded by the request
// context.
func (s *Server) handleMerge(c *gin.Context) {
	id := c.Param("id")
	lock := s.store.MergeLock()

	if c.Query("wait") != "true" {
		if owner := lock.Owner(); owner != "" && owner != id {
			s.writeError(c, errors.NewLockContentionError(owner, lock.QueueLength()))
			return
		}
	}

	if err := lock.Acquire(c.Request.Context(), id); err != nil {
		s.writeError(c, errors.Wrap(err, "merge lock wait aborted"))
		return
	}
	// MergeTask releases the lock in every path.

	if err := s.store.MergeTask(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": true})
}

func (s *Server) handleDiff(c *gin.Context) {
	diff, err := s.store.DiffTask(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

func (s *Server) handleStartPreview(c *gin.Context) {
	if err := s.store.StartPreview(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleStopPreview(c *gin.Context) {
	if err := s.store.StopPreview(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleMergeLock(c *gin.Context) {
	lock := s.store.MergeLock()
	c.JSON(http.StatusOK, gin.H{
		"owner":       lock.Owner(),
		"queueLength": lock.QueueLength(),
	})
}

func (s *Server) handleDetach(c *gin.Context) {
	n := s.store.ClearAllProcessManagers()
	c.JSON(http.StatusOK, gin.H{"detached": n})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.store.GetActiveTerminalSessions()})
}

// writeError maps the engine error taxonomy onto HTTP responses. Lock
// contention and merge conflicts get structured bodies so callers can
// distinguish them from generic failure.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		contention *errors.LockContentionError
		conflict   *errors.MergeConflictError
		validation *errors.ValidationError
		stateErr   *errors.InvalidStateError
		provErr    *errors.ProvisioningError
	)

	switch {
	case errors.As(err, &contention):
		c.JSON(http.StatusConflict, gin.H{
			"error":       "merge lock contention",
			"owner":       contention.Owner,
			"queueLength": contention.QueueDepth,
			"retryable":   true,
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":         "merge conflict",
			"branch":        conflict.Branch,
			"detail":        conflict.Detail,
			"conflictFiles": conflict.ConflictFiles,
		})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &provErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, errors.ErrNothingToCommit):
		c.JSON(http.StatusConflict, gin.H{"error": "nothing to commit"})
	default:
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("internal error: %v", err)})
	}
}
