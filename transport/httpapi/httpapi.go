// Package httpapi is the reference HTTP transport for the task-tree
// engine (spec.md §1's "this repository ships a reference transport").
// It is a thin echo.Echo wrapping facade.Facade: submitting a task
// array starts a tree running in the background and returns its root
// id immediately, status/cancel are plain JSON endpoints, and a
// websocket endpoint streams taskflow.StreamEvent as the tree runs.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/creator"
	"github.com/apflow/taskflow/facade"
)

// Server wires a facade.Facade to an HTTP surface.
type Server struct {
	facade *facade.Facade
	echo   *echo.Echo

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string][]chan taskflow.StreamEvent // keyed by root task id
}

// NewServer builds the HTTP surface. devMode enables echo's debug mode
// (verbose error payloads), mirroring the teacher's dev-profile flag.
func NewServer(f *facade.Facade, devMode bool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = devMode

	s := &Server{
		facade: f,
		echo:   e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same-origin checks are a transport concern this reference
			// surface does not implement; a production deployment would
			// supply its own CheckOrigin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string][]chan taskflow.StreamEvent),
	}
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	s.routes()
	return s
}

// Handler returns the http.Handler to mount, e.g. via http.Server.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) routes() {
	api := s.echo.Group("/api")
	api.POST("/tasks", s.handleSubmit)
	api.GET("/tasks/:id", s.handleGet)
	api.POST("/tasks/:id/cancel", s.handleCancel)
	api.GET("/tasks/:id/stream", s.handleStream)
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
}

// submitRequest is the POST /api/tasks body: a flat task-array spec plus
// execution options, matching spec.md §4.8's ExecuteTasks.
type submitRequest struct {
	Tasks       []taskSpecDTO `json:"tasks"`
	MaxParallel int           `json:"max_parallel"`
}

type taskSpecDTO struct {
	ID           string                `json:"id"`
	ParentID     *string               `json:"parent_id"`
	UserID       *string               `json:"user_id"`
	Name         string                `json:"name"`
	Priority     int                   `json:"priority"`
	Dependencies []taskflow.Dependency `json:"dependencies"`
	Inputs       map[string]any        `json:"inputs"`
	Params       map[string]any        `json:"params"`
	Method       string                `json:"method"`
	Extra        map[string]any        `json:"extra"`
}

func (d taskSpecDTO) toSpec() creator.TaskSpec {
	spec := creator.TaskSpec{
		ID:           d.ID,
		ParentID:     d.ParentID,
		UserID:       d.UserID,
		Name:         d.Name,
		Priority:     d.Priority,
		Dependencies: d.Dependencies,
		Inputs:       d.Inputs,
		Params:       d.Params,
		Extra:        d.Extra,
	}
	spec.Schemas.Method = d.Method
	return spec
}

// handleSubmit returns 202 with the root id right away and hands the task
// array to a background goroutine, which validates, persists and runs it
// to completion (a rejected array is only logged), streaming events to
// any subscriber that connects via handleStream before it finishes.
func (s *Server) handleSubmit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if len(req.Tasks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "tasks must not be empty")
	}

	specs := make([]creator.TaskSpec, 0, len(req.Tasks))
	var rootID string
	for _, d := range req.Tasks {
		specs = append(specs, d.toSpec())
		if d.ParentID == nil || *d.ParentID == "" {
			rootID = d.ID
		}
	}

	opts := facade.ExecuteOptions{MaxParallel: req.MaxParallel}
	if rootID != "" {
		opts.UseStreaming = true
		opts.StreamCallback = s.fanOut(rootID)
	}

	go func() {
		// Detached from the request context on purpose: the tree keeps
		// running after the HTTP response returns.
		if _, err := s.facade.ExecuteTasks(context.Background(), specs, opts); err != nil {
			slog.Error("httpapi: background execution failed", "error", err)
		}
		if rootID != "" {
			s.closeSubs(rootID)
		}
	}()

	return c.JSON(http.StatusAccepted, echo.Map{"root_task_id": rootID})
}

func (s *Server) handleGet(c echo.Context) error {
	id := c.Param("id")
	t, err := s.facade.GetTask(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load task").SetInternal(err)
	}
	if t == nil {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}

	resp := echo.Map{
		"id":       t.ID,
		"name":     t.Name,
		"status":   t.Status,
		"progress": t.Progress,
		"running":  s.facade.IsTaskRunning(id),
	}
	if t.Result != nil {
		resp["result"] = t.Result
	}
	if t.Error != nil {
		resp["error"] = *t.Error
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	var body struct {
		Error string `json:"error"`
	}
	_ = c.Bind(&body)

	result, err := s.facade.CancelTask(c.Request().Context(), id, body.Error)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel task").SetInternal(err)
	}
	return c.JSON(http.StatusOK, result)
}

// handleStream upgrades to a websocket and relays every StreamEvent for
// the tree rooted at :id, closing once the root's final event has been
// written or the client disconnects.
func (s *Server) handleStream(c echo.Context) error {
	rootID := c.Param("id")

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("httpapi: websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	ch := s.addSub(rootID)
	defer s.removeSub(rootID, ch)

	_ = conn.WriteJSON(echo.Map{"type": "connect", "task_id": rootID})

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return nil
		}
		// Every task emits its own final event; the run is over only when
		// the root's arrives.
		if ev.Final && ev.TaskID == rootID {
			return nil
		}
	}
	return nil
}

func (s *Server) fanOut(rootID string) taskflow.StreamCallback {
	return func(ev taskflow.StreamEvent) {
		s.mu.Lock()
		subs := append([]chan taskflow.StreamEvent(nil), s.subs[rootID]...)
		s.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- ev:
			case <-time.After(time.Second):
				// A stalled subscriber must not block the tree's own
				// execution loop.
			}
		}
	}
}

func (s *Server) addSub(rootID string) chan taskflow.StreamEvent {
	ch := make(chan taskflow.StreamEvent, 32)
	s.mu.Lock()
	s.subs[rootID] = append(s.subs[rootID], ch)
	s.mu.Unlock()
	return ch
}

func (s *Server) removeSub(rootID string, ch chan taskflow.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[rootID]
	for i, c := range subs {
		if c == ch {
			s.subs[rootID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (s *Server) closeSubs(rootID string) {
	s.mu.Lock()
	subs := s.subs[rootID]
	delete(s.subs, rootID)
	s.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}
