// Package web serves the bridge dashboard API: bridge liveness, live joint
// values, recent status events, and a motion endpoint for manual testing.
package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	mlog "github.com/teslashibe/go-mechaverse/internal/log"
	"github.com/teslashibe/go-mechaverse/pkg/bridge"
	"github.com/teslashibe/go-mechaverse/pkg/hub"
	"github.com/teslashibe/go-mechaverse/pkg/motion"
)

// maxEvents bounds the status event buffer
const maxEvents = 200

// StatusSource is a running bridge.
type StatusSource interface {
	Status() bridge.Status
	Stats() bridge.Stats
}

// JointSource exposes the live pose.
type JointSource interface {
	Joints() []string
	Values() map[string]float64
}

// Options configures the dashboard server. Only Joints is required.
type Options struct {
	Joints   JointSource
	Bridge   StatusSource
	Animator *motion.Animator
	Motion   motion.Options
	Status   *hub.Hub
	Logger   *slog.Logger
}

// StatusEvent is one recorded bridge status change
type StatusEvent struct {
	Time   time.Time     `json:"time"`
	Status bridge.Status `json:"status"`
}

// Server is the dashboard server
type Server struct {
	app  *fiber.App
	opts Options
	log  *slog.Logger

	// Event buffer (last maxEvents entries)
	events   []StatusEvent
	eventsMu sync.RWMutex
}

// NewServer builds the dashboard app.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:   opts,
		log:    mlog.Or(opts.Logger, "web"),
		events: make([]StatusEvent, 0, maxEvents),
	}

	app := fiber.New(fiber.Config{
		AppName:               "mechaverse bridge",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/joints", s.handleJoints)
	api.Get("/events", s.handleEvents)
	api.Post("/motions", s.handleMotions)

	if opts.Status != nil {
		app.Use("/ws", hub.RequireUpgrade)
		app.Get("/ws/status", opts.Status.Handler())
	}

	s.app = app
	return s
}

// App returns the fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// RecordStatus stores a bridge status event and broadcasts it to observers.
// It is shaped to be used directly as bridge.Options.OnStatus.
func (s *Server) RecordStatus(st bridge.Status) {
	s.eventsMu.Lock()
	s.events = append(s.events, StatusEvent{Time: time.Now(), Status: st})
	if len(s.events) > maxEvents {
		s.events = s.events[1:]
	}
	s.eventsMu.Unlock()

	if s.opts.Status != nil {
		if err := s.opts.Status.Publish(hub.EventStatus, "bridge", st); err != nil {
			s.log.Debug("publish status failed", "error", err)
		}
		if s.opts.Bridge != nil {
			_ = s.opts.Status.Publish(hub.EventStats, "bridge", s.opts.Bridge.Stats())
		}
	}
}

// Events returns a copy of the recorded status events, oldest first.
func (s *Server) Events() []StatusEvent {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	out := make([]StatusEvent, len(s.events))
	copy(out, s.events)
	return out
}

// PublishJoints broadcasts the live pose to observers.
func (s *Server) PublishJoints() {
	if s.opts.Status == nil {
		return
	}
	if err := s.opts.Status.Publish(hub.EventState, "viewer", s.opts.Joints.Values()); err != nil {
		s.log.Debug("publish joints failed", "error", err)
	}
}

// ListenAndServe serves until ctx is done. The status hub, if any, runs for
// the same lifetime.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if s.opts.Status != nil && !s.opts.Status.IsRunning() {
		go s.opts.Status.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(addr)
	}()
	s.log.Info("dashboard listening", "addr", addr)

	select {
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	case err := <-errCh:
		return err
	}
}
