// Package sim is an in-process actuator that speaks the network bridge
// protocol, for development without hardware.
package sim

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	mlog "github.com/teslashibe/go-mechaverse/internal/log"
	"github.com/teslashibe/go-mechaverse/pkg/hub"
	"github.com/teslashibe/go-mechaverse/pkg/protocol"
)

// ErrBadUnits is returned for units other than rad or deg
var ErrBadUnits = errors.New("sim: units must be rad or deg")

// Options configures a simulator.
type Options struct {
	// Units used for outgoing state_joint. Defaults to rad.
	Units string

	// Initial joint values in radians, keyed by hardware id.
	Initial map[string]float64

	// Status receives state events for observers. Optional.
	Status *hub.Hub

	Logger *slog.Logger
}

// Connection is one connected bridge.
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time

	mu sync.Mutex
}

// Send writes one text frame.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Server holds the simulated actuator state and its connections.
type Server struct {
	units  string
	status *hub.Hub
	log    *slog.Logger

	mu      sync.RWMutex
	joints  map[string]float64 // radians
	torque  bool
	lastSeq uint32
	conns   map[string]*Connection

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	commands         atomic.Uint64
}

// New creates a simulator.
func New(opts Options) (*Server, error) {
	units := opts.Units
	if units == "" {
		units = protocol.UnitsRad
	}
	if units != protocol.UnitsRad && units != protocol.UnitsDeg {
		return nil, ErrBadUnits
	}
	joints := make(map[string]float64, len(opts.Initial))
	for id, v := range opts.Initial {
		joints[id] = v
	}
	return &Server{
		units:  units,
		status: opts.Status,
		log:    mlog.Or(opts.Logger, "sim"),
		joints: joints,
		conns:  make(map[string]*Connection),
	}, nil
}

// Handle processes one inbound frame and returns the replies in order.
// Malformed frames produce no reply.
func (s *Server) Handle(data []byte) [][]byte {
	s.messagesReceived.Add(1)

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.log.Debug("ignoring frame", "error", err)
		return nil
	}

	switch msg.Type {
	case protocol.TypeCmdJoint:
		cmd, err := msg.GetCmdJoint()
		if err != nil || cmd.Joints == nil {
			return nil
		}
		s.commands.Add(1)
		state := s.apply(cmd)
		return s.replies(protocol.NewAck(cmd.Seq), state)

	case protocol.TypeCmdTorque:
		cmd, err := msg.GetCmdTorque()
		if err != nil {
			return nil
		}
		s.commands.Add(1)
		s.mu.Lock()
		s.torque = cmd.Enabled
		s.lastSeq = cmd.Seq
		s.mu.Unlock()
		s.log.Info("torque", "enabled", cmd.Enabled)
		return s.replies(protocol.NewAck(cmd.Seq))

	case protocol.TypePing:
		return s.replies(protocol.NewPong())
	}
	return nil
}

// apply stores a command and returns the resulting telemetry.
func (s *Server) apply(cmd *protocol.CmdJoint) *protocol.StateJoint {
	s.mu.Lock()
	for id, v := range cmd.Joints {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if cmd.Units == protocol.UnitsDeg {
			v = v * math.Pi / 180
		}
		s.joints[id] = v
	}
	s.lastSeq = cmd.Seq
	s.mu.Unlock()

	state := s.State()
	s.publish(state)
	return state
}

func (s *Server) replies(msgs ...any) [][]byte {
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		data, err := protocol.Encode(m)
		if err != nil {
			s.log.Warn("encode reply failed", "error", err)
			continue
		}
		out = append(out, data)
	}
	return out
}

// State returns the current telemetry in the configured units.
func (s *Server) State() *protocol.StateJoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	joints := make(map[string]float64, len(s.joints))
	for id, v := range s.joints {
		if s.units == protocol.UnitsDeg {
			v = v * 180 / math.Pi
		}
		joints[id] = v
	}
	return protocol.NewStateJoint(joints, s.units)
}

// Joints returns the stored values in radians.
func (s *Server) Joints() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.joints))
	for id, v := range s.joints {
		out[id] = v
	}
	return out
}

// Torque reports the last torque command.
func (s *Server) Torque() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.torque
}

// SetJoints moves simulated joints as if by an external force and pushes
// the new state to every connection.
func (s *Server) SetJoints(joints map[string]float64) {
	s.mu.Lock()
	for id, v := range joints {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		s.joints[id] = v
	}
	s.mu.Unlock()

	state := s.State()
	s.publish(state)
	data, err := protocol.Encode(state)
	if err != nil {
		return
	}
	s.Broadcast(data)
}

func (s *Server) publish(state *protocol.StateJoint) {
	if s.status == nil {
		return
	}
	if err := s.status.Publish(hub.EventState, "sim", state); err != nil {
		s.log.Debug("publish failed", "error", err)
	}
}

// RegisterRoutes registers the actuator websocket endpoint, and the status
// endpoint when a hub is configured.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", hub.RequireUpgrade)

	app.Get("/ws/actuator", websocket.New(s.handleActuator))
	app.Get("/ws/actuator/:id", websocket.New(s.handleActuator))
	if s.status != nil {
		app.Get("/ws/status", s.status.Handler())
	}
}

// handleActuator serves one bridge connection
func (s *Server) handleActuator(c *websocket.Conn) {
	id := c.Params("id")
	if id == "" {
		id = uuid.NewString()
	}

	conn := &Connection{
		ID:        id,
		Conn:      c,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}

	s.mu.Lock()
	s.conns[id] = conn
	count := len(s.conns)
	s.mu.Unlock()
	s.log.Info("bridge connected", "id", id, "connections", count)

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		count := len(s.conns)
		s.mu.Unlock()
		s.log.Info("bridge disconnected", "id", id, "connections", count)
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			s.log.Debug("read error", "id", id, "error", err)
			return
		}

		conn.mu.Lock()
		conn.LastSeen = time.Now()
		conn.mu.Unlock()

		for _, reply := range s.Handle(data) {
			if err := conn.Send(reply); err != nil {
				s.log.Warn("send failed", "id", id, "error", err)
				return
			}
			s.messagesSent.Add(1)
		}
	}
}

// Broadcast sends a frame to every connected bridge.
func (s *Server) Broadcast(data []byte) {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(data); err != nil {
			s.log.Warn("broadcast failed", "id", c.ID, "error", err)
			continue
		}
		s.messagesSent.Add(1)
	}
}

// ConnectionCount returns the number of connected bridges.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Stats contains simulator counters
type Stats struct {
	Connections      int    `json:"connections"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	Commands         uint64 `json:"commands"`
	LastSeq          uint32 `json:"last_seq"`
	Torque           bool   `json:"torque"`
}

// GetStats returns simulator counters.
func (s *Server) GetStats() Stats {
	s.mu.RLock()
	seq, torque := s.lastSeq, s.torque
	s.mu.RUnlock()
	return Stats{
		Connections:      s.ConnectionCount(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		Commands:         s.commands.Load(),
		LastSeq:          seq,
		Torque:           torque,
	}
}

// ConnectionInfo describes a connected bridge
type ConnectionInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// Connections lists connected bridges ordered by id.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		c.mu.Lock()
		infos = append(infos, ConnectionInfo{ID: c.ID, Connected: c.Connected, LastSeen: c.LastSeen})
		c.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// RegisterAPIRoutes registers the HTTP inspection routes.
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/state", func(c *fiber.Ctx) error {
		return c.JSON(s.State())
	})

	api.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.GetStats())
	})

	api.Get("/connections", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"connections": s.Connections(),
			"count":       s.ConnectionCount(),
		})
	})

	// Move joints from outside; values are radians
	api.Post("/joints", func(c *fiber.Ctx) error {
		var joints map[string]float64
		if err := c.BodyParser(&joints); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		s.SetJoints(joints)
		return c.JSON(s.State())
	})
}

// App builds a fiber app with every route registered.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "mechaverse sim",
		DisableStartupMessage: true,
	})
	s.RegisterRoutes(app)
	s.RegisterAPIRoutes(app.Group("/api"))
	return app
}

// ListenAndServe serves until ctx is done. The status hub, if any, runs for
// the same lifetime.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	app := s.App()

	if s.status != nil {
		go s.status.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()
	s.log.Info("simulator listening", "addr", addr, "units", s.units)

	select {
	case <-ctx.Done():
		return app.ShutdownWithTimeout(5 * time.Second)
	case err := <-errCh:
		return err
	}
}
