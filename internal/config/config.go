// Package config loads mechaverse configuration from YAML, environment and
// defaults.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/teslashibe/go-mechaverse/pkg/bridge"
	"github.com/teslashibe/go-mechaverse/pkg/joint"
	"github.com/teslashibe/go-mechaverse/pkg/motion"
	"github.com/teslashibe/go-mechaverse/pkg/protocol"
	"github.com/teslashibe/go-mechaverse/pkg/resolve"
	"github.com/teslashibe/go-mechaverse/pkg/transport"
)

// Transport names
const (
	TransportWebsocket = "websocket"
	TransportSerial    = "serial"
	TransportNone      = "none"
)

// EnvPrefix is prepended to environment overrides, e.g.
// MECHAVERSE_BRIDGE_SERIAL_PORT.
const EnvPrefix = "MECHAVERSE"

// Config is the top-level configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Model    ModelConfig    `mapstructure:"model" yaml:"model"`
	Bridge   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	Motion   MotionConfig   `mapstructure:"motion" yaml:"motion"`
	Sim      SimConfig      `mapstructure:"sim" yaml:"sim"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ModelConfig describes the viewer joints.
type ModelConfig struct {
	Joints []JointConfig `mapstructure:"joints" yaml:"joints"`
}

// JointConfig is one joint; missing bounds are unbounded.
type JointConfig struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Lower   *float64 `mapstructure:"lower" yaml:"lower,omitempty"`
	Upper   *float64 `mapstructure:"upper" yaml:"upper,omitempty"`
	Initial float64  `mapstructure:"initial" yaml:"initial,omitempty"`
}

// BridgeConfig selects and tunes the actuator bridge.
type BridgeConfig struct {
	Transport     string            `mapstructure:"transport" yaml:"transport"`
	SendHz        float64           `mapstructure:"send_hz" yaml:"send_hz"`
	FlushInterval time.Duration     `mapstructure:"flush_interval" yaml:"flush_interval"`
	DeadbandRad   float64           `mapstructure:"deadband_rad" yaml:"deadband_rad"`
	JointMap      map[string]string `mapstructure:"joint_map" yaml:"joint_map"`
	StatusAddr    string            `mapstructure:"status_addr" yaml:"status_addr"`
	Websocket     WebsocketConfig   `mapstructure:"websocket" yaml:"websocket"`
	Serial        SerialConfig      `mapstructure:"serial" yaml:"serial"`
}

// WebsocketConfig configures the network transport.
type WebsocketConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// SerialConfig configures the serial transport. An empty port selects the
// first candidate USB serial port.
type SerialConfig struct {
	Port        string `mapstructure:"port" yaml:"port"`
	Baud        int    `mapstructure:"baud" yaml:"baud"`
	PosMin      int    `mapstructure:"pos_min" yaml:"pos_min"`
	PosMax      int    `mapstructure:"pos_max" yaml:"pos_max"`
	AutoConnect bool   `mapstructure:"auto_connect" yaml:"auto_connect"`
}

// ResolverConfig tunes joint name resolution.
type ResolverConfig struct {
	Threshold     float64           `mapstructure:"threshold" yaml:"threshold"`
	Margin        float64           `mapstructure:"margin" yaml:"margin"`
	MaxCandidates int               `mapstructure:"max_candidates" yaml:"max_candidates"`
	JointMap      map[string]string `mapstructure:"joint_map" yaml:"joint_map"`
}

// MotionConfig tunes the animator.
type MotionConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration" yaml:"default_duration"`
	FrameRate       float64       `mapstructure:"frame_rate" yaml:"frame_rate"`
	AssumeDegrees   bool          `mapstructure:"assume_degrees" yaml:"assume_degrees"`
	Instant         bool          `mapstructure:"instant" yaml:"instant"`
}

// SimConfig configures the simulator.
type SimConfig struct {
	Addr  string `mapstructure:"addr" yaml:"addr"`
	Units string `mapstructure:"units" yaml:"units"`
}

func bound(v float64) *float64 { return &v }

// DefaultConfig returns a six-joint desktop arm talking to a local simulator.
func DefaultConfig() Config {
	half := math.Pi / 2
	policy := resolve.DefaultPolicy()
	positions := protocol.DefaultPositionRange()
	return Config{
		Log: LogConfig{Level: "info"},
		Model: ModelConfig{Joints: []JointConfig{
			{Name: "shoulder_pan", Lower: bound(-math.Pi), Upper: bound(math.Pi)},
			{Name: "shoulder_lift", Lower: bound(-half), Upper: bound(half)},
			{Name: "elbow_flex", Lower: bound(-half), Upper: bound(half)},
			{Name: "wrist_flex", Lower: bound(-half), Upper: bound(half)},
			{Name: "wrist_roll", Lower: bound(-math.Pi), Upper: bound(math.Pi)},
			{Name: "gripper", Lower: bound(0), Upper: bound(half)},
		}},
		Bridge: BridgeConfig{
			Transport:   TransportWebsocket,
			DeadbandRad: bridge.DefaultDeadbandRad,
			JointMap: map[string]string{
				"shoulder_pan":  "1",
				"shoulder_lift": "2",
				"elbow_flex":    "3",
				"wrist_flex":    "4",
				"wrist_roll":    "5",
				"gripper":       "6",
			},
			Websocket: WebsocketConfig{
				URL:              "ws://127.0.0.1:8765/ws/actuator",
				HandshakeTimeout: transport.DefaultHandshakeTimeout,
			},
			Serial: SerialConfig{
				Baud:   transport.DefaultBaudRate,
				PosMin: positions.Min,
				PosMax: positions.Max,
			},
		},
		Resolver: ResolverConfig{
			Threshold:     policy.Threshold,
			Margin:        policy.Margin,
			MaxCandidates: policy.MaxCandidates,
			JointMap:      map[string]string{},
		},
		Motion: MotionConfig{
			DefaultDuration: motion.DefaultDuration,
			FrameRate:       motion.DefaultFrameRate,
		},
		Sim: SimConfig{
			Addr:  "127.0.0.1:8765",
			Units: protocol.UnitsRad,
		},
	}
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/mechaverse/config.yaml or the
// platform equivalent.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "mechaverse", "config.yaml"), nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Model.Joints))
	for i, j := range c.Model.Joints {
		if strings.TrimSpace(j.Name) == "" {
			return fmt.Errorf("model.joints[%d]: name is required", i)
		}
		if names[j.Name] {
			return fmt.Errorf("model.joints[%d]: duplicate joint %q", i, j.Name)
		}
		names[j.Name] = true
		if j.Lower != nil && j.Upper != nil && *j.Lower > *j.Upper {
			return fmt.Errorf("model.joints[%d]: lower %.4f above upper %.4f", i, *j.Lower, *j.Upper)
		}
	}

	switch c.Bridge.Transport {
	case TransportWebsocket:
		if strings.TrimSpace(c.Bridge.Websocket.URL) == "" {
			return fmt.Errorf("bridge.websocket.url is required for the websocket transport")
		}
	case TransportSerial, TransportNone:
	default:
		return fmt.Errorf("unsupported bridge.transport %q", c.Bridge.Transport)
	}
	if c.Bridge.SendHz < 0 || math.IsNaN(c.Bridge.SendHz) {
		return fmt.Errorf("bridge.send_hz must not be negative")
	}
	if c.Bridge.FlushInterval < 0 {
		return fmt.Errorf("bridge.flush_interval must not be negative")
	}
	for name := range c.Bridge.JointMap {
		if !names[name] {
			return fmt.Errorf("bridge.joint_map: unknown joint %q", name)
		}
	}
	if c.Bridge.Serial.Baud < 0 {
		return fmt.Errorf("bridge.serial.baud must not be negative")
	}
	if err := c.Bridge.Serial.Positions().Validate(); err != nil {
		return fmt.Errorf("bridge.serial.pos_min/pos_max: %w", err)
	}

	if c.Resolver.Threshold < 0 || c.Resolver.Threshold > 1 {
		return fmt.Errorf("resolver.threshold must be within [0, 1]")
	}
	if c.Resolver.Margin < 0 {
		return fmt.Errorf("resolver.margin must not be negative")
	}

	if c.Motion.FrameRate <= 0 {
		return fmt.Errorf("motion.frame_rate must be positive")
	}
	if c.Motion.DefaultDuration < 0 {
		return fmt.Errorf("motion.default_duration must not be negative")
	}

	if c.Sim.Units != protocol.UnitsRad && c.Sim.Units != protocol.UnitsDeg {
		return fmt.Errorf("sim.units must be %q or %q", protocol.UnitsRad, protocol.UnitsDeg)
	}
	return nil
}

// JointSpecs converts the model section into joint specs.
func (c ModelConfig) JointSpecs() []joint.Spec {
	specs := make([]joint.Spec, 0, len(c.Joints))
	for _, j := range c.Joints {
		specs = append(specs, joint.Spec{
			Name:    j.Name,
			Limit:   joint.Limit{Lower: j.Lower, Upper: j.Upper},
			Initial: j.Initial,
		})
	}
	return specs
}

// Names lists the configured joint names in order.
func (c ModelConfig) Names() []string {
	names := make([]string, 0, len(c.Joints))
	for _, j := range c.Joints {
		names = append(names, j.Name)
	}
	return names
}

// Options returns the coalescer options shared by both transports.
func (c BridgeConfig) Options() bridge.Options {
	return bridge.Options{
		SendHz:        c.SendHz,
		FlushInterval: c.FlushInterval,
		DeadbandRad:   c.DeadbandRad,
		JointMap:      c.JointMap,
	}
}

// Positions returns the serial position range.
func (c SerialConfig) Positions() protocol.PositionRange {
	return protocol.PositionRange{Min: c.PosMin, Max: c.PosMax}
}

// Policy returns the resolver policy.
func (c ResolverConfig) Policy() resolve.Policy {
	return resolve.Policy{
		Threshold:     c.Threshold,
		Margin:        c.Margin,
		MaxCandidates: c.MaxCandidates,
	}
}

// Options returns default options for motion batches.
func (c MotionConfig) Options() motion.Options {
	return motion.Options{
		Instant:       c.Instant,
		AssumeDegrees: c.AssumeDegrees,
		Duration:      c.DefaultDuration,
		FrameRate:     c.FrameRate,
	}
}
