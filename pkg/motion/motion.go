// Package motion turns planner motion commands into joint writes, either as
// a single jump or as a linear animation driven by one shared frame clock.
package motion

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
)

const (
	// DefaultDuration is used when a motion carries no time
	DefaultDuration = 350 * time.Millisecond

	// DefaultFrameRate of the animation clock
	DefaultFrameRate = 60.0

	// secondsCutoff: times below this are seconds, otherwise milliseconds
	secondsCutoff = 20

	// degreesEpsilon added to a full turn before an angle is read as degrees
	degreesEpsilon = 1e-3
)

// ErrNoMotions is returned when a batch holds nothing to apply
var ErrNoMotions = errors.New("motion: no motions")

// Motion is one planner command. Unknown JSON fields are ignored.
type Motion struct {
	Joint string   `json:"joint"`
	Angle float64  `json:"angle"`
	Time  *float64 `json:"time,omitempty"`
}

// Options control one Apply call.
type Options struct {
	// Instant writes every target in one batch instead of animating
	Instant bool `json:"instant,omitempty"`

	// AssumeDegrees treats every angle as degrees
	AssumeDegrees bool `json:"assume_degrees,omitempty"`

	// Duration overrides DefaultDuration for motions without a time
	Duration time.Duration `json:"duration,omitempty"`

	// FrameRate overrides DefaultFrameRate
	FrameRate float64 `json:"frame_rate,omitempty"`

	// JointMap is consulted before the resolver's own explicit map
	JointMap map[string]string `json:"joint_map,omitempty"`
}

func (o Options) duration() time.Duration {
	if o.Duration > 0 {
		return o.Duration
	}
	return DefaultDuration
}

func (o Options) frameInterval() time.Duration {
	rate := o.FrameRate
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		rate = DefaultFrameRate
	}
	return time.Duration(float64(time.Second) / rate)
}

// Duration returns how long the motion should take. Values under 20 are
// seconds, anything else milliseconds; missing or invalid times use def.
func (m Motion) Duration(def time.Duration) time.Duration {
	if m.Time == nil {
		return def
	}
	t := *m.Time
	if t <= 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return def
	}
	if t < secondsCutoff {
		t *= 1000
	}
	return time.Duration(t * float64(time.Millisecond))
}

// Radians returns the target angle in radians. Angles beyond a full turn
// are taken to be degrees.
func (m Motion) Radians(assumeDegrees bool) float64 {
	if assumeDegrees || math.Abs(m.Angle) > 2*math.Pi+degreesEpsilon {
		return m.Angle * math.Pi / 180
	}
	return m.Angle
}

// ParseMotions decodes a JSON array of motions or a single motion object.
func ParseMotions(data []byte) ([]Motion, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrNoMotions
	}
	if strings.HasPrefix(trimmed, "{") {
		var m Motion
		if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
			return nil, err
		}
		return []Motion{m}, nil
	}
	var ms []Motion
	if err := json.Unmarshal([]byte(trimmed), &ms); err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, ErrNoMotions
	}
	return ms, nil
}
