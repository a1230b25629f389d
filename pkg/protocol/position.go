package protocol

import (
	"fmt"
	"math"

	"github.com/teslashibe/go-mechaverse/pkg/joint"
)

// PositionRange is the actuator's raw position span.
type PositionRange struct {
	Min int `json:"pos_min" yaml:"pos_min" mapstructure:"pos_min"`
	Max int `json:"pos_max" yaml:"pos_max" mapstructure:"pos_max"`
}

// DefaultPositionRange covers the full 10-bit range.
func DefaultPositionRange() PositionRange {
	return PositionRange{Min: 0, Max: MaxPosition}
}

// Validate checks that both ends are valid position codes and differ.
func (r PositionRange) Validate() error {
	for _, v := range []int{r.Min, r.Max} {
		if v < 0 || v > MaxPosition {
			return fmt.Errorf("%w: %d outside 0..%d", ErrInvalidPosition, v, MaxPosition)
		}
	}
	if r.Min == r.Max {
		return fmt.Errorf("%w: empty range %d..%d", ErrInvalidPosition, r.Min, r.Max)
	}
	return nil
}

// Mid returns the centre of the range.
func (r PositionRange) Mid() int {
	return int(math.Round(float64(r.Min+r.Max) / 2))
}

// AngleToPosition maps an angle in radians onto r, linearly over the joint's
// limits. Missing bounds default to ±π. Degenerate or inverted bounds and
// non-finite input yield the midpoint.
func AngleToPosition(angle float64, limit joint.Limit, r PositionRange) int {
	if r.Max < r.Min {
		r.Min, r.Max = r.Max, r.Min
	}
	lower, upper := limit.Range()
	if !joint.Finite(angle) || !joint.Finite(lower) || !joint.Finite(upper) || upper <= lower {
		return r.Mid()
	}
	a := math.Max(lower, math.Min(upper, angle))
	pos := float64(r.Min) + (a-lower)/(upper-lower)*float64(r.Max-r.Min)
	p := int(math.Round(pos))
	if p < r.Min {
		p = r.Min
	}
	if p > r.Max {
		p = r.Max
	}
	return p
}
