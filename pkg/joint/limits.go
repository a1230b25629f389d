package joint

import "math"

// Limit bounds a joint. Either side may be absent.
type Limit struct {
	Lower *float64 `json:"lower,omitempty" yaml:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty" yaml:"upper,omitempty"`
}

// Limits maps viewer joint names to their limits.
type Limits map[string]Limit

// Bounds builds a Limit with both sides set.
func Bounds(lower, upper float64) Limit {
	return Limit{Lower: &lower, Upper: &upper}
}

// Clamp restricts v to whichever bounds are present.
func (l Limit) Clamp(v float64) float64 {
	if l.Lower != nil && v < *l.Lower {
		v = *l.Lower
	}
	if l.Upper != nil && v > *l.Upper {
		v = *l.Upper
	}
	return v
}

// Range returns the bounds, substituting [-π, π] for a missing side.
func (l Limit) Range() (lower, upper float64) {
	lower, upper = -math.Pi, math.Pi
	if l.Lower != nil {
		lower = *l.Lower
	}
	if l.Upper != nil {
		upper = *l.Upper
	}
	return lower, upper
}

// Clamp applies the limit for name, or returns v unchanged when the joint
// has none.
func (ls Limits) Clamp(name string, v float64) float64 {
	if ls == nil {
		return v
	}
	if l, ok := ls[name]; ok {
		return l.Clamp(v)
	}
	return v
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 {
	return rad * 180 / math.Pi
}
