// Package joint defines the joint value sink the bridge and animator drive.
//
// The viewer is split into small interfaces so each consumer depends only
// on what it uses: the bridge needs the writer slot, limits and redraw; the
// animator additionally reads the live pose; the resolver only lists joints.
package joint

// Writer sets a single joint to a value in radians.
type Writer interface {
	SetJointValue(name string, value float64) error
}

// WriterFunc adapts a plain function to Writer.
type WriterFunc func(name string, value float64) error

// SetJointValue calls f(name, value).
func (f WriterFunc) SetJointValue(name string, value float64) error {
	return f(name, value)
}

// LimitSource exposes per-joint limits parsed from the robot description.
type LimitSource interface {
	Limits() Limits
}

// PoseReader reads the live joint values used as animation start points.
type PoseReader interface {
	Value(name string) (float64, bool)
}

// Lister enumerates the live joint names in a stable order.
type Lister interface {
	Joints() []string
}

// Redrawer requests a render after a batch of joint writes. Best effort.
type Redrawer interface {
	Redraw()
}

// Sink is what a bridge attaches to: a replaceable writer slot plus limits
// and redraw.
type Sink interface {
	Slot() *Slot
	LimitSource
	Redrawer
}

// Viewer is the full collaborator contract.
type Viewer interface {
	Sink
	PoseReader
	Lister
}

// Ensure Model implements Viewer
var _ Viewer = (*Model)(nil)

// Target is a requested joint value in radians.
type Target struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}
