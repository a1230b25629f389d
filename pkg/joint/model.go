package joint

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Spec describes one joint of the in-memory model.
type Spec struct {
	Name    string
	Limit   Limit
	Initial float64
}

// Model is an in-memory viewer pose. It stands in for the rendered robot:
// the raw writer updates the pose map, and Redraw only counts requests.
type Model struct {
	mu     sync.RWMutex
	order  []string
	values map[string]float64
	limits Limits

	slot    *Slot
	redraws atomic.Uint64
	onDraw  func()
}

// NewModel builds a model from joint specs. Order is preserved.
func NewModel(specs []Spec) *Model {
	m := &Model{
		values: make(map[string]float64, len(specs)),
		limits: make(Limits, len(specs)),
	}
	for _, s := range specs {
		if _, dup := m.values[s.Name]; !dup {
			m.order = append(m.order, s.Name)
		}
		m.values[s.Name] = s.Initial
		if s.Limit.Lower != nil || s.Limit.Upper != nil {
			m.limits[s.Name] = s.Limit
		}
	}
	m.slot = NewSlot(WriterFunc(m.set))
	return m
}

// set is the raw primitive behind the slot.
func (m *Model) set(name string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[name]; !ok {
		return fmt.Errorf("joint: unknown joint %q", name)
	}
	m.values[name] = value
	return nil
}

// Slot returns the replaceable writer slot.
func (m *Model) Slot() *Slot {
	return m.slot
}

// Limits returns a copy of the joint limits.
func (m *Model) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(Limits, len(m.limits))
	for k, v := range m.limits {
		out[k] = v
	}
	return out
}

// Value returns the live value of a joint.
func (m *Model) Value(name string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok
}

// Values returns a snapshot of the whole pose.
func (m *Model) Values() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Joints returns joint names in declaration order.
func (m *Model) Joints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// OnRedraw registers a hook run on every Redraw.
func (m *Model) OnRedraw(fn func()) {
	m.mu.Lock()
	m.onDraw = fn
	m.mu.Unlock()
}

// Redraw records a render request.
func (m *Model) Redraw() {
	m.redraws.Add(1)
	m.mu.RLock()
	fn := m.onDraw
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Redraws returns how many redraws were requested.
func (m *Model) Redraws() uint64 {
	return m.redraws.Load()
}
