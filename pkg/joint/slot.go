package joint

import "sync"

// Slot holds the single active joint writer. Interceptors wrap whatever is
// currently installed and must restore exactly what they captured, so that
// several wrappers stack in LIFO order instead of clobbering each other.
type Slot struct {
	mu sync.RWMutex
	w  Writer
}

// NewSlot creates a slot with w installed.
func NewSlot(w Writer) *Slot {
	return &Slot{w: w}
}

// Writer returns the currently installed writer.
func (s *Slot) Writer() Writer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w
}

// SetJointValue forwards to the currently installed writer.
func (s *Slot) SetJointValue(name string, value float64) error {
	return s.Writer().SetJointValue(name, value)
}

// Wrap installs wrap(prev) and returns prev, the writer that was active
// before. Callers keep prev to write around their own wrapper and to
// restore the slot later.
func (s *Slot) Wrap(wrap func(next Writer) Writer) Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.w
	s.w = wrap(prev)
	return prev
}

// Restore puts back a writer captured by Wrap.
func (s *Slot) Restore(prev Writer) {
	s.mu.Lock()
	s.w = prev
	s.mu.Unlock()
}

// EnforceLimits wraps the slot so every write is clamped to the limits
// reported by src at write time. The returned func undoes the wrap.
func EnforceLimits(s *Slot, src LimitSource) (restore func()) {
	prev := s.Wrap(func(next Writer) Writer {
		return WriterFunc(func(name string, value float64) error {
			return next.SetJointValue(name, src.Limits().Clamp(name, value))
		})
	})
	return func() { s.Restore(prev) }
}
