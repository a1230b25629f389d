package joint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitClamp(t *testing.T) {
	lo, hi := -1.0, 1.0
	tests := []struct {
		name  string
		limit Limit
		in    float64
		want  float64
	}{
		{"above upper", Bounds(-1, 1), 2.5, 1.0},
		{"below lower", Bounds(-1, 1), -3.0, -1.0},
		{"inside", Bounds(-1, 1), 0.25, 0.25},
		{"lower only", Limit{Lower: &lo}, 5, 5},
		{"upper only", Limit{Upper: &hi}, 5, 1},
		{"none", Limit{}, -9, -9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.limit.Clamp(tt.in))
		})
	}
}

func TestLimitRangeDefaults(t *testing.T) {
	lo, hi := Limit{}.Range()
	assert.Equal(t, -math.Pi, lo)
	assert.Equal(t, math.Pi, hi)

	lo, hi = Bounds(-0.5, 0.75).Range()
	assert.Equal(t, -0.5, lo)
	assert.Equal(t, 0.75, hi)
}

func TestFinite(t *testing.T) {
	assert.True(t, Finite(0))
	assert.False(t, Finite(math.NaN()))
	assert.False(t, Finite(math.Inf(1)))
	assert.False(t, Finite(math.Inf(-1)))
}

func TestDegRad(t *testing.T) {
	assert.InDelta(t, math.Pi, DegToRad(180), 1e-12)
	assert.InDelta(t, 90, RadToDeg(math.Pi/2), 1e-12)
}

func TestModelWriteAndRead(t *testing.T) {
	m := NewModel([]Spec{
		{Name: "shoulder", Limit: Bounds(-1.57, 1.57)},
		{Name: "elbow", Initial: 0.3},
	})

	v, ok := m.Value("elbow")
	require.True(t, ok)
	assert.Equal(t, 0.3, v)

	require.NoError(t, m.Slot().SetJointValue("shoulder", 0.5))
	v, _ = m.Value("shoulder")
	assert.Equal(t, 0.5, v)

	assert.Error(t, m.Slot().SetJointValue("wrist", 1))
	assert.Equal(t, []string{"shoulder", "elbow"}, m.Joints())
	assert.Contains(t, m.Limits(), "shoulder")
	assert.NotContains(t, m.Limits(), "elbow")
}

func TestEnforceLimitsClampsAndRestores(t *testing.T) {
	m := NewModel([]Spec{{Name: "j", Limit: Bounds(-1, 1)}})
	raw := m.Slot().Writer()

	restore := EnforceLimits(m.Slot(), m)
	require.NoError(t, m.Slot().SetJointValue("j", 2.5))
	v, _ := m.Value("j")
	assert.Equal(t, 1.0, v)

	require.NoError(t, m.Slot().SetJointValue("j", -3))
	v, _ = m.Value("j")
	assert.Equal(t, -1.0, v)

	restore()
	require.NoError(t, m.Slot().SetJointValue("j", 2.5))
	v, _ = m.Value("j")
	assert.Equal(t, 2.5, v)
	assert.Equal(t, describe(raw), describe(m.Slot().Writer()))
}

func TestSlotWrapComposesLIFO(t *testing.T) {
	var calls []string
	s := NewSlot(WriterFunc(func(name string, v float64) error {
		calls = append(calls, "raw")
		return nil
	}))
	tag := func(label string) func(Writer) Writer {
		return func(next Writer) Writer {
			return WriterFunc(func(name string, v float64) error {
				calls = append(calls, label)
				return next.SetJointValue(name, v)
			})
		}
	}

	inner := s.Wrap(tag("limits"))
	outer := s.Wrap(tag("bridge"))

	require.NoError(t, s.SetJointValue("j", 0))
	assert.Equal(t, []string{"bridge", "limits", "raw"}, calls)

	calls = nil
	s.Restore(outer)
	require.NoError(t, s.SetJointValue("j", 0))
	assert.Equal(t, []string{"limits", "raw"}, calls)

	calls = nil
	s.Restore(inner)
	require.NoError(t, s.SetJointValue("j", 0))
	assert.Equal(t, []string{"raw"}, calls)
}

func TestModelRedraw(t *testing.T) {
	m := NewModel(nil)
	hooked := 0
	m.OnRedraw(func() { hooked++ })
	m.Redraw()
	m.Redraw()
	assert.Equal(t, uint64(2), m.Redraws())
	assert.Equal(t, 2, hooked)
}

// describe identifies a writer by its behaviour on an unknown joint so that
// func-valued writers can be compared.
func describe(w Writer) string {
	if err := w.SetJointValue("__probe__", 0); err != nil {
		return err.Error()
	}
	return "ok"
}
