// Package bridge forwards viewer joint writes to an actuator and feeds
// actuator telemetry back into the viewer.
//
// Both variants share a coalescer: joint writes are clamped, deadband
// filtered and merged per hardware id into an ordered pending queue, which a
// single flush timer drains at a bounded cadence. The network variant sends
// the whole queue as one JSON message per tick; the serial variant writes
// one 6-byte frame per tick.
package bridge

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	mlog "github.com/teslashibe/go-mechaverse/internal/log"
	"github.com/teslashibe/go-mechaverse/pkg/joint"
)

// coalescer is the state shared by both bridge variants. Variant-specific
// state lives in the embedding type but is guarded by the same mutex.
type coalescer struct {
	log      *slog.Logger
	clock    clock.Clock
	period   time.Duration
	deadband float64
	toHW     map[string]string
	toViewer map[string]string
	onStatus func(Status)

	sink joint.Sink
	prev joint.Writer // writer captured at wrap time

	// flush runs one tick of variant work outside the lock and reports
	// whether another tick is needed.
	flush func() bool

	mu          sync.Mutex
	pending     *pendingQueue
	lastSent    map[string]float64
	inflight    map[string]float64 // taken from the queue, write not finished
	timer       *clock.Timer
	flushing    bool
	closed      bool
	status      Status
	stats       Stats
	lastErrorAt time.Time
	done        chan struct{}
}

func newCoalescer(sink joint.Sink, opts Options, defaultHz float64, component string) *coalescer {
	hz := opts.SendHz
	if hz == 0 {
		hz = defaultHz
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	c := &coalescer{
		log:      mlog.Or(opts.Logger, component).With("session", uuid.NewString()),
		clock:    clk,
		period:   FlushPeriod(hz, opts.FlushInterval),
		deadband: opts.deadband(),
		toHW:     make(map[string]string, len(opts.JointMap)),
		toViewer: make(map[string]string, len(opts.JointMap)),
		onStatus: opts.OnStatus,
		sink:     sink,
		pending:  newPendingQueue(),
		lastSent: make(map[string]float64),
		inflight: make(map[string]float64),
	}
	for name, id := range opts.JointMap {
		c.toHW[name] = id
		c.toViewer[id] = name
	}
	return c
}

// attach installs the outbound interceptor in front of whatever writer the
// viewer currently has.
func (c *coalescer) attach() {
	c.prev = c.sink.Slot().Wrap(func(next joint.Writer) joint.Writer {
		return joint.WriterFunc(func(name string, value float64) error {
			value = c.sink.Limits().Clamp(name, value)
			if err := next.SetJointValue(name, value); err != nil {
				return err
			}
			c.QueueJoint(name, value)
			return nil
		})
	})
}

// HardwareID maps a viewer joint name to its hardware id.
func (c *coalescer) HardwareID(name string) string {
	if id, ok := c.toHW[name]; ok {
		return id
	}
	return name
}

// ViewerJoint maps a hardware id back to the viewer joint name.
func (c *coalescer) ViewerJoint(id string) string {
	if name, ok := c.toViewer[id]; ok {
		return name
	}
	return id
}

// QueueJoint schedules a joint value for transmission. Non-finite values and
// values within the deadband of the last transmitted value are dropped.
// Transport problems never surface here.
func (c *coalescer) QueueJoint(name string, value float64) {
	if !joint.Finite(value) {
		return
	}
	id := c.HardwareID(name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if last, ok := c.sentOrInflightLocked(id); ok && math.Abs(value-last) < c.deadband {
		// Back at the transmitted value: whatever is pending is stale.
		c.pending.Remove(id)
		c.stats.Skipped++
		return
	}
	c.pending.Set(id, value)
	c.stats.Queued++
	c.scheduleLocked()
}

// sentOrInflightLocked returns the value the actuator will hold once current
// writes finish: the in-flight value if any, else the last sent.
func (c *coalescer) sentOrInflightLocked(id string) (float64, bool) {
	if v, ok := c.inflight[id]; ok {
		return v, true
	}
	v, ok := c.lastSent[id]
	return v, ok
}

func (c *coalescer) scheduleLocked() {
	if c.timer != nil || c.flushing || c.closed {
		return
	}
	c.timer = c.clock.AfterFunc(c.period, c.tick)
}

// tick is the flush timer callback.
func (c *coalescer) tick() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	c.mu.Unlock()

	more := c.flush()

	c.mu.Lock()
	c.flushing = false
	if more || c.pending.Len() > 0 {
		c.scheduleLocked()
	}
	c.mu.Unlock()
}

// ApplyState writes actuator telemetry into the viewer through the writer
// captured at wrap time, so it never re-enters the outbound queue.
func (c *coalescer) ApplyState(joints map[string]float64, units string) {
	c.applyState(joints, units, 0)
}

func (c *coalescer) applyState(joints map[string]float64, units string, ts int64) {
	limits := c.sink.Limits()
	for id, raw := range joints {
		name := c.ViewerJoint(id)
		v := raw
		if units == "deg" {
			v = joint.DegToRad(v)
		}
		if !joint.Finite(v) {
			continue
		}
		v = limits.Clamp(name, v)
		if err := c.prev.SetJointValue(name, v); err != nil {
			c.log.Warn("apply state failed", "joint", name, "error", err)
		}
	}
	c.sink.Redraw()

	if ts == 0 {
		ts = c.clock.Now().UnixMilli()
	}
	c.mu.Lock()
	c.status.LastStateTS = ts
	st := c.status
	c.mu.Unlock()
	c.emit(st)
}

// Stats returns coalescer counters.
func (c *coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Pending = c.pending.Len()
	return s
}

// Status returns the last reported status.
func (c *coalescer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// FlushPeriod returns the effective flush cadence.
func (c *coalescer) FlushPeriod() time.Duration {
	return c.period
}

func (c *coalescer) emit(st Status) {
	if c.onStatus != nil {
		c.onStatus(st)
	}
}

// setConnectedLocked updates the status and returns a copy to emit once the
// lock is released.
func (c *coalescer) setConnectedLocked(connected bool, err error) Status {
	c.status.Connected = connected
	if err != nil {
		c.status.LastError = err.Error()
	} else if connected {
		c.status.LastError = ""
	}
	return c.status
}

// logWriteErrorLocked logs transport failures at most once per interval.
func (c *coalescer) logWriteErrorLocked(err error) {
	c.stats.Errors++
	now := c.clock.Now()
	if c.lastErrorAt.IsZero() || now.Sub(c.lastErrorAt) > errorLogInterval {
		c.log.Warn("transport write failed", "error", err, "total_errors", c.stats.Errors)
		c.lastErrorAt = now
	}
}

// closeLocked performs the synchronous part of Close: restore the captured
// writer, cancel the timer and clear the queues. It reports false when the
// bridge was already closed.
func (c *coalescer) closeLocked() bool {
	if c.closed {
		return false
	}
	c.closed = true
	c.sink.Slot().Restore(c.prev)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending.Clear()
	c.lastSent = make(map[string]float64)
	c.inflight = make(map[string]float64)
	c.done = make(chan struct{})
	return true
}

// teardown runs fn in the background and closes the done channel after.
func (c *coalescer) teardown(fn func()) <-chan struct{} {
	done := c.done
	go func() {
		defer close(done)
		fn()
	}()
	return done
}
