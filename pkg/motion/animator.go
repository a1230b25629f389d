package motion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	mlog "github.com/teslashibe/go-mechaverse/internal/log"
	"github.com/teslashibe/go-mechaverse/pkg/joint"
	"github.com/teslashibe/go-mechaverse/pkg/resolve"
)

// Config configures an Animator.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Skip records a motion that could not be applied.
type Skip struct {
	Motion Motion         `json:"motion"`
	Result resolve.Result `json:"result"`
}

// Animator applies motion batches to a viewer. At most one batch runs at a
// time; starting a new one cancels the previous.
type Animator struct {
	viewer   joint.Viewer
	resolver *resolve.Resolver
	clock    clock.Clock
	log      *slog.Logger

	mu      sync.Mutex
	current *Run
}

// NewAnimator creates an animator writing into v. Joint names are resolved
// with r.
func NewAnimator(v joint.Viewer, r *resolve.Resolver, cfg Config) *Animator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Animator{
		viewer:   v,
		resolver: r,
		clock:    clk,
		log:      mlog.Or(cfg.Logger, "motion"),
	}
}

// track interpolates one joint
type track struct {
	name     string
	from     float64
	to       float64
	duration time.Duration
	done     bool
}

func (t *track) at(elapsed time.Duration) (float64, bool) {
	if t.duration <= 0 || elapsed >= t.duration {
		return t.to, true
	}
	if elapsed < 0 {
		elapsed = 0
	}
	alpha := float64(elapsed) / float64(t.duration)
	return t.from + alpha*(t.to-t.from), false
}

// Run is the handle for one Apply call.
type Run struct {
	done    chan struct{}
	cancel  chan struct{}
	stop    sync.Once
	skipped []Skip
	targets []joint.Target
}

// Done is closed when the run has finished or was cancelled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Skipped lists motions dropped because their joint did not resolve.
func (r *Run) Skipped() []Skip {
	return r.skipped
}

// Targets lists the resolved, clamped targets in radians.
func (r *Run) Targets() []joint.Target {
	return r.targets
}

func (r *Run) halt() {
	r.stop.Do(func() { close(r.cancel) })
}

// Apply resolves and starts a motion batch. Any running batch is cancelled
// and has stopped writing before the new one begins.
func (a *Animator) Apply(motions []Motion, opts Options) *Run {
	run := &Run{
		done:   make(chan struct{}),
		cancel: make(chan struct{}),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prev := a.current; prev != nil {
		prev.halt()
		<-prev.done
	}
	a.current = run

	tracks := a.plan(run, motions, opts)
	if len(tracks) == 0 {
		close(run.done)
		return run
	}

	if opts.Instant {
		for _, t := range tracks {
			a.write(t.name, t.to)
		}
		a.viewer.Redraw()
		close(run.done)
		return run
	}

	// registered before Apply returns
	ticker := a.clock.Ticker(opts.frameInterval())
	go a.animate(run, tracks, ticker, a.clock.Now())
	return run
}

// Stop cancels the running batch, if any, and waits for it.
func (a *Animator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.current.halt()
		<-a.current.done
	}
}

// plan resolves every motion into a track. Later motions for the same joint
// replace earlier ones.
func (a *Animator) plan(run *Run, motions []Motion, opts Options) []*track {
	limits := a.viewer.Limits()
	def := opts.duration()

	var tracks []*track
	index := make(map[string]int)
	for _, m := range motions {
		res := a.resolver.ResolveWith(m.Joint, opts.JointMap)
		if !res.OK() {
			a.log.Warn("motion skipped",
				"joint", m.Joint,
				"reason", res.Reason,
				"confidence", res.Confidence,
				"candidates", res.Candidates)
			run.skipped = append(run.skipped, Skip{Motion: m, Result: res})
			continue
		}

		target := m.Radians(opts.AssumeDegrees)
		if !joint.Finite(target) {
			a.log.Warn("motion skipped", "joint", m.Joint, "reason", "non-finite angle")
			continue
		}
		target = limits.Clamp(res.Joint, target)

		from, ok := a.viewer.Value(res.Joint)
		if !ok || !joint.Finite(from) {
			from = target
		}

		t := &track{
			name:     res.Joint,
			from:     from,
			to:       target,
			duration: m.Duration(def),
		}
		if i, ok := index[res.Joint]; ok {
			tracks[i] = t
		} else {
			index[res.Joint] = len(tracks)
			tracks = append(tracks, t)
		}
		a.log.Debug("motion planned",
			"requested", m.Joint,
			"joint", res.Joint,
			"reason", res.Reason,
			"from", from,
			"to", target,
			"duration", t.duration)
	}

	for _, t := range tracks {
		run.targets = append(run.targets, joint.Target{Name: t.name, Value: t.to})
	}
	return tracks
}

// animate drives every track from one ticker until all reach their end.
func (a *Animator) animate(run *Run, tracks []*track, ticker *clock.Ticker, start time.Time) {
	defer close(run.done)
	defer ticker.Stop()

	for {
		select {
		case <-run.cancel:
			return
		case <-ticker.C:
		}

		elapsed := a.clock.Since(start)
		remaining := 0
		for _, t := range tracks {
			if t.done {
				continue
			}
			v, finished := t.at(elapsed)
			a.write(t.name, v)
			if finished {
				t.done = true
			} else {
				remaining++
			}
		}
		a.viewer.Redraw()

		if remaining == 0 {
			return
		}
	}
}

// write goes through the viewer's current writer so installed wrappers see it
func (a *Animator) write(name string, v float64) {
	if err := a.viewer.Slot().SetJointValue(name, v); err != nil {
		a.log.Debug("joint write failed", "joint", name, "error", err)
	}
}
