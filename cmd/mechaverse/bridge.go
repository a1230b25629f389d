package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-mechaverse/internal/config"
	mlog "github.com/teslashibe/go-mechaverse/internal/log"
	"github.com/teslashibe/go-mechaverse/pkg/bridge"
	"github.com/teslashibe/go-mechaverse/pkg/hub"
	"github.com/teslashibe/go-mechaverse/pkg/joint"
	"github.com/teslashibe/go-mechaverse/pkg/motion"
	"github.com/teslashibe/go-mechaverse/pkg/resolve"
	"github.com/teslashibe/go-mechaverse/pkg/transport"
	"github.com/teslashibe/go-mechaverse/pkg/web"
)

const (
	// maxLine bounds one stdin motion batch
	maxLine = 1 << 20

	drainTimeout = time.Second
)

type bridgeFlags struct {
	transport  string
	url        string
	port       string
	statusAddr string
	instant    bool
	degrees    bool
}

func newBridgeCmd(root *rootOptions) *cobra.Command {
	var flags bridgeFlags
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Attach a bridge and animate motion batches read from stdin",
		Long: `Reads one JSON motion batch per line from stdin, e.g.
  [{"joint":"elbow","angle":45,"time":0.5}]
and animates it on the configured joints. Every joint write is forwarded to
the actuator through the configured transport.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runBridge(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.transport, "transport", "", "override bridge.transport (websocket, serial, none)")
	cmd.Flags().StringVar(&flags.url, "url", "", "override bridge.websocket.url")
	cmd.Flags().StringVar(&flags.port, "port", "", "override bridge.serial.port")
	cmd.Flags().StringVar(&flags.statusAddr, "status-addr", "", "serve the status dashboard on this address")
	cmd.Flags().BoolVar(&flags.instant, "instant", false, "jump to targets instead of animating")
	cmd.Flags().BoolVar(&flags.degrees, "degrees", false, "treat every angle as degrees")
	return cmd
}

func (f bridgeFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("transport") {
		cfg.Bridge.Transport = f.transport
	}
	if cmd.Flags().Changed("url") {
		cfg.Bridge.Websocket.URL = f.url
	}
	if cmd.Flags().Changed("port") {
		cfg.Bridge.Serial.Port = f.port
	}
	if cmd.Flags().Changed("status-addr") {
		cfg.Bridge.StatusAddr = f.statusAddr
	}
	if f.instant {
		cfg.Motion.Instant = true
	}
	if f.degrees {
		cfg.Motion.AssumeDegrees = true
	}
}

// actuator is what the CLI needs from either bridge variant
type actuator interface {
	Connect(ctx context.Context) error
	Status() bridge.Status
	Stats() bridge.Stats
	Close() <-chan struct{}
}

// batchResult is printed to stdout for every applied batch
type batchResult struct {
	Targets []joint.Target `json:"targets"`
	Skipped []motion.Skip  `json:"skipped,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func runBridge(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := mlog.Component("bridge").With("session", uuid.NewString())

	model := joint.NewModel(cfg.Model.JointSpecs())
	restore := joint.EnforceLimits(model.Slot(), model)
	defer restore()

	var dash atomic.Pointer[web.Server]
	opts := cfg.Bridge.Options()
	opts.Logger = logger
	opts.OnStatus = statusLogger(logger, func(st bridge.Status) {
		if d := dash.Load(); d != nil {
			d.RecordStatus(st)
		}
	})

	act, err := newActuator(cfg, model, opts, logger)
	if err != nil {
		return err
	}
	if act != nil {
		defer func() { <-act.Close() }()
		if !(cfg.Bridge.Transport == config.TransportSerial && cfg.Bridge.Serial.AutoConnect) {
			if err := act.Connect(ctx); err != nil {
				return err
			}
		}
	}

	resolver := resolve.New(model, cfg.Resolver.JointMap, cfg.Resolver.Policy())
	animator := motion.NewAnimator(model, resolver, motion.Config{Logger: logger})
	defer animator.Stop()

	if cfg.Bridge.StatusAddr != "" {
		wopts := web.Options{
			Joints:   model,
			Animator: animator,
			Motion:   cfg.Motion.Options(),
			Status:   hub.New("status", mlog.Component("hub")),
			Logger:   logger,
		}
		if act != nil {
			wopts.Bridge = act
		}
		d := web.NewServer(wopts)
		dash.Store(d)
		model.OnRedraw(d.PublishJoints)
		go func() {
			if err := d.ListenAndServe(ctx, cfg.Bridge.StatusAddr); err != nil {
				logger.Warn("dashboard stopped", "error", err)
			}
		}()
	}

	err = readBatches(ctx, in, func(line string) error {
		return applyBatch(ctx, animator, cfg.Motion.Options(), line, out, logger)
	})
	if act != nil {
		drain(ctx, act, bridge.FlushPeriod(cfg.Bridge.SendHz, cfg.Bridge.FlushInterval))
	}
	return err
}

// drain gives queued joint values a chance to reach the actuator before the
// bridge is closed, which discards them.
func drain(ctx context.Context, act actuator, period time.Duration) {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for act.Stats().Pending > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
	// the last batch may still be in flight
	select {
	case <-ctx.Done():
	case <-time.After(period):
	}
}

// newActuator builds the configured bridge. The none transport returns nil.
func newActuator(cfg config.Config, model *joint.Model, opts bridge.Options, logger *slog.Logger) (actuator, error) {
	switch cfg.Bridge.Transport {
	case config.TransportWebsocket:
		return bridge.NewNetwork(model, bridge.NetworkOptions{
			Options: opts,
			URL:     cfg.Bridge.Websocket.URL,
			Dialer:  transport.NewWebsocketDialer(cfg.Bridge.Websocket.HandshakeTimeout),
		}), nil

	case config.TransportSerial:
		name := cfg.Bridge.Serial.Port
		if name == "" {
			ports, err := transport.CandidatePorts()
			if err != nil {
				return nil, fmt.Errorf("list serial ports: %w", err)
			}
			if len(ports) == 0 {
				return nil, transport.ErrNoPort
			}
			name = ports[0].Name
			logger.Info("using detected serial port", "port", name, "candidates", len(ports))
		}
		return bridge.NewSerial(model, bridge.SerialOptions{
			Options:     opts,
			Transport:   transport.NewSerialPort(name, cfg.Bridge.Serial.Baud),
			Positions:   cfg.Bridge.Serial.Positions(),
			AutoConnect: cfg.Bridge.Serial.AutoConnect,
		}), nil

	case config.TransportNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported transport %q", cfg.Bridge.Transport)
}

// statusLogger logs connection changes at info and telemetry at debug, then
// forwards every status to next.
func statusLogger(logger *slog.Logger, next func(bridge.Status)) func(bridge.Status) {
	var last atomic.Pointer[bridge.Status]
	return func(st bridge.Status) {
		prev := last.Swap(&st)
		switch {
		case st.LastError != "":
			logger.Warn("bridge status", "connected", st.Connected, "error", st.LastError)
		case prev == nil || prev.Connected != st.Connected:
			logger.Info("bridge status", "connected", st.Connected)
		default:
			logger.Debug("telemetry", "ts", st.LastStateTS)
		}
		if next != nil {
			next(st)
		}
	}
}

// readBatches calls fn for every non-empty line until EOF or ctx is done.
func readBatches(ctx context.Context, in io.Reader, fn func(line string) error) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := fn(line); err != nil {
				return err
			}
		}
	}
}

// applyBatch animates one line and waits for it before reporting.
func applyBatch(ctx context.Context, animator *motion.Animator, opts motion.Options, line string, out io.Writer, logger *slog.Logger) error {
	enc := json.NewEncoder(out)

	motions, err := motion.ParseMotions([]byte(line))
	if err != nil {
		logger.Warn("bad motion batch", "error", err)
		return enc.Encode(batchResult{Error: err.Error()})
	}

	run := animator.Apply(motions, opts)
	if err := run.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return enc.Encode(batchResult{Targets: run.Targets(), Skipped: run.Skipped()})
}
