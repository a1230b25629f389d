package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-mechaverse/internal/config"
	mlog "github.com/teslashibe/go-mechaverse/internal/log"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		mlog.L().Error("mechaverse command failed", "error", err)
		return 1
	}
	return 0
}

// rootOptions are the persistent flags shared by every subcommand
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mechaverse",
		Short:         "Drive a robot arm from viewer joint values over websocket or serial",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/mechaverse/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newBridgeCmd(opts))
	root.AddCommand(newSimCmd(opts))
	root.AddCommand(newPortsCmd())
	root.AddCommand(newResolveCmd(opts))
	root.AddCommand(newFrameCmd())
	root.AddCommand(newConfigCmd(opts))

	return root
}

// load reads the config and initializes logging from it.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	mlog.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
