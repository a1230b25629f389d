package main

import (
	"github.com/spf13/cobra"

	mlog "github.com/teslashibe/go-mechaverse/internal/log"
	"github.com/teslashibe/go-mechaverse/pkg/hub"
	"github.com/teslashibe/go-mechaverse/pkg/sim"
)

func newSimCmd(root *rootOptions) *cobra.Command {
	var addr, units string
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run an actuator simulator speaking the network bridge protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Sim.Addr = addr
			}
			if cmd.Flags().Changed("units") {
				cfg.Sim.Units = units
			}

			s, err := sim.New(sim.Options{
				Units:  cfg.Sim.Units,
				Status: hub.New("status", mlog.Component("hub")),
				Logger: mlog.Component("sim"),
			})
			if err != nil {
				return err
			}
			return s.ListenAndServe(cmd.Context(), cfg.Sim.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override sim.addr")
	cmd.Flags().StringVar(&units, "units", "", "override sim.units (rad, deg)")
	return cmd
}
