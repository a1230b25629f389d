package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-mechaverse/pkg/joint"
	"github.com/teslashibe/go-mechaverse/pkg/resolve"
)

func newResolveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve NAME...",
		Short: "Resolve joint names against the configured model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			model := joint.NewModel(cfg.Model.JointSpecs())
			r := resolve.New(model, cfg.Resolver.JointMap, cfg.Resolver.Policy())

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, name := range args {
				if err := enc.Encode(r.Resolve(name)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
