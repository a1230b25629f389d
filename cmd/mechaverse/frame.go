package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-mechaverse/pkg/protocol"
)

func newFrameCmd() *cobra.Command {
	var selectID int
	cmd := &cobra.Command{
		Use:   "frame [POSITION]",
		Short: "Print the serial frame for a position or a motor select",
		Example: `  mechaverse frame 512
  mechaverse frame --select 3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				frame [protocol.FrameSize]byte
				err   error
			)
			switch {
			case cmd.Flags().Changed("select"):
				if len(args) > 0 {
					return fmt.Errorf("--select takes no position argument")
				}
				frame, err = protocol.SelectFrame(selectID)
			case len(args) == 1:
				pos, perr := strconv.Atoi(args[0])
				if perr != nil {
					return fmt.Errorf("position %q: %w", args[0], perr)
				}
				frame, err = protocol.PositionFrame(pos)
			default:
				return fmt.Errorf("need a position or --select")
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "% x\n", frame[:])
			return err
		},
	}
	cmd.Flags().IntVar(&selectID, "select", 0, "encode a select frame for this motor id (254 broadcasts)")
	return cmd
}
