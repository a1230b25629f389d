package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-mechaverse/pkg/transport"
)

func newPortsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List USB serial ports that may host an actuator bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.CandidatePorts()
			if err != nil {
				return fmt.Errorf("list serial ports: %w", err)
			}
			return printPorts(cmd.OutOrStdout(), ports, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printPorts(w io.Writer, ports []transport.PortInfo, asJSON bool) error {
	if asJSON {
		if ports == nil {
			ports = []transport.PortInfo{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ports)
	}
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "no candidate serial ports found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tVID:PID\tPRODUCT")
	for _, p := range ports {
		id := "-"
		if p.VID != "" || p.PID != "" {
			id = p.VID + ":" + p.PID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, id, p.Product)
	}
	return tw.Flush()
}
