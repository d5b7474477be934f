package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LliminM/rupair/internal/smt"
)

func newSolverCmd(state *cliState) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "solver",
		Short: "Show which solver backend a scan would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := state.load(cmd, map[string]string{
				"solver.backend": "solver",
				"solver.command": "solver-command",
			})
			if err != nil {
				return err
			}
			info := smt.Describe(cfg.SolverOptions())
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(out, "Backend:           %s\n", info.Backend)
			fmt.Fprintf(out, "Selected:          %s\n", info.Selected)
			fmt.Fprintf(out, "Process command:   %s\n", info.Command)
			fmt.Fprintf(out, "Process available: %t\n", info.ProcessAvailable)
			if info.Version != "" {
				fmt.Fprintf(out, "Process version:   %s\n", info.Version)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&asJSON, "json", false, "Print the status as JSON")
	f.String("solver", "native", "Solver backend: native, process (z3), auto")
	f.String("solver-command", smt.DefaultCommand, "Command line of the process solver")
	return cmd
}
