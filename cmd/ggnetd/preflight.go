package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itcaffenet/ggnet/internal/config"
)

var cmdPreflight = &cobra.Command{
	Use:   "preflight",
	Short: "run the pre-flight checks once and print the report",
	RunE:  runPreflight,
}

func init() {
	root.AddCommand(cmdPreflight)
}

func runPreflight(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	report := eng.preflight.Run(context.Background())
	for _, c := range report.Checks {
		status := "OK"
		if !c.OK {
			status = "FAIL"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%-4s] %-24s %s\n", status, c.Name, c.Message)
	}

	if !report.Green {
		return &startupError{err: errPreflightRed}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "all checks green")
	return nil
}
