package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "timeclockd",
		Short: "Timekeeping recompute queue service",
		Long: `timeclockd runs the timekeeping recompute queue: a durable, retrying
work queue that decouples device clock-out events from the recomputation of
an employee's daily totals, together with its worker loop and admin API.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
