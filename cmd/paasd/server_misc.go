package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// serverRestartCmd has no process-supervisor counterpart in this
// single-host, foreground-process model: `server start` runs the
// daemon, stats server, and telemetry pipeline as one process with no
// external restart hook to signal. It is registered, per the CLI
// surface's completeness requirement, but describes the action
// instead of performing it.
var serverRestartCmd = &cobra.Command{
	Use:   "restart {all|router|stats|daemon}",
	Short: "Restart a running subsystem (not implemented: no process supervisor)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("server restart %s: not implemented — this build runs as a single foreground process (see `paasd server start`); there is no supervisor to signal a restart to.\n", args[0])
		return nil
	},
}

// serverScheduleRebootCmd has no cron/scheduler component in this
// spec; registered for CLI-surface completeness only.
var serverScheduleRebootCmd = &cobra.Command{
	Use:   "schedule-reboot [when]",
	Short: "Schedule a host reboot (not implemented: no scheduler component)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		when := "now"
		if len(args) == 1 {
			when = args[0]
		}
		fmt.Printf("server schedule-reboot %s: not implemented — no scheduler/cron component exists in this control plane.\n", when)
		return nil
	},
}
