// Command paasd is the control-plane entrypoint: it wires the Item
// Store, Aggregator, Collector, UDP Ingest, Authenticator, Container
// Driver, Manifest Parser, and Deploy Orchestrator into the Daemon and
// Stats HTTP APIs, and hosts the operator-facing CLI surface around
// them, the way cmd/warren wires Warren's manager/scheduler/
// reconciler/API server around its own root command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/paasd/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paasd",
	Short: "paasd - a single-host Platform-as-a-Service control plane",
	Long: `paasd builds and deploys applications from a container image plus a
small set of routing/resource directives, places them behind a
reverse proxy, performs zero-downtime rollouts, and continuously
ingests operational telemetry exposed through a dashboard.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"paasd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", defaultDataDir(), "Root directory for config, keys, and telemetry state")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(pushCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "_mypaas"
	}
	return home + "/_mypaas"
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run and manage the paasd control plane",
}

func init() {
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverInitCmd)
	serverCmd.AddCommand(serverRestartCmd)
	serverCmd.AddCommand(serverDeployCmd)
	serverCmd.AddCommand(serverScheduleRebootCmd)
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generate and inspect push-authentication keypairs",
}

func init() {
	keyCmd.AddCommand(keyInitCmd)
	keyCmd.AddCommand(keyGenCmd)
	keyCmd.AddCommand(keyGetCmd)
}
