package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/paasd/pkg/config"
	"github.com/cuemby/paasd/pkg/container"
	"github.com/cuemby/paasd/pkg/deploy"
	"github.com/cuemby/paasd/pkg/manifest"
)

// serverDeployCmd drives a deploy directly against a local build
// context, bypassing the push HTTP round-trip — useful when running
// on the same host the daemon manages. It reuses the exact manifest
// and orchestrator code path /push drives, not a separate copy of it.
var serverDeployCmd = &cobra.Command{
	Use:   "deploy <dir>",
	Short: "Deploy the Dockerfile-directed build context at <dir> without going through the push HTTP API",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerDeploy,
}

func init() {
	serverDeployCmd.Flags().String("container-binary", container.DefaultBinary, "Container runtime CLI to shell out to")
}

func runServerDeploy(cmd *cobra.Command, args []string) error {
	dir := args[0]
	containerBinary, _ := cmd.Flags().GetString("container-binary")
	dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")

	cfg, err := config.Load(filepath.Join(dataDir, "config.toml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dockerfile, err := os.Open(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		return fmt.Errorf("failed to open Dockerfile: %w", err)
	}
	defer dockerfile.Close()

	m, err := manifest.Parse(dockerfile, cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	driver := container.New(containerBinary)
	orchestrator := deploy.New(driver)

	return orchestrator.Deploy(context.Background(), m, dir, func(line string) {
		fmt.Println(line)
	})
}
