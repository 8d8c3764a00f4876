package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/cuemby/paasd/pkg/config"
)

// serverInitCmd writes config.toml's [init] table. The interactive
// wizard prompting for these values is out of scope; this subcommand
// takes them as flags instead, still exercising the real config
// load/save and bcrypt paths rather than standing in as a no-op stub.
var serverInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the admin init settings to config.toml",
	RunE:  runServerInit,
}

func init() {
	serverInitCmd.Flags().String("domain", "", "Base domain this host serves (required)")
	serverInitCmd.Flags().String("email", "", "Admin email, used for ACME registration by the router")
	serverInitCmd.Flags().String("auth-user", "admin", "Basic-auth username guarding the stats dashboard")
	serverInitCmd.Flags().String("auth-pass", "", "Basic-auth password guarding the stats dashboard (required)")
	_ = serverInitCmd.MarkFlagRequired("domain")
	_ = serverInitCmd.MarkFlagRequired("auth-pass")
}

func runServerInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
	domain, _ := cmd.Flags().GetString("domain")
	email, _ := cmd.Flags().GetString("email")
	authUser, _ := cmd.Flags().GetString("auth-user")
	authPass, _ := cmd.Flags().GetString("auth-pass")

	hash, err := config.HashPassword(authPass)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	path := filepath.Join(dataDir, "config.toml")
	existing, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load existing config: %w", err)
	}

	existing.Init = config.InitConfig{
		Domain:       domain,
		Email:        email,
		AuthUser:     authUser,
		AuthPassHash: hash,
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(existing); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("✓ Wrote %s\n", path)
	fmt.Printf("  Domain: %s\n", domain)
	fmt.Printf("  Auth user: %s\n", authUser)
	return nil
}
