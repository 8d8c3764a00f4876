package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/paasd/pkg/keys"
)

func defaultPrivateKeyPath(dataDir string) string {
	return filepath.Join(dataDir, "id_paas")
}

// keyInitCmd generates a keypair at the default location, unless one
// already exists there, and prints the authorized_keys line to add on
// the server — the one-time setup path for a new operator.
var keyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default keypair if one does not already exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
		path := defaultPrivateKeyPath(dataDir)

		if _, err := os.Stat(path); err == nil {
			priv, err := loadPrivateKey(path, "")
			if err != nil {
				return err
			}
			fmt.Printf("Key already exists at %s\n", path)
			fmt.Printf("Public key: %s\n", priv.PublicKey().ToString())
			return nil
		}

		return generateAndSave(dataDir, path, "")
	},
}

// keyGenCmd always generates a fresh keypair, optionally encrypted
// with a passphrase, and writes it to --out (default path, or stdout
// with --stdout).
var keyGenCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a new keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
		out, _ := cmd.Flags().GetString("out")
		passphrase, _ := cmd.Flags().GetString("passphrase")
		toStdout, _ := cmd.Flags().GetBool("stdout")

		if out == "" {
			out = defaultPrivateKeyPath(dataDir)
		}
		if toStdout {
			priv, err := keys.Generate()
			if err != nil {
				return fmt.Errorf("failed to generate keypair: %w", err)
			}
			str, err := priv.ToString(passphrase)
			if err != nil {
				return fmt.Errorf("failed to serialize private key: %w", err)
			}
			fmt.Println(str)
			fmt.Fprintf(os.Stderr, "Public key: %s\n", priv.PublicKey().ToString())
			return nil
		}
		return generateAndSave(dataDir, out, passphrase)
	},
}

func init() {
	keyGenCmd.Flags().String("out", "", "Path to write the private key (default: <data-dir>/id_paas)")
	keyGenCmd.Flags().String("passphrase", "", "Encrypt the private key with this passphrase")
	keyGenCmd.Flags().Bool("stdout", false, "Print the private key to stdout instead of writing a file")
}

// keyGetCmd reads a private key file and prints the public key string
// to append to the server's authorized_keys.
var keyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the public key for an existing private key file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
		in, _ := cmd.Flags().GetString("in")
		passphrase, _ := cmd.Flags().GetString("passphrase")
		if in == "" {
			in = defaultPrivateKeyPath(dataDir)
		}

		priv, err := loadPrivateKey(in, passphrase)
		if err != nil {
			return err
		}
		fmt.Println(priv.PublicKey().ToString())
		return nil
	},
}

func init() {
	keyGetCmd.Flags().String("in", "", "Path to the private key (default: <data-dir>/id_paas)")
	keyGetCmd.Flags().String("passphrase", "", "Passphrase, if the private key is encrypted")
}

func generateAndSave(dataDir, path, passphrase string) error {
	priv, err := keys.Generate()
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}
	str, err := priv.ToString(passphrase)
	if err != nil {
		return fmt.Errorf("failed to serialize private key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(str), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	fmt.Printf("✓ Wrote private key to %s\n", path)
	fmt.Printf("Public key (add to the server's authorized_keys): %s\n", priv.PublicKey().ToString())
	return nil
}

func loadPrivateKey(path, passphrase string) (*keys.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", path, err)
	}
	priv, err := keys.PrivateKeyFromString(string(data), passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return priv, nil
}
