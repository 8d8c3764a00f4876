package main

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/paasd/pkg/keys"
)

// pushCmd is the client-side counterpart to the daemon's POST /push:
// it archives a build context, signs the upload the way Authenticator
// expects, and streams the daemon's response to stdout as it arrives.
var pushCmd = &cobra.Command{
	Use:   "push <domain> <dockerfile|dir>",
	Short: "Zip a build context and push it to a paasd daemon for deploy",
	Args:  cobra.ExactArgs(2),
	RunE:  runPush,
}

func init() {
	pushCmd.Flags().String("daemon-url", "", "Daemon HTTP API base URL (default: http://<domain>:8022)")
	pushCmd.Flags().String("key", "", "Path to the private key (default: <data-dir>/id_paas)")
	pushCmd.Flags().String("passphrase", "", "Passphrase, if the private key is encrypted")
}

func runPush(cmd *cobra.Command, args []string) error {
	domain, path := args[0], args[1]
	dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
	daemonURL, _ := cmd.Flags().GetString("daemon-url")
	keyPath, _ := cmd.Flags().GetString("key")
	passphrase, _ := cmd.Flags().GetString("passphrase")

	if daemonURL == "" {
		daemonURL = fmt.Sprintf("http://%s:8022", domain)
	}
	if keyPath == "" {
		keyPath = defaultPrivateKeyPath(dataDir)
	}

	priv, err := loadPrivateKey(keyPath, passphrase)
	if err != nil {
		return err
	}

	body, err := buildPushArchive(path)
	if err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}

	token := strconv.FormatInt(time.Now().Unix(), 10) + "-" + uuid.NewString()
	sig1, err := priv.Sign([]byte(token))
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	sig2, err := priv.Sign(body)
	if err != nil {
		return fmt.Errorf("failed to sign payload: %w", err)
	}

	q := url.Values{"id": {priv.ID()}, "token": {token}, "sig1": {sig1}, "sig2": {sig2}}
	req, err := http.NewRequest(http.MethodPost, daemonURL+"/push?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/zip")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push failed with status %s", resp.Status)
	}
	return nil
}

// buildPushArchive zips path: the directory tree rooted at path if it
// is a directory, or a single "Dockerfile" entry if it is a file —
// matching what the daemon's extractZip expects at the archive root.
func buildPushArchive(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		w, err := zw.Create("Dockerfile")
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		return buf.Bytes(), zw.Close()
	}

	err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), zw.Close()
}
