package daemon

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/paasd/pkg/log"
	"github.com/cuemby/paasd/pkg/manifest"
)

// maxPushBody mirrors the original daemon's 100 MiB upload limit.
const maxPushBody = 100 * 1 << 20

// handlePush implements POST /push: authenticate, verify the payload
// signature, extract the archive, and drive a deploy while streaming
// progress as the response body.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request", http.StatusMethodNotAllowed)
		return
	}

	fingerprint := s.authenticate(r)
	if fingerprint == "" {
		http.Error(w, "Access denied", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxPushBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	sig2 := r.URL.Query().Get("sig2")
	if sig2 != "" && !s.Authenticator.VerifyPayload(fingerprint, sig2, body) {
		http.Error(w, "Access denied", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	stream := func(line string) {
		_, _ = io.WriteString(w, line)
		if flusher != nil {
			flusher.Flush()
		}
	}

	s.runPush(r.Context(), fingerprint, body, stream)
}

// runPush is the push generator: waits for the single-writer gate,
// extracts the archive, and drives the orchestrator, yielding one
// line per step. The gate is released on every exit path.
func (s *Server) runPush(ctx context.Context, fingerprint string, body []byte, yield func(string)) {
	if !s.waitForGate(ctx, fingerprint, yield) {
		return
	}
	defer s.gate.release()

	log.Logger.Info().Str("fingerprint", fingerprint).Msg("deploy invoked")
	yield(fmt.Sprintf("Signature validated with public key (fingerprint %s).\n", fingerprint))
	yield("Let's deploy this!\n")

	yield("Extracting ...\n")
	if err := extractZip(body, s.DeployCacheDir); err != nil {
		yield("FAIL: " + err.Error())
		return
	}

	dockerfile, err := os.Open(filepath.Join(s.DeployCacheDir, "Dockerfile"))
	if err != nil {
		yield("FAIL: " + err.Error())
		return
	}
	m, err := manifest.Parse(dockerfile, s.Env)
	_ = dockerfile.Close()
	if err != nil {
		yield("FAIL: " + err.Error())
		return
	}

	err = s.Orchestrator.Deploy(ctx, m, s.DeployCacheDir, func(line string) {
		yield(line + "\n")
	})
	if err != nil {
		yield("FAIL: " + err.Error())
	}
}

// waitForGate acquires the single-writer gate, yielding a waiting
// message and heartbeat dots while another deploy holds it. Returns
// false if the request context is cancelled before the gate frees up.
func (s *Server) waitForGate(ctx context.Context, fingerprint string, yield func(string)) bool {
	acquired, holder := s.gate.tryAcquire(fingerprint)
	if acquired {
		return true
	}
	yield(fmt.Sprintf("Another deploy is in progress by %s. Please wait.\n", holder))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if ok, _ := s.gate.tryAcquire(fingerprint); ok {
				return true
			}
			yield(".")
		}
	}
}

// extractZip clears dir and extracts the zip archive in data into it,
// matching the original daemon's extractall-over-a-known-cache-dir
// behavior.
func extractZip(data []byte, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}

	for _, f := range zr.File {
		target := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
			return fmt.Errorf("zip entry escapes target directory: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
