package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// handleStatus implements GET /status: authenticate identically to
// push, then stream a docker stats snapshot joined with per-container
// inspect output, one paragraph per container.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid request", http.StatusMethodNotAllowed)
		return
	}

	fingerprint := s.authenticate(r)
	if fingerprint == "" {
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

	s.runStatus(r.Context(), fingerprint, stream)
}

func (s *Server) runStatus(ctx context.Context, fingerprint string, yield func(string)) {
	yield(fmt.Sprintf("Signature validated with public key (fingerprint %s).\n", fingerprint))
	yield("Collecting status ...\n")

	statsOut, err := s.Driver.Stats(ctx)
	if err != nil {
		yield("FAIL: " + err.Error())
		return
	}

	for _, row := range parseStatsRows(statsOut) {
		info, err := s.inspectOne(ctx, row.id)
		if err != nil {
			yield(fmt.Sprintf("\nContainer %s: failed to inspect: %s\n", row.name, err))
			continue
		}
		yield(renderContainerParagraph(row, info))
	}
}

// statsRow is one line of "docker stats --no-stream" output, after the
// header: container id, name, cpu%, mem usage.
type statsRow struct {
	id, name, cpu, mem string
}

func parseStatsRows(out string) []statsRow {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 1 {
		return nil
	}
	rows := make([]statsRow, 0, len(lines)-1)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		rows = append(rows, statsRow{id: fields[0], name: fields[1], cpu: fields[2], mem: fields[3]})
	}
	return rows
}

// inspectInfo is the subset of "docker inspect" this handler reads.
type inspectInfo struct {
	State struct {
		Status    string `json:"Status"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	RestartCount int               `json:"RestartCount"`
	Config       struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	Mounts []struct {
		Source      string `json:"Source"`
		Destination string `json:"Destination"`
	} `json:"Mounts"`
}

func (s *Server) inspectOne(ctx context.Context, id string) (*inspectInfo, error) {
	raw, err := s.Driver.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	var infos []inspectInfo
	if err := json.Unmarshal([]byte(raw), &infos); err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("empty inspect result")
	}
	return &infos[0], nil
}

func renderContainerParagraph(row statsRow, info *inspectInfo) string {
	var b strings.Builder
	uptime := uptimeFromStartTime(info.State.StartedAt, time.Now().UTC())

	fmt.Fprintf(&b, "\nContainer %s\n", row.name)
	fmt.Fprintf(&b, "    Current status: %s, up %s, %d restarts\n", info.State.Status, uptime, info.RestartCount)
	fmt.Fprintf(&b, "    Resource usage: %s, %s\n", row.cpu, row.mem)

	fmt.Fprintf(&b, "    Has %d mounts:\n", len(info.Mounts))
	for _, m := range info.Mounts {
		if m.Source != "" && m.Destination != "" {
			fmt.Fprintf(&b, "        - %s : %s\n", m.Source, m.Destination)
		}
	}

	fmt.Fprintf(&b, "    Has %d labels:\n", len(info.Config.Labels))
	for label, val := range info.Config.Labels {
		fmt.Fprintf(&b, "        - %s = %s\n", label, val)
	}
	return b.String()
}

// uptimeFromStartTime parses a docker "StartedAt" timestamp
// ("2026-07-30T09:00:00.123456789Z") and formats the elapsed time as
// the two largest non-zero units, matching the original daemon's
// get_uptime_from_start_time.
func uptimeFromStartTime(startedAt string, now time.Time) string {
	started, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return "unknown"
	}

	total := int64(now.Sub(started).Seconds())
	if total < 0 {
		total = 0
	}

	var parts []string
	remaining := total
	if total >= 86400 {
		parts = append(parts, fmt.Sprintf("%d days", remaining/86400))
		remaining %= 86400
	}
	if total >= 3600 {
		parts = append(parts, fmt.Sprintf("%d hours", remaining/3600))
		remaining %= 3600
	}
	if total >= 60 {
		parts = append(parts, fmt.Sprintf("%d min", remaining/60))
		remaining %= 60
	}
	parts = append(parts, fmt.Sprintf("%d secs", remaining))

	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, " ")
}
