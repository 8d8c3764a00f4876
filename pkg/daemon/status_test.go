package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseStatsRowsSkipsHeader(t *testing.T) {
	out := "CONTAINER ID   NAME      CPU %     MEM USAGE / LIMIT\n" +
		"abc123         web.1     1.23%     45MiB / 512MiB\n" +
		"def456         worker.1  0.01%     12MiB / 512MiB\n"

	rows := parseStatsRows(out)
	require.Len(t, rows, 2)
	require.Equal(t, statsRow{id: "abc123", name: "web.1", cpu: "1.23%", mem: "45MiB"}, rows[0])
	require.Equal(t, statsRow{id: "def456", name: "worker.1", cpu: "0.01%", mem: "12MiB"}, rows[1])
}

func TestParseStatsRowsEmptyOutput(t *testing.T) {
	require.Empty(t, parseStatsRows(""))
	require.Empty(t, parseStatsRows("CONTAINER ID   NAME      CPU %     MEM USAGE / LIMIT\n"))
}

func TestUptimeFromStartTimeJoinsTwoLargestUnits(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	started := now.Add(-(25*time.Hour + 30*time.Minute))

	got := uptimeFromStartTime(started.Format(time.RFC3339Nano), now)
	require.Equal(t, "1 days 1 hours", got)
}

func TestUptimeFromStartTimeUnderAMinute(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 30, 0, time.UTC)
	started := now.Add(-15 * time.Second)

	require.Equal(t, "15 secs", uptimeFromStartTime(started.Format(time.RFC3339Nano), now))
}

func TestUptimeFromStartTimeInvalidInput(t *testing.T) {
	require.Equal(t, "unknown", uptimeFromStartTime("not-a-time", time.Now()))
}

func TestRenderContainerParagraphIncludesMountsAndLabels(t *testing.T) {
	row := statsRow{id: "abc123", name: "web.1", cpu: "1.23%", mem: "45MiB"}
	info := &inspectInfo{}
	info.State.Status = "running"
	info.State.StartedAt = time.Now().Add(-90 * time.Second).Format(time.RFC3339Nano)
	info.RestartCount = 2
	info.Config.Labels = map[string]string{"service": "web"}
	info.Mounts = append(info.Mounts, struct {
		Source      string `json:"Source"`
		Destination string `json:"Destination"`
	}{Source: "/data/web", Destination: "/app/data"})

	out := renderContainerParagraph(row, info)

	require.Contains(t, out, "Container web.1")
	require.Contains(t, out, "Current status: running")
	require.Contains(t, out, "2 restarts")
	require.Contains(t, out, "1.23%, 45MiB")
	require.Contains(t, out, "Has 1 mounts:")
	require.Contains(t, out, "/data/web : /app/data")
	require.Contains(t, out, "Has 1 labels:")
	require.Contains(t, out, "service = web")
}
