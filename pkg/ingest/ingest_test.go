package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRouterInfluxLines(t *testing.T) {
	text := "traefik.service.requests.total,service=web count=42 1690000000000000000\n" +
		"traefik.service.connections.open,service=web value=3 1690000000000000000\n" +
		"traefik.service.request.duration,service=web p50=0.012,p90=0.03 1690000000000000000\n"

	group, measurements, err := ParseDatagram([]byte(text))
	require.NoError(t, err)
	require.Equal(t, "router", group)
	require.EqualValues(t, 42, measurements["requests|count"])
	require.InDelta(t, 3.0, measurements["open connections|num"].(float64), 1e-9)
	require.InDelta(t, 0.012, measurements["duration|num|s"].(float64), 1e-9)
}

func TestParseJSONMapDefaultsGroupToOther(t *testing.T) {
	group, measurements, err := ParseDatagram([]byte(`{"requests|count": null}`))
	require.NoError(t, err)
	require.Equal(t, "other", group)
	_, ok := measurements["requests|count"]
	require.True(t, ok)
}

func TestParseJSONMapHonorsExplicitGroup(t *testing.T) {
	group, _, err := ParseDatagram([]byte(`{"group": "web", "requests|count": null}`))
	require.NoError(t, err)
	require.Equal(t, "web", group)
}

func TestParseJSONMapPageviewDerivesMeasurements(t *testing.T) {
	payload := `{
		"group": "web",
		"pageview": {
			"path": "/about.html",
			"status_code": 200,
			"response_time": 0.25,
			"referer": "https://example.com/search",
			"ip": "1.2.3.4",
			"user_agent": "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0",
			"accept_language": "en-US,en;q=0.9"
		}
	}`
	group, measurements, err := ParseDatagram([]byte(payload))
	require.NoError(t, err)
	require.Equal(t, "web", group)
	require.Equal(t, "200 - /about.html", measurements["path|cat"])
	require.Contains(t, measurements, "views|count")
	require.Equal(t, "example.com", measurements["referer|cat"])
	require.Equal(t, "1.2.3.4Mozilla/5.0 (Windows NT 10.0) Chrome/120.0", measurements["visits|dcount"])
	require.Equal(t, "windows - chrome", measurements["client|cat"])
	require.Equal(t, "en - us", measurements["language|cat"])
}

func TestParseJSONMapPageviewSkipsVisitDerivationForNonHTMLAsset(t *testing.T) {
	payload := `{"group": "web", "pageview": {"path": "/app.js"}}`
	_, measurements, err := ParseDatagram([]byte(payload))
	require.NoError(t, err)
	require.NotContains(t, measurements, "views|count")
	require.NotContains(t, measurements, "visits|dcount")
}

func TestParseStatsdGrammar(t *testing.T) {
	cases := []struct {
		line string
		key  string
	}{
		{"hits:1|c", "hits|count"},
		{"hits:1|m", "hits|count"},
		{"latency:150|ms", "latency|num|s"},
		{"queue_depth:7|h", "queue_depth|num"},
		{"connections:4|g", "connections|num"},
		{"region:eu|s", "region|cat"},
	}
	for _, tc := range cases {
		group, measurements, err := ParseDatagram([]byte(tc.line))
		require.NoError(t, err, tc.line)
		require.Equal(t, "other", group)
		require.Contains(t, measurements, tc.key, tc.line)
	}
}

func TestParseStatsdCountCarriesExplicitValue(t *testing.T) {
	_, measurements, err := ParseDatagram([]byte("bar:2|c"))
	require.NoError(t, err)
	require.InDelta(t, 2.0, measurements["bar|count"].(float64), 1e-9)
}

func TestParseStatsdTimingConvertsMillisecondsToSeconds(t *testing.T) {
	_, measurements, err := ParseDatagram([]byte("latency:1500|ms"))
	require.NoError(t, err)
	require.InDelta(t, 1.5, measurements["latency|num|s"].(float64), 1e-9)
}

func TestParseDatagramRejectsGarbage(t *testing.T) {
	_, _, err := ParseDatagram([]byte("not a valid datagram at all"))
	require.Error(t, err)
}
