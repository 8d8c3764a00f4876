package daemon

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTelemetryProducerDialsIngestAddr(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	tp, err := NewTelemetryProducer(pc.LocalAddr().String())
	require.NoError(t, err)
	require.NotNil(t, tp.conn)
	defer tp.conn.Close()
}

func TestSendWritesJSONDatagramWithGroup(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	tp, err := NewTelemetryProducer(pc.LocalAddr().String())
	require.NoError(t, err)
	defer tp.conn.Close()

	tp.send("web.1", map[string]any{"cpu|num|%": 12.5})

	buf := make([]byte, 4096)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf[:n], &got))
	require.Equal(t, "web.1", got["group"])
	require.Equal(t, 12.5, got["cpu|num|%"])
}

func TestNewTelemetryProducerRejectsBadAddr(t *testing.T) {
	_, err := NewTelemetryProducer("not a valid address")
	require.Error(t, err)
}
