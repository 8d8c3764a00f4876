package aggregate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/paasd/pkg/itemstore"
	"github.com/stretchr/testify/require"
)

func openTestAggregator(t *testing.T, step int64) (*Aggregator, *itemstore.Store) {
	t.Helper()
	store, err := itemstore.Open(filepath.Join(t.TempDir(), "agg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agg, err := NewAggregator(store, "stats", step)
	require.NoError(t, err)
	t.Cleanup(agg.Close)
	return agg, store
}

func TestPutCountAccumulatesInCurrentBucket(t *testing.T) {
	agg, _ := openTestAggregator(t, DefaultStep)

	require.True(t, agg.PutOne("requests|count", nil))
	require.True(t, agg.PutOne("requests|count", nil))
	require.True(t, agg.PutOne("requests|count", nil))

	agg.mu.Lock()
	got := agg.current.Values["requests|count"]
	agg.mu.Unlock()
	require.EqualValues(t, 3, got)
}

func TestPutCountAddsExplicitValue(t *testing.T) {
	agg, _ := openTestAggregator(t, DefaultStep)

	require.True(t, agg.PutOne("bar|count", 2))
	require.True(t, agg.PutOne("bar|count", 3))

	agg.mu.Lock()
	got := agg.current.Values["bar|count"]
	agg.mu.Unlock()
	require.EqualValues(t, 5, got)
}

func TestPutDCountOnlyAcceptsFirstOccurrencePerDay(t *testing.T) {
	agg, _ := openTestAggregator(t, DefaultStep)

	require.True(t, agg.PutOne("visits|dcount", "1.2.3.4-chrome"))
	require.False(t, agg.PutOne("visits|dcount", "1.2.3.4-chrome"))
	require.True(t, agg.PutOne("visits|dcount", "5.6.7.8-firefox"))

	agg.mu.Lock()
	got := agg.current.Values["visits|dcount"]
	agg.mu.Unlock()
	require.EqualValues(t, 2, got)
}

func TestPutCatTalliesPerValue(t *testing.T) {
	agg, _ := openTestAggregator(t, DefaultStep)

	require.True(t, agg.PutOne("path|cat", "/a"))
	require.True(t, agg.PutOne("path|cat", "/a"))
	require.True(t, agg.PutOne("path|cat", "/b"))

	agg.mu.Lock()
	got := agg.current.Values["path|cat"].(map[string]int64)
	agg.mu.Unlock()
	require.EqualValues(t, 2, got["/a"])
	require.EqualValues(t, 1, got["/b"])
}

func TestPutNumTracksWelford(t *testing.T) {
	agg, _ := openTestAggregator(t, DefaultStep)

	for _, v := range []float64{2.1, 2.3, 2.0, 2.4, 2.2} {
		require.True(t, agg.PutOne("rtime|num|s", v))
	}

	agg.mu.Lock()
	w := agg.current.Values["rtime|num|s"].(Welford)
	agg.mu.Unlock()
	require.EqualValues(t, 5, w.N)
	require.InDelta(t, 2.0, w.Min, 1e-9)
	require.InDelta(t, 2.4, w.Max, 1e-9)
}

func TestFlushWritesBucketAndMergesOnSecondFlush(t *testing.T) {
	agg, store := openTestAggregator(t, DefaultStep)

	agg.PutOne("requests|count", nil)
	agg.PutOne("requests|count", nil)
	agg.Flush()

	// Give the async worker a moment to drain the channel.
	deadline := time.Now().Add(2 * time.Second)
	var rows []map[string]any
	for time.Now().Before(deadline) {
		var err error
		rows, err = store.SelectAll("aggregations")
		require.NoError(t, err)
		if len(rows) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, rows, 1)
	require.EqualValues(t, 2, rows[0]["requests|count"])

	agg.PutOne("requests|count", nil)
	agg.Flush()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, _ = store.SelectAll("aggregations")
		if len(rows) == 1 {
			if v, _ := rows[0]["requests|count"].(float64); v == 3 {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, rows, 1)
	require.EqualValues(t, 3, rows[0]["requests|count"])
}

func TestRolloverStartsFreshBucketAndClearsDailyIDsOnNewDay(t *testing.T) {
	agg, _ := openTestAggregator(t, 1)
	fakeNow := time.Now().UTC()
	agg.now = func() time.Time { return fakeNow }
	agg.current = agg.newCurrentBucket()
	agg.currentStop = agg.current.TimeStop

	require.True(t, agg.PutOne("visits|dcount", "a"))

	fakeNow = fakeNow.Add(24 * time.Hour)
	agg.PutOne("requests|count", nil) // triggers rollover as a side effect

	require.True(t, agg.PutOne("visits|dcount", "a"), "id-set must reset on a new UTC day")
}
