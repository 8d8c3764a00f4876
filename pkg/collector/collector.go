// Package collector implements the Telemetry Collector (C3): a
// dispatcher, keyed by group name, that fans incoming measurements
// out to per-group Aggregators, serves a short-TTL latest-value
// cache, and answers downsampled historical queries.
package collector

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/paasd/pkg/aggregate"
	"github.com/cuemby/paasd/pkg/itemstore"
	"github.com/cuemby/paasd/pkg/log"
	"github.com/cuemby/paasd/pkg/paaserr"
)

// reservedGroups is the fixed-order prefix that get_groups always
// pins to the front, ahead of any service groups sorted alphabetically.
// Not a const: a deployment that wants a different reserved ordering
// can rebind it before the daemon starts.
var reservedGroups = []string{"system", "stats", "router", "daemon"}

const (
	cpuLatestTTL     = 5 * time.Second
	defaultLatestTTL = 60 * time.Second
	downsampleLimit  = 150
)

var downsamplePrefixes = []int{16, 15, 13, 10, 7}

type latestValue struct {
	at    time.Time
	value any
}

// Collector owns one Aggregator per group, each backed by its own
// item store file under dbDir, and a short-lived cache of the most
// recent raw sample put for each group+key pair.
type Collector struct {
	dbDir string
	step  int64

	mu              sync.Mutex
	aggregators     map[string]*aggregate.Aggregator
	availableGroups map[string]struct{}
	lastValues      map[string]latestValue
}

// New creates a Collector rooted at dbDir (created if missing),
// pre-populating its known-groups set from any "<group>.db" files
// already present from a previous run.
func New(dbDir string, step int64) (*Collector, error) {
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, paaserr.New(paaserr.Config, "collector.New", err)
	}
	c := &Collector{
		dbDir:           dbDir,
		step:            step,
		aggregators:     map[string]*aggregate.Aggregator{},
		availableGroups: map[string]struct{}{},
		lastValues:      map[string]latestValue{},
	}
	entries, err := os.ReadDir(dbDir)
	if err != nil {
		return nil, paaserr.New(paaserr.Config, "collector.New", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".db") {
			c.availableGroups[strings.TrimSuffix(e.Name(), ".db")] = struct{}{}
		}
	}
	return c, nil
}

func (c *Collector) dbPath(group string) string {
	return filepath.Join(c.dbDir, group+".db")
}

// getAggregator returns the group's Aggregator, opening its backing
// store and constructing it lazily on first use.
func (c *Collector) getAggregator(group string) (*aggregate.Aggregator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.aggregators[group]; ok {
		return a, nil
	}
	store, err := itemstore.Open(c.dbPath(group))
	if err != nil {
		return nil, paaserr.New(paaserr.Integrity, "collector.getAggregator", err)
	}
	agg, err := aggregate.NewAggregator(store, group, c.step)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.aggregators[group] = agg
	c.availableGroups[group] = struct{}{}
	return agg, nil
}

// Put routes every key in measurements to group's Aggregator and
// records each as the group's latest raw sample for that key.
func (c *Collector) Put(group string, measurements map[string]any) error {
	agg, err := c.getAggregator(group)
	if err != nil {
		return err
	}
	now := time.Now()
	c.mu.Lock()
	for key, value := range measurements {
		c.lastValues[group+">"+key] = latestValue{at: now, value: value}
	}
	c.mu.Unlock()
	agg.Put(measurements)
	return nil
}

// PutOne routes a single measurement and reports whether it was
// accepted (meaningful for dcount/mcount, which reject repeats).
func (c *Collector) PutOne(group, key string, value any) (bool, error) {
	agg, err := c.getAggregator(group)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.lastValues[group+">"+key] = latestValue{at: time.Now(), value: value}
	c.mu.Unlock()
	return agg.PutOne(key, value), nil
}

// GetGroups enumerates known groups with the reserved set pinned to
// the front in its fixed order, followed by the rest alphabetically.
func (c *Collector) GetGroups() []string {
	c.mu.Lock()
	all := make(map[string]struct{}, len(c.availableGroups))
	for g := range c.availableGroups {
		all[g] = struct{}{}
	}
	c.mu.Unlock()

	out := make([]string, 0, len(all))
	for _, g := range reservedGroups {
		if _, ok := all[g]; ok {
			out = append(out, g)
			delete(all, g)
		}
	}
	rest := make([]string, 0, len(all))
	for g := range all {
		rest = append(rest, g)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// GetLatestValue returns the most recent raw sample put for
// group+key if it is within its type-appropriate TTL: 5s for the
// fast-changing cpu|num|% measurement, 60s for everything else.
func (c *Collector) GetLatestValue(group, key string) (any, bool) {
	c.mu.Lock()
	lv, ok := c.lastValues[group+">"+key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	ttl := defaultLatestTTL
	if key == "cpu|num|%" {
		ttl = cpuLatestTTL
	}
	if time.Since(lv.at) >= ttl {
		return nil, false
	}
	return lv.value, true
}

// GetData returns, per requested group, the sequence of aggregation
// buckets covering [today-(daysago+ndays-1) .. today-daysago] UTC,
// downsampled by progressively truncating time_key prefixes until at
// most 150 distinct keys remain, and framed with a zero-width stub
// bucket at each extreme so every group shares the same x-axis.
func (c *Collector) GetData(groups []string, ndays, daysago int) (map[string][]aggregate.Bucket, error) {
	today := time.Now().UTC()
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	lastDay := today.AddDate(0, 0, -daysago)
	firstDay := today.AddDate(0, 0, -(daysago + ndays - 1))

	rangeStart := firstDay.Unix()
	rangeStop := lastDay.AddDate(0, 0, 1).Unix()

	out := make(map[string][]aggregate.Bucket, len(groups))
	for _, group := range groups {
		agg, err := c.getAggregator(group)
		if err != nil {
			log.Errorf("collector: get_data: no aggregator for group "+group, err)
			out[group] = nil
			continue
		}
		buckets, err := agg.GetAggregations(firstDay, lastDay)
		if err != nil {
			log.Errorf("collector: get_data failed for group "+group, err)
			out[group] = nil
			continue
		}
		out[group] = downsampleAndFrame(buckets, rangeStart, rangeStop)
	}
	return out, nil
}

func downsampleAndFrame(buckets []aggregate.Bucket, rangeStart, rangeStop int64) []aggregate.Bucket {
	if len(buckets) == 0 {
		return nil
	}

	nchars := 20
	distinct := map[string]struct{}{}
	for _, b := range buckets {
		distinct[b.TimeKey] = struct{}{}
	}
	for _, n := range downsamplePrefixes {
		if len(distinct) <= downsampleLimit {
			break
		}
		nchars = n
		distinct = map[string]struct{}{}
		for _, b := range buckets {
			distinct[aggregate.TruncateTimeKey(b.TimeKey, n)] = struct{}{}
		}
	}

	merged := make([]aggregate.Bucket, 0, len(distinct))
	for _, b := range buckets {
		truncated := aggregate.TruncateTimeKey(b.TimeKey, nchars)
		if len(merged) > 0 && merged[len(merged)-1].TimeKey == truncated {
			merged[len(merged)-1] = aggregate.MergeBuckets(merged[len(merged)-1], b)
			continue
		}
		b = b.Clone()
		b.TimeKey = truncated
		merged = append(merged, b)
	}

	if len(merged) == 0 {
		return nil
	}

	framed := make([]aggregate.Bucket, 0, len(merged)+2)
	startStub := aggregate.Bucket{TimeStart: minInt64(rangeStart, merged[0].TimeStart), TimeStop: minInt64(rangeStart, merged[0].TimeStart)}
	framed = append(framed, startStub)
	framed = append(framed, merged...)
	endStub := aggregate.Bucket{TimeStart: maxInt64(rangeStop, merged[len(merged)-1].TimeStop), TimeStop: maxInt64(rangeStop, merged[len(merged)-1].TimeStop)}
	framed = append(framed, endStub)
	return framed
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Close flushes and stops every Aggregator this Collector has opened.
func (c *Collector) Close() {
	c.mu.Lock()
	aggs := make([]*aggregate.Aggregator, 0, len(c.aggregators))
	for _, a := range c.aggregators {
		aggs = append(aggs, a)
	}
	c.mu.Unlock()
	for _, a := range aggs {
		a.Close()
	}
}
