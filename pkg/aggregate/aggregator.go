// Package aggregate implements the Aggregator (Monitor): in-memory
// accumulation of measurements into time-bucketed aggregation
// records, periodic flush to the item store, and the merge algebra
// used both on flush and on read-time downsampling.
package aggregate

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/paasd/pkg/itemstore"
	"github.com/cuemby/paasd/pkg/log"
	"github.com/cuemby/paasd/pkg/paaserr"
)

// DefaultStep is the width of one aggregation bucket. At roughly 1 KB
// per record, ten-minute buckets keep a year of history under 55 MiB.
const DefaultStep = 10 * 60

const (
	tableName    = "aggregations"
	infoTable    = "info"
	dailyIDsKey  = "daily_ids"
	monthlyIDKey = "monthly_ids"
)

// hashID folds an arbitrary value into a 56-bit integer, matching the
// teacher lineage's md5-and-truncate scheme so the same visitor hashes
// to the same id-set member regardless of process restarts.
func hashID(v any) uint64 {
	sum := md5.Sum([]byte(fmt.Sprintf("%v", v)))
	n, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:14], 16, 64)
	return n
}

// Aggregator owns the current in-memory bucket for one group and its
// durable backing table in an item store. Multiple Aggregators may
// share a store; each owns its own current bucket and id-sets.
type Aggregator struct {
	store *itemstore.Store
	group string
	step  int64
	now   func() time.Time

	mu          sync.Mutex
	current     Bucket
	currentStop int64
	dailyIDs    map[string]map[uint64]struct{}
	monthlyIDs  map[string]map[uint64]struct{}

	flushCh chan Bucket
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewAggregator creates an Aggregator backed by store, restoring any
// daily/monthly id-sets persisted under the info table if they belong
// to the current UTC day/month, and starts its flush worker.
func NewAggregator(store *itemstore.Store, group string, step int64) (*Aggregator, error) {
	if step <= 0 {
		step = DefaultStep
	}
	if err := store.Ensure(tableName, []itemstore.Index{{Field: "time_key", Unique: true}}); err != nil {
		return nil, paaserr.New(paaserr.Integrity, "aggregator.ensure aggregations", err)
	}
	if err := store.Ensure(infoTable, []itemstore.Index{{Field: "key", Unique: true}}); err != nil {
		return nil, paaserr.New(paaserr.Integrity, "aggregator.ensure info", err)
	}

	a := &Aggregator{
		store:      store,
		group:      group,
		step:       step,
		now:        time.Now,
		dailyIDs:   map[string]map[uint64]struct{}{},
		monthlyIDs: map[string]map[uint64]struct{}{},
		flushCh:    make(chan Bucket, 64),
		done:       make(chan struct{}),
	}
	a.current = a.newCurrentBucket()
	a.currentStop = a.current.TimeStop
	a.restoreIDSets()

	a.wg.Add(1)
	go a.flushWorker()
	return a, nil
}

func (a *Aggregator) newCurrentBucket() Bucket {
	now := a.now()
	blockTime := (now.Unix() / a.step) * a.step
	return NewBucket(blockTime, a.step, now)
}

// restoreIDSets reloads the daily/monthly id-sets from the info table
// if the persisted record's day/month prefix matches today's, so a
// restart mid-day doesn't let dcount/mcount double-count a visitor.
func (a *Aggregator) restoreIDSets() {
	day := a.current.TimeKey[:10]
	month := a.current.TimeKey[:7]

	if rec, found, err := a.store.SelectOne(infoTable, "key", dailyIDsKey+":"+a.group); err == nil && found {
		if tk, _ := rec["time_key"].(string); tk == day {
			a.dailyIDs = decodeIDSets(rec)
		}
	}
	if rec, found, err := a.store.SelectOne(infoTable, "key", monthlyIDKey+":"+a.group); err == nil && found {
		if tk, _ := rec["time_key"].(string); tk == month {
			a.monthlyIDs = decodeIDSets(rec)
		}
	}
}

func decodeIDSets(rec map[string]any) map[string]map[uint64]struct{} {
	out := map[string]map[uint64]struct{}{}
	for key, raw := range rec {
		if key == "key" || key == "time_key" {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		set := make(map[uint64]struct{}, len(list))
		for _, v := range list {
			switch n := v.(type) {
			case float64:
				set[uint64(n)] = struct{}{}
			case string:
				if parsed, err := strconv.ParseUint(n, 10, 64); err == nil {
					set[parsed] = struct{}{}
				}
			}
		}
		out[key] = set
	}
	return out
}

// Put routes a batch of "name|type[|unit] -> value" measurements into
// the current bucket under a single lock, matching the spec's
// single-transaction put() contract. It returns, per key, whether the
// value was accepted (meaningful for dcount/mcount).
func (a *Aggregator) Put(measurements map[string]any) map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maybeRolloverLocked()

	accepted := make(map[string]bool, len(measurements))
	for key, value := range measurements {
		accepted[key] = a.putLocked(key, value)
	}
	return accepted
}

// PutOne is the single-measurement form of Put.
func (a *Aggregator) PutOne(key string, value any) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maybeRolloverLocked()
	return a.putLocked(key, value)
}

func (a *Aggregator) putLocked(key string, value any) bool {
	name, typ, unit, err := SplitKey(key)
	if err != nil {
		log.Errorf("aggregate: invalid measurement key", err)
		return false
	}
	_ = name
	_ = unit

	switch typ {
	case Count:
		delta := int64(1)
		if value != nil {
			f, err := toFloat(value)
			if err != nil {
				log.Errorf(fmt.Sprintf("aggregate: put %s", key), err)
				return false
			}
			delta = int64(f)
		}
		a.current.PutCount(key, delta)
		return true
	case DCount:
		if value == nil {
			return false
		}
		return a.putDistinct(a.dailyIDs, key, value)
	case MCount:
		if value == nil {
			return false
		}
		return a.putDistinct(a.monthlyIDs, key, value)
	case Cat:
		if value == nil {
			return false
		}
		s := fmt.Sprintf("%v", value)
		if s == "" {
			return false
		}
		a.current.PutCat(key, s)
		return true
	case Num:
		if value == nil {
			return false
		}
		f, err := toFloat(value)
		if err != nil {
			log.Errorf(fmt.Sprintf("aggregate: put %s", key), err)
			return false
		}
		a.current.PutNum(key, f)
		return true
	default:
		log.Error(fmt.Sprintf("aggregate: unknown measurement type %q in key %q", typ, key))
		return false
	}
}

func (a *Aggregator) putDistinct(sets map[string]map[uint64]struct{}, key string, value any) bool {
	id := hashID(value)
	set := sets[key]
	if set == nil {
		set = map[uint64]struct{}{}
		sets[key] = set
	}
	if _, seen := set[id]; seen {
		return false
	}
	set[id] = struct{}{}
	a.current.PutDistinct(key)
	return true
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", value, value)
	}
}

// maybeRolloverLocked swaps out the current bucket for a fresh one
// once its window has elapsed, enqueueing the outgoing bucket for the
// flush worker. The caller must hold a.mu.
func (a *Aggregator) maybeRolloverLocked() {
	if a.now().Unix() <= a.currentStop {
		return
	}
	old := a.nextBucketLocked()
	select {
	case a.flushCh <- old:
	default:
		log.Error("aggregate: flush queue full, dropping a bucket")
	}
}

// nextBucketLocked replaces the current bucket and returns the one it
// replaced, clearing id-sets whose scope (day/month) has rolled over.
// The caller must hold a.mu.
func (a *Aggregator) nextBucketLocked() Bucket {
	oldDay := a.current.TimeKey[:10]
	oldMonth := a.current.TimeKey[:7]

	old := a.current
	now := a.now()
	if now.Unix() < old.TimeStop {
		old.TimeStop = now.Unix()
	}

	a.current = a.newCurrentBucket()
	a.currentStop = a.current.TimeStop

	if a.current.TimeKey[:10] != oldDay {
		a.dailyIDs = map[string]map[uint64]struct{}{}
	}
	if a.current.TimeKey[:7] != oldMonth {
		a.monthlyIDs = map[string]map[uint64]struct{}{}
	}
	return old
}

// GetAggregations returns the on-disk buckets whose time_key falls
// within [firstDay, lastDay] inclusive (UTC calendar dates), plus a
// copy of the current in-memory bucket if lastDay is today, sorted by
// time_key.
func (a *Aggregator) GetAggregations(firstDay, lastDay time.Time) ([]Bucket, error) {
	first := firstDay.Format("2006-01-02")
	lastExclusive := lastDay.AddDate(0, 0, 1).Format("2006-01-02")

	rows, err := a.store.SelectAll(tableName)
	if err != nil {
		return nil, paaserr.New(paaserr.Integrity, "aggregator.GetAggregations", err)
	}

	var out []Bucket
	for _, rec := range rows {
		tk, _ := rec["time_key"].(string)
		day := tk
		if len(day) > 10 {
			day = day[:10]
		}
		if day >= first && day < lastExclusive {
			out = append(out, recordToBucket(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeKey < out[j].TimeKey })

	today := a.now().UTC()
	todayDate := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	lastDate := time.Date(lastDay.Year(), lastDay.Month(), lastDay.Day(), 0, 0, 0, 0, time.UTC)
	if lastDate.Equal(todayDate) {
		a.mu.Lock()
		cur := a.current.Clone()
		a.mu.Unlock()
		if !cur.IsEmpty() {
			out = append(out, cur)
		}
	}
	return out, nil
}

// Flush forces the current bucket to the flush worker immediately,
// regardless of whether its window has elapsed. Used for graceful
// shutdown and by tests.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	old := a.nextBucketLocked()
	a.mu.Unlock()
	if old.IsEmpty() {
		return
	}
	a.flushCh <- old
}

// Close drains the flush worker: it flushes the current bucket, waits
// for the queue to empty, then stops the worker goroutine.
func (a *Aggregator) Close() {
	a.Flush()
	close(a.done)
	a.wg.Wait()
}

func (a *Aggregator) flushWorker() {
	defer a.wg.Done()
	for {
		select {
		case b := <-a.flushCh:
			a.writeBucket(b)
		case <-a.done:
			for {
				select {
				case b := <-a.flushCh:
					a.writeBucket(b)
				default:
					return
				}
			}
		}
	}
}

// writeBucket merges b into any existing row for the same time_key
// and writes it back, then persists the current id-sets so a restart
// mid-day can restore them. Errors are logged; in-memory state for
// the next bucket is untouched either way.
func (a *Aggregator) writeBucket(b Bucket) {
	if b.IsEmpty() {
		return
	}
	err := a.store.Update(func(tx *itemstore.Tx) error {
		existing, found, err := tx.SelectOne(tableName, "time_key", b.TimeKey)
		if err != nil {
			return err
		}
		record := bucketToRecord(b)
		if found {
			record = bucketToRecord(MergeBuckets(recordToBucket(existing), b))
		}
		return tx.Put(tableName, record)
	})
	if err != nil {
		log.Errorf(fmt.Sprintf("aggregate: failed to flush bucket %s for group %s", b.TimeKey, a.group), err)
		return
	}

	a.mu.Lock()
	dailyRec := idSetRecord(dailyIDsKey+":"+a.group, a.current.TimeKey[:10], a.dailyIDs)
	monthlyRec := idSetRecord(monthlyIDKey+":"+a.group, a.current.TimeKey[:7], a.monthlyIDs)
	a.mu.Unlock()

	if err := a.store.Update(func(tx *itemstore.Tx) error {
		if err := tx.Put(infoTable, dailyRec); err != nil {
			return err
		}
		return tx.Put(infoTable, monthlyRec)
	}); err != nil {
		log.Errorf(fmt.Sprintf("aggregate: failed to persist id-sets for group %s", a.group), err)
	}
}

func idSetRecord(key, timeKey string, sets map[string]map[uint64]struct{}) map[string]any {
	rec := map[string]any{"key": key, "time_key": timeKey}
	for k, set := range sets {
		ids := make([]any, 0, len(set))
		for id := range set {
			ids = append(ids, strconv.FormatUint(id, 10))
		}
		rec[k] = ids
	}
	return rec
}

// bucketToRecord and recordToBucket convert between the in-memory
// Bucket type and the flat map[string]any an item store record is.
func bucketToRecord(b Bucket) map[string]any {
	rec := map[string]any{
		"time_key":   b.TimeKey,
		"time_start": float64(b.TimeStart),
		"time_stop":  float64(b.TimeStop),
	}
	for key, v := range b.Values {
		_, typ, _, err := SplitKey(key)
		if err != nil {
			continue
		}
		switch typ {
		case Count, DCount, MCount:
			n, _ := v.(int64)
			rec[key] = float64(n)
		case Cat:
			d, _ := v.(map[string]int64)
			cat := make(map[string]any, len(d))
			for k, c := range d {
				cat[k] = float64(c)
			}
			rec[key] = cat
		case Num:
			w, _ := v.(Welford)
			rec[key] = map[string]any{
				"min": w.Min, "max": w.Max, "n": float64(w.N),
				"mean": w.Mean, "magic": w.Magic,
			}
		}
	}
	return rec
}

func recordToBucket(rec map[string]any) Bucket {
	b := Bucket{Values: map[string]any{}}
	if tk, ok := rec["time_key"].(string); ok {
		b.TimeKey = tk
	}
	if ts, ok := rec["time_start"].(float64); ok {
		b.TimeStart = int64(ts)
	}
	if ts, ok := rec["time_stop"].(float64); ok {
		b.TimeStop = int64(ts)
	}
	for key, v := range rec {
		if key == "time_key" || key == "time_start" || key == "time_stop" {
			continue
		}
		_, typ, _, err := SplitKey(key)
		if err != nil {
			continue
		}
		switch typ {
		case Count, DCount, MCount:
			if n, ok := v.(float64); ok {
				b.Values[key] = int64(n)
			}
		case Cat:
			if d, ok := v.(map[string]any); ok {
				cat := make(map[string]int64, len(d))
				for k, c := range d {
					if cf, ok := c.(float64); ok {
						cat[k] = int64(cf)
					}
				}
				b.Values[key] = cat
			}
		case Num:
			if d, ok := v.(map[string]any); ok {
				w := Welford{}
				if f, ok := d["min"].(float64); ok {
					w.Min = f
				}
				if f, ok := d["max"].(float64); ok {
					w.Max = f
				}
				if f, ok := d["n"].(float64); ok {
					w.N = int64(f)
				}
				if f, ok := d["mean"].(float64); ok {
					w.Mean = f
				}
				if f, ok := d["magic"].(float64); ok {
					w.Magic = f
				}
				b.Values[key] = w
			}
		}
	}
	return b
}
