package aggregate

import (
	"fmt"
	"strings"
	"time"
)

// TimeKeyLayout is the UTC string layout for a bucket's time_key, also
// the layout used when truncating to a prefix for downsampling.
const TimeKeyLayout = "2006-01-02 15:04:05"

// MeasurementType is the aggregation kind encoded in a measurement's
// "name|type[|unit]" key.
type MeasurementType string

const (
	Count  MeasurementType = "count"
	DCount MeasurementType = "dcount"
	MCount MeasurementType = "mcount"
	Cat    MeasurementType = "cat"
	Num    MeasurementType = "num"
)

// SplitKey parses a "name|type[|unit]" measurement key.
func SplitKey(key string) (name string, typ MeasurementType, unit string, err error) {
	parts := strings.Split(key, "|")
	switch len(parts) {
	case 2:
		return parts[0], MeasurementType(parts[1]), "", nil
	case 3:
		return parts[0], MeasurementType(parts[1]), parts[2], nil
	default:
		return "", "", "", fmt.Errorf("measurement key needs name|type or name|type|unit, got %q", key)
	}
}

// Bucket is one aggregation record: a UTC time window plus a set of
// measurements keyed by their "name|type[|unit]" string. Values are
// int64 for count/dcount/mcount, map[string]int64 for cat, Welford for
// num.
type Bucket struct {
	TimeKey   string
	TimeStart int64
	TimeStop  int64
	Values    map[string]any
}

// NewBucket creates an empty bucket whose TimeKey names the UTC
// window starting at blockTime and running for step seconds.
func NewBucket(blockTime, step int64, now time.Time) Bucket {
	return Bucket{
		TimeKey:   time.Unix(blockTime, 0).UTC().Format(TimeKeyLayout),
		TimeStart: now.Unix(),
		TimeStop:  blockTime + step,
		Values:    map[string]any{},
	}
}

// IsEmpty reports whether the bucket holds no measurements (only the
// reserved time_* fields).
func (b Bucket) IsEmpty() bool {
	return len(b.Values) == 0
}

// PutCount adds delta to a count measurement's running sum.
func (b Bucket) PutCount(key string, delta int64) {
	n, _ := b.Values[key].(int64)
	b.Values[key] = n + delta
}

// PutDistinct increments a dcount/mcount measurement. The caller has
// already determined, via the id-set, that this is a newly distinct
// value for the current day/month.
func (b Bucket) PutDistinct(key string) {
	n, _ := b.Values[key].(int64)
	b.Values[key] = n + 1
}

// PutCat tallies one occurrence of a categorical value.
func (b Bucket) PutCat(key, value string) {
	d, _ := b.Values[key].(map[string]int64)
	if d == nil {
		d = map[string]int64{}
		b.Values[key] = d
	}
	d[value]++
}

// PutNum folds a numeric sample into the key's Welford accumulator.
func (b Bucket) PutNum(key string, value float64) {
	w, _ := b.Values[key].(Welford)
	b.Values[key] = w.Update(value)
}

// Clone returns a deep-enough copy of the bucket so the caller can
// mutate one side of a merge without aliasing the other.
func (b Bucket) Clone() Bucket {
	out := Bucket{TimeKey: b.TimeKey, TimeStart: b.TimeStart, TimeStop: b.TimeStop}
	out.Values = make(map[string]any, len(b.Values))
	for k, v := range b.Values {
		switch x := v.(type) {
		case map[string]int64:
			d := make(map[string]int64, len(x))
			for k2, v2 := range x {
				d[k2] = v2
			}
			out.Values[k] = d
		default:
			out.Values[k] = v
		}
	}
	return out
}

// MergeBuckets merges src into a clone of dst and returns the result,
// following the per-type rules of §3: count/dcount/mcount sum, cat
// sums per-key tallies, num merges via Welford's parallel formula.
// Unrecognized measurement types are dropped silently (the record
// producing them is from a newer or older build).
func MergeBuckets(dst, src Bucket) Bucket {
	out := dst.Clone()
	if out.TimeStart == 0 || (src.TimeStart != 0 && src.TimeStart < out.TimeStart) {
		out.TimeStart = src.TimeStart
	}
	if src.TimeStop > out.TimeStop {
		out.TimeStop = src.TimeStop
	}
	if out.TimeKey == "" {
		out.TimeKey = src.TimeKey
	}

	for key, srcVal := range src.Values {
		_, typ, _, err := SplitKey(key)
		if err != nil {
			continue
		}
		switch typ {
		case Count, DCount, MCount:
			sv, _ := srcVal.(int64)
			dv, _ := out.Values[key].(int64)
			out.Values[key] = dv + sv
		case Cat:
			sv, _ := srcVal.(map[string]int64)
			dv, _ := out.Values[key].(map[string]int64)
			if dv == nil {
				dv = map[string]int64{}
			}
			for k, c := range sv {
				dv[k] += c
			}
			out.Values[key] = dv
		case Num:
			sv, _ := srcVal.(Welford)
			dv, _ := out.Values[key].(Welford)
			out.Values[key] = Merge(dv, sv)
		}
	}
	return out
}

// TruncateTimeKey returns the bucket's time_key cut to n characters,
// used to down-sample a series by progressively collapsing buckets
// into minute/10-min/hour/day/month groups.
func TruncateTimeKey(timeKey string, n int) string {
	if n >= len(timeKey) {
		return timeKey
	}
	return timeKey[:n]
}
