// Package series keeps bounded time-bucketed multi-metric chart data.
//
// Samples that arrive within the coalescing window share one bucket,
// each slot overwritten by its own latest value.
// Buffer is not safe for concurrent use, owner serializes access.
package series

import (
	"encoding/json"
	"time"

	"github.com/power-desk/powerdesk/topic"
)

const (
	DefaultWindow   = 1000 * time.Millisecond
	DefaultCapacity = 30 * 60 // 30 minutes at one bucket per second
	LabelLayout     = "15:04:05"
)

// Value is number or absent.
type Value struct {
	V     float64
	Valid bool
}

func Some(v float64) Value { return Value{V: v, Valid: true} }

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

type Bucket struct {
	Timestamp int64 // ms epoch
	Values    []Value
}

func (b *Bucket) empty() bool {
	for _, v := range b.Values {
		if v.Valid {
			return false
		}
	}
	return true
}

func (b *Bucket) Time() time.Time { return time.Unix(0, b.Timestamp*int64(time.Millisecond)) }

type Options struct {
	Capacity int
	Window   time.Duration
}

type Buffer struct {
	metrics  []topic.Metric
	capacity int
	window   int64 // ms
	buckets  []Bucket
}

// New fixes tracked metric set and slot order for buffer lifetime.
func New(opt Options, metrics ...topic.Metric) *Buffer {
	if len(metrics) == 0 {
		panic("code error series.New without metrics")
	}
	if opt.Capacity <= 0 {
		opt.Capacity = DefaultCapacity
	}
	if opt.Window <= 0 {
		opt.Window = DefaultWindow
	}
	return &Buffer{
		metrics:  append([]topic.Metric(nil), metrics...),
		capacity: opt.Capacity,
		window:   int64(opt.Window / time.Millisecond),
		buckets:  make([]Bucket, 0, 64),
	}
}

func (b *Buffer) Metrics() []topic.Metric { return append([]topic.Metric(nil), b.metrics...) }
func (b *Buffer) Len() int                { return len(b.buckets) }
func (b *Buffer) Capacity() int           { return b.capacity }

// Slot returns index of metric in bucket values or -1.
func (b *Buffer) Slot(m topic.Metric) int {
	for i, x := range b.metrics {
		if x == m {
			return i
		}
	}
	return -1
}

// Open starts new bucket at now if coalescing window since last bucket expired.
// All-absent last bucket is discarded instead of kept. Returns true if bucket was appended.
func (b *Buffer) Open(now time.Time) bool {
	ms := now.UnixNano() / int64(time.Millisecond)
	n := len(b.buckets)
	if n != 0 && ms-b.buckets[n-1].Timestamp <= b.window {
		return false
	}
	if n != 0 && b.buckets[n-1].empty() {
		b.buckets = b.buckets[:n-1]
	}
	b.buckets = append(b.buckets, Bucket{
		Timestamp: ms,
		Values:    make([]Value, len(b.metrics)),
	})
	if len(b.buckets) > b.capacity {
		// shift in place, backing array stays bounded
		drop := len(b.buckets) - b.capacity
		b.buckets = append(b.buckets[:0], b.buckets[drop:]...)
	}
	return true
}

// Ingest stores value of metric in current bucket. Untracked metric is no-op, returns false.
func (b *Buffer) Ingest(m topic.Metric, value float64, now time.Time) bool {
	slot := b.Slot(m)
	if slot < 0 {
		return false
	}
	b.Open(now)
	b.buckets[len(b.buckets)-1].Values[slot] = Some(value)
	return true
}

// Last returns most recent bucket copy.
func (b *Buffer) Last() (Bucket, bool) {
	if len(b.buckets) == 0 {
		return Bucket{}, false
	}
	return copyBucket(b.buckets[len(b.buckets)-1]), true
}

func copyBucket(x Bucket) Bucket {
	return Bucket{Timestamp: x.Timestamp, Values: append([]Value(nil), x.Values...)}
}

func (b *Buffer) Reset() { b.buckets = b.buckets[:0] }

// Snapshot is detached ordered copy, safe to hand to renderers.
type Snapshot struct {
	Metrics []string  `json:"metrics"`
	Labels  []string  `json:"labels"`
	Times   []int64   `json:"timestamps"`
	Series  [][]Value `json:"series"` // Series[slot][bucket]
}

func (s Snapshot) Len() int { return len(s.Labels) }

func (b *Buffer) Snapshot(loc *time.Location) Snapshot {
	if loc == nil {
		loc = time.Local
	}
	n := len(b.buckets)
	s := Snapshot{
		Metrics: make([]string, len(b.metrics)),
		Labels:  make([]string, n),
		Times:   make([]int64, n),
		Series:  make([][]Value, len(b.metrics)),
	}
	for i, m := range b.metrics {
		s.Metrics[i] = m.String()
		s.Series[i] = make([]Value, n)
	}
	for j := range b.buckets {
		bk := &b.buckets[j]
		s.Labels[j] = bk.Time().In(loc).Format(LabelLayout)
		s.Times[j] = bk.Timestamp
		for i := range b.metrics {
			s.Series[i][j] = bk.Values[i]
		}
	}
	return s
}

// Buckets returns detached copy of all buckets, oldest first.
func (b *Buffer) Buckets() []Bucket {
	out := make([]Bucket, len(b.buckets))
	for i := range b.buckets {
		out[i] = copyBucket(b.buckets[i])
	}
	return out
}

// Sink receives chart changes. Implementation must not retain Buffer, only Snapshot.
type Sink interface {
	SeriesChanged(chartID string, s Snapshot)
}

type SinkFunc func(chartID string, s Snapshot)

func (f SinkFunc) SeriesChanged(chartID string, s Snapshot) { f(chartID, s) }

type NopSink struct{}

func (NopSink) SeriesChanged(string, Snapshot) {}
