package tele

import (
	"expvar"
)

// Stat is transport counters. Zero value is not usable, use NewStat.
// Published to expvar only by Publish, so tests may create many.
type Stat struct {
	m *expvar.Map

	Received      *expvar.Int // messages delivered by transport
	Bytes         *expvar.Int // payload or stream bytes
	Connects      *expvar.Int
	Disconnects   *expvar.Int
	Subscribes    *expvar.Int
	Unsubscribes  *expvar.Int
	DecodeErrors  *expvar.Int
	Dropped       *expvar.Int // no listener or malformed
	LoggedErrors  *expvar.Int
	LastErrorText *expvar.String
}

func NewStat() *Stat {
	s := &Stat{m: new(expvar.Map).Init()}
	s.Received = s.int("received")
	s.Bytes = s.int("bytes")
	s.Connects = s.int("connects")
	s.Disconnects = s.int("disconnects")
	s.Subscribes = s.int("subscribes")
	s.Unsubscribes = s.int("unsubscribes")
	s.DecodeErrors = s.int("decode_errors")
	s.Dropped = s.int("dropped")
	s.LoggedErrors = s.int("errors")
	s.LastErrorText = new(expvar.String)
	s.m.Set("last_error", s.LastErrorText)
	return s
}

func (s *Stat) int(name string) *expvar.Int {
	v := new(expvar.Int)
	s.m.Set(name, v)
	return v
}

// ErrorFunc is log2.ErrorFunc compatible hook.
func (s *Stat) ErrorFunc(e error) {
	s.LoggedErrors.Add(1)
	s.LastErrorText.Set(e.Error())
}

// Publish registers counters in global expvar under name. Must be called once per process.
func (s *Stat) Publish(name string) { expvar.Publish(name, s.m) }

func (s *Stat) String() string { return s.m.String() }

// Map returns current counter values.
func (s *Stat) Map() map[string]int64 {
	out := make(map[string]int64)
	s.m.Do(func(kv expvar.KeyValue) {
		if i, ok := kv.Value.(*expvar.Int); ok {
			out[kv.Key] = i.Value()
		}
	})
	return out
}
