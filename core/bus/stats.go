package bus

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of a bus's dispatch counters.
type Stats struct {
	Executed   uint64
	Failed     uint64
	AvgLatency time.Duration
	PerType    map[string]uint64
}

type stats struct {
	mu         sync.Mutex
	executed   uint64
	failed     uint64
	avgLatency time.Duration
	perType    map[string]uint64
}

func newStats() *stats {
	return &stats{perType: map[string]uint64{}}
}

func (s *stats) record(msgType string, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executed++
	if err != nil {
		s.failed++
	}
	s.perType[msgType]++
	// running average, no sample window
	s.avgLatency += (d - s.avgLatency) / time.Duration(s.executed)
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	perType := make(map[string]uint64, len(s.perType))
	for k, v := range s.perType {
		perType[k] = v
	}
	return Stats{
		Executed:   s.executed,
		Failed:     s.failed,
		AvgLatency: s.avgLatency,
		PerType:    perType,
	}
}
