package st3215

import "go.uber.org/atomic"

// Stats tracks bus communication counters. All fields are safe for
// concurrent access.
type Stats struct {
	PacketsSent     atomic.Int64
	PacketsReceived atomic.Int64
	BytesWritten    atomic.Int64
	BytesRead       atomic.Int64
	Timeouts        atomic.Int64
	ChecksumErrors  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the bus counters.
type StatsSnapshot struct {
	PacketsSent     int64
	PacketsReceived int64
	BytesWritten    int64
	BytesRead       int64
	Timeouts        int64
	ChecksumErrors  int64
}

// Snapshot returns a consistent-enough copy of the counters for display.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsSent:     s.PacketsSent.Load(),
		PacketsReceived: s.PacketsReceived.Load(),
		BytesWritten:    s.BytesWritten.Load(),
		BytesRead:       s.BytesRead.Load(),
		Timeouts:        s.Timeouts.Load(),
		ChecksumErrors:  s.ChecksumErrors.Load(),
	}
}
