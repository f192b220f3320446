package udprx

import "sync/atomic"

// Stats counts receiver activity. All fields are updated atomically.
type Stats struct {
	Packets         atomic.Uint64
	Bytes           atomic.Uint64
	BadSize         atomic.Uint64
	Overflows       atomic.Uint64
	DroppedInactive atomic.Uint64
	ReadErrors      atomic.Uint64
}

// Snapshot is a plain copy of Stats.
type Snapshot struct {
	Packets         uint64 `json:"packets"`
	Bytes           uint64 `json:"bytes"`
	BadSize         uint64 `json:"bad_size"`
	Overflows       uint64 `json:"overflows"`
	DroppedInactive uint64 `json:"dropped_inactive"`
	ReadErrors      uint64 `json:"read_errors"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Packets:         s.Packets.Load(),
		Bytes:           s.Bytes.Load(),
		BadSize:         s.BadSize.Load(),
		Overflows:       s.Overflows.Load(),
		DroppedInactive: s.DroppedInactive.Load(),
		ReadErrors:      s.ReadErrors.Load(),
	}
}
