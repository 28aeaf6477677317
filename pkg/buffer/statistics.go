package buffer

import (
	"sync/atomic"
)

// Statistics tracks buffer activity with atomic counters.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	rejects   atomic.Int64
	current   atomic.Int64
	max       atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) recordWrite()     { s.writes.Add(1) }
func (s *Statistics) recordRead(n int) { s.reads.Add(int64(n)) }
func (s *Statistics) recordOverflow()  { s.overflows.Add(1) }
func (s *Statistics) recordDrop()      { s.drops.Add(1) }
func (s *Statistics) recordReject()    { s.rejects.Add(1) }

func (s *Statistics) updateSize(size int) {
	s.current.Store(int64(size))
	for {
		m := s.max.Load()
		if int64(size) <= m || s.max.CompareAndSwap(m, int64(size)) {
			return
		}
	}
}

// Writes returns the number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items read.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns how often a write found the buffer full.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the number of items discarded by DropOldest/DropNewest.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// Rejects returns the number of writes refused by the Reject policy.
func (s *Statistics) Rejects() int64 { return s.rejects.Load() }

// CurrentSize returns the item count after the last operation.
func (s *Statistics) CurrentSize() int64 { return s.current.Load() }

// MaxSize returns the high-water item count.
func (s *Statistics) MaxSize() int64 { return s.max.Load() }

// Summary is a point-in-time copy of Statistics.
type Summary struct {
	Writes      int64 `json:"writes"`
	Reads       int64 `json:"reads"`
	Overflows   int64 `json:"overflows"`
	Drops       int64 `json:"drops"`
	Rejects     int64 `json:"rejects"`
	CurrentSize int64 `json:"current_size"`
	MaxSize     int64 `json:"max_size"`
}

// Summary returns a snapshot of all counters.
func (s *Statistics) Summary() Summary {
	return Summary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Overflows:   s.Overflows(),
		Drops:       s.Drops(),
		Rejects:     s.Rejects(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
	}
}
