package batching

import (
	"fmt"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"k8s.io/klog/v2"
)

// Stats accumulates per-slot fill counts and batch sizes over a rolling
// window. On window rollover it logs slots that never filled (a starvation
// signal) and the average batch utilization, then resets the window while
// keeping lifetime totals. Purely observational: it never gates correctness.
type Stats struct {
	mu          sync.Mutex
	name        string
	reportEvery int

	fills       *treemap.Map
	windowFills int
	windowRows  int

	totalFills   int64
	totalRows    int64
	totalReplied int64
}

const defaultReportEvery = 5000

// NewStats returns a collector that logs a report every 5000 batch fills.
func NewStats(name string) *Stats {
	return &Stats{
		name:        name,
		reportEvery: defaultReportEvery,
		fills:       treemap.NewWithIntComparator(),
	}
}

// RecordFill accounts one completed batch fill of rows samples on the given
// slot.
func (s *Stats) RecordFill(slot, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	if v, found := s.fills.Get(slot); found {
		count = v.(int)
	}
	s.fills.Put(slot, count+1)
	s.windowFills++
	s.windowRows += rows
	s.totalFills++
	s.totalRows += int64(rows)
	if s.windowFills >= s.reportEvery {
		klog.Info(s.lockedReport())
		s.fills.Clear()
		s.windowFills = 0
		s.windowRows = 0
	}
}

// RecordRelease accounts rows samples replied from the given slot.
func (s *Stats) RecordRelease(slot, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalReplied += int64(rows)
}

// Report returns the current window report.
func (s *Stats) Report() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedReport()
}

func (s *Stats) lockedReport() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %d batch fills", s.name, s.windowFills)
	if s.windowFills > 0 {
		fmt.Fprintf(&b, " (avg %.1f rows)", float64(s.windowRows)/float64(s.windowFills))
	}
	if starved := s.lockedStarved(); len(starved) > 0 {
		fmt.Fprintf(&b, "; starved slots: %v", starved)
	}
	fmt.Fprintf(&b, "; lifetime: %d batches, %d samples in, %d replied",
		s.totalFills, s.totalRows, s.totalReplied)
	return b.String()
}

// lockedStarved returns the slot indices inside the window's [min, max] index
// range that saw no fill at all.
func (s *Stats) lockedStarved() []int {
	if s.fills.Size() < 2 {
		return nil
	}
	minKey, _ := s.fills.Min()
	maxKey, _ := s.fills.Max()
	var starved []int
	for k := minKey.(int); k <= maxKey.(int); k++ {
		if _, found := s.fills.Get(k); !found {
			starved = append(starved, k)
		}
	}
	return starved
}

// Totals returns the lifetime counters: batches filled, samples collected and
// samples replied.
func (s *Stats) Totals() (fills, rows, replied int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalFills, s.totalRows, s.totalReplied
}
