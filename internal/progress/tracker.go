// Package progress implements a throttled, concurrency-safe progress
// counter with guaranteed-final-emission semantics. The orchestrator does
// not construct a Tracker; it writes stage progress directly.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/util"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// Snapshot is an immutable view of the tracker's state at a point in time.
type Snapshot struct {
	Completed    int
	Total        int
	LastItem     string
	PhaseLabel   string
}

// OnProgress is invoked whenever an emission is not throttled away.
type OnProgress func(Snapshot)

// Tracker counts completed items within a phase and emits a callback at
// most once per throttle window, except the emission that reaches
// totalItems, which always fires.
type Tracker struct {
	mu         sync.Mutex
	uploadID   string
	total      int
	completed  int
	lastItem   string
	phaseLabel string
	throttle   time.Duration
	lastEmit   time.Time
	onProgress OnProgress
}

// New constructs a Tracker. totalItems must be positive.
func New(uploadID string, totalItems int, phaseLabel string, onProgress OnProgress, throttle time.Duration) (*Tracker, error) {
	if totalItems <= 0 {
		return nil, werr.Newf(werr.InvalidArgument, "progress.New", "totalItems must be > 0, got %d", totalItems)
	}
	return &Tracker{
		uploadID:   uploadID,
		total:      totalItems,
		phaseLabel: phaseLabel,
		throttle:   throttle,
		onProgress: onProgress,
	}, nil
}

// Increment atomically bumps the completed counter (capped at total),
// records itemLabel as the last item, and invokes onProgress if the
// throttle window has elapsed or this increment reaches total. Skipped
// (throttled) emissions do not accumulate; the next successful emission
// always reports the tracker's true current state, not a backlog.
func (t *Tracker) Increment(itemLabel string) {
	t.mu.Lock()
	if t.completed < t.total {
		t.completed++
	}
	t.lastItem = itemLabel
	final := t.completed == t.total
	now := time.Now()
	emit := final || now.Sub(t.lastEmit) >= t.throttle
	var snap Snapshot
	if emit {
		t.lastEmit = now
		snap = t.snapshotLocked()
	}
	cb := t.onProgress
	t.mu.Unlock()

	if emit && cb != nil {
		cb(snap)
	}
}

// SetTotalItems changes the total item count. Fails if n < completed, since
// that would make an already-reported count exceed the new total.
func (t *Tracker) SetTotalItems(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < t.completed {
		return werr.Newf(werr.InvalidArgument, "progress.SetTotalItems", "n=%d is less than completed=%d", n, t.completed)
	}
	t.total = n
	return nil
}

// Reset zeroes the counter and last-item label, keeping the total and phase.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = 0
	t.lastItem = ""
	t.lastEmit = time.Time{}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		Completed:  t.completed,
		Total:      t.total,
		LastItem:   t.lastItem,
		PhaseLabel: t.phaseLabel,
	}
}

// FormatSubTask renders a phase-specific sub-task string, e.g.
// "Processing frame 500/3106 (16%)".
func (t *Tracker) FormatSubTask() string {
	s := t.Snapshot()
	pct := util.FormatPercent(s.Completed, s.Total)
	label := s.PhaseLabel
	if label == "" {
		label = "Processing"
	}
	return fmt.Sprintf("%s %d/%d (%s)", label, s.Completed, s.Total, pct)
}
