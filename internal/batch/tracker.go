package batch

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSize     = 64
	DefaultInterval = 5 * time.Minute
)

// Timer is the subset of time.Timer the tracker needs.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type Clock interface {
	NewTimer(d time.Duration) Timer
}

type realClock struct{}

type realTimer struct {
	t *time.Timer
}

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (r *realTimer) C() <-chan time.Time   { return r.t.C }
func (r *realTimer) Reset(d time.Duration) { r.t.Reset(d) }
func (r *realTimer) Stop()                 { r.t.Stop() }

type TrackerConfig struct {
	Size     int
	Interval time.Duration
	// EmitEmpty makes a timer flush with nothing pending still produce a
	// (zero event) batch.
	EmitEmpty bool
}

// Tracker accumulates event ids until Size of them are pending or Interval
// passes without a flush. It is not safe for concurrent use: the owner calls
// EventCreated and, whenever Expired fires, Flush from a single goroutine.
type Tracker struct {
	size      int
	interval  time.Duration
	emitEmpty bool

	timer   Timer
	pending []uuid.UUID
}

func NewTracker(config TrackerConfig, clock Clock) *Tracker {
	if config.Size <= 0 {
		config.Size = DefaultSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if clock == nil {
		clock = realClock{}
	}

	return &Tracker{
		size:      config.Size,
		interval:  config.Interval,
		emitEmpty: config.EmitEmpty,
		timer:     clock.NewTimer(config.Interval),
	}
}

// EventCreated records id. When the size threshold is reached it returns the
// oldest Size ids as a ready batch and restarts the interval.
func (t *Tracker) EventCreated(id uuid.UUID) ([]uuid.UUID, bool) {
	t.pending = append(t.pending, id)
	if len(t.pending) < t.size {
		return nil, false
	}
	return t.take(t.size), true
}

// Expired fires when the interval elapses without a flush.
func (t *Tracker) Expired() <-chan time.Time {
	return t.timer.C()
}

// Flush takes everything pending and restarts the interval. An empty flush
// reports false unless EmitEmpty is set.
func (t *Tracker) Flush() ([]uuid.UUID, bool) {
	ids := t.take(len(t.pending))
	if len(ids) == 0 && !t.emitEmpty {
		return nil, false
	}
	return ids, true
}

func (t *Tracker) Pending() int {
	return len(t.pending)
}

func (t *Tracker) Stop() {
	t.timer.Stop()
}

func (t *Tracker) take(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	copy(ids, t.pending[:n])
	t.pending = append(t.pending[:0], t.pending[n:]...)
	t.timer.Reset(t.interval)
	return ids
}
