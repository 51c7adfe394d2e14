// Package dispatch runs many compiled trees forward on a single
// priority-ordered tick loop: it owns no tree state itself, only a
// queue of step closures and the bookkeeping (completion, cross-tree
// await) that lets one tree's coroutine suspend on another's
// completion.
package dispatch

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/npillmayer/schuko/tracing"

	"github.com/canopyrun/taskforge/layout"
)

func tracer() tracing.Trace {
	return tracing.Select("taskforge.dispatch")
}

// Mode selects how many transitions an entry receives per tick.
type Mode uint8

const (
	// Stepwise1 steps once per tick and removes the entry as soon as
	// that step stops returning BUSY.
	Stepwise1 Mode = iota
	// StepwiseInf steps once per tick, forever, ignoring the result.
	StepwiseInf
	// Full1 runs an entry to its next non-BUSY result within a single
	// tick, then removes it.
	Full1
	// FullInf runs an entry to its next non-BUSY result every tick,
	// forever.
	FullInf
)

func (m Mode) String() string {
	switch m {
	case Stepwise1:
		return "STEPWISE_1"
	case StepwiseInf:
		return "STEPWISE_INF"
	case Full1:
		return "FULL_1"
	case FullInf:
		return "FULL_INF"
	default:
		return "UNKNOWN"
	}
}

// StepFunc drives one tree one transition forward, returning its
// result state. It is expected to close over the tree's buffer, its
// caller state and its dynamic dispatch arguments.
type StepFunc func() (layout.State, error)

// Entry is one queue member: a priority, a tick discipline, the step
// closure driving a tree, and — once terminal — its fulfilled result.
// Entry satisfies task.Awaitable structurally via Done(), so a
// coroutine's CoAwait can hold a *Entry directly as the thing it is
// waiting on.
type Entry struct {
	Priority int32
	Mode     Mode
	Label    string

	step StepFunc
	seq  uint64

	done   bool
	result layout.State
	err    error
}

// Done reports whether this entry has reached a terminal result.
// Entries in StepwiseInf/FullInf modes are never terminal from the
// queue's point of view; they are only "done" if removed, e.g. on a
// recovered panic.
func (e *Entry) Done() bool { return e.done }

// Result returns the entry's fulfilled state and any error recorded
// against it. Meaningless before Done() is true.
func (e *Entry) Result() (layout.State, error) { return e.result, e.err }

// Metrics is a snapshot of a Queue's lifetime and current activity,
// read with Queue.Metrics(). There is nothing concurrent to guard here
// (per §5, single-threaded cooperative): these are plain counters
// updated inline by RunOnce/Enqueue.
type Metrics struct {
	TotalTicks uint64
	PeakLen    int
}

// Queue is a single-threaded, cooperatively-scheduled priority queue
// of tree steppers. It is not safe for concurrent use — per §5 there
// is no internal parallelism anywhere in this system.
type Queue struct {
	entries []*Entry
	dirty   bool
	nextSeq uint64

	totalTicks uint64
	peakLen    int
}

// NewQueue returns an empty, ready-to-use Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Len reports the number of entries currently queued.
func (q *Queue) Len() int { return len(q.entries) }

// Enqueue adds a new entry at the given priority and tick discipline,
// marking the queue dirty so it is re-sorted before the next tick.
// label is carried only for tracing/debugging.
func (q *Queue) Enqueue(priority int32, mode Mode, label string, step StepFunc) *Entry {
	e := &Entry{Priority: priority, Mode: mode, Label: label, step: step, seq: q.nextSeq}
	q.nextSeq++
	q.entries = append(q.entries, e)
	q.dirty = true
	if len(q.entries) > q.peakLen {
		q.peakLen = len(q.entries)
	}
	tracer().Debugf("enqueued %q priority=%d mode=%s (queue now holds %d entries)", label, priority, mode, len(q.entries))
	return e
}

// Metrics returns a snapshot of this queue's lifetime tick count and
// peak length.
func (q *Queue) Metrics() Metrics {
	return Metrics{TotalTicks: q.totalTicks, PeakLen: q.peakLen}
}

// Bump changes an entry's priority, marking the queue dirty so the
// re-sort happens before the next tick (mutating the queue from
// inside a running task is supported per §5; it simply takes effect
// starting the next tick).
func (q *Queue) Bump(e *Entry, priority int32) {
	e.Priority = priority
	q.dirty = true
}

func (q *Queue) resort() {
	if !q.dirty {
		return
	}
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].Priority > q.entries[j].Priority
	})
	q.dirty = false
}

// RunOnce drives one tick: every entry advances according to its
// mode, in descending-priority order (ties broken by the order they
// were added). Terminal STEPWISE_1/FULL_1 entries are removed from
// the queue. Errors returned by step closures, and panics recovered
// from engine invariant violations, are collected per entry and
// returned together via multierr so one bad entry never stops the
// rest of the tick.
func (q *Queue) RunOnce() error {
	q.resort()
	q.totalTicks++

	var errs error
	// A stepped entry may itself call Enqueue (e.g. a coroutine's
	// co_await target), appending to q.entries while this loop is
	// still ranging it. Iterate by index over the original length
	// only, and compact survivors plus anything appended mid-tick
	// into the tail, so entries added during the tick are preserved
	// for the next one rather than discarded.
	originalLen := len(q.entries)
	remaining := q.entries[:0:0]
	for i := 0; i < originalLen; i++ {
		e := q.entries[i]
		if keep := q.runEntry(e, &errs); keep {
			remaining = append(remaining, e)
		}
	}
	remaining = append(remaining, q.entries[originalLen:]...)
	q.entries = remaining
	return errs
}

// runEntry advances one entry per its mode and reports whether it
// should stay in the queue.
func (q *Queue) runEntry(e *Entry, errs *error) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			*errs = multierr.Append(*errs, fmt.Errorf("dispatch: entry %q panicked: %v", e.Label, r))
			e.done = true
			e.result = layout.StateFailed
			keep = false
		}
	}()

	switch e.Mode {
	case Stepwise1:
		r, err := e.step()
		if err != nil {
			*errs = multierr.Append(*errs, err)
			e.err = err
			e.done = true
			return false
		}
		if r != layout.StateBusy {
			e.result = r
			e.done = true
			return false
		}
		return true

	case StepwiseInf:
		if _, err := e.step(); err != nil {
			*errs = multierr.Append(*errs, err)
		}
		return true

	case Full1:
		r, err := q.runToCompletion(e)
		e.result = r
		e.err = err
		e.done = true
		if err != nil {
			*errs = multierr.Append(*errs, err)
		}
		return false

	case FullInf:
		if _, err := q.runToCompletion(e); err != nil {
			*errs = multierr.Append(*errs, err)
		}
		return true

	default:
		panic(fmt.Sprintf("dispatch: unknown mode %v", e.Mode))
	}
}

func (q *Queue) runToCompletion(e *Entry) (layout.State, error) {
	for {
		r, err := e.step()
		if err != nil {
			return r, err
		}
		if r != layout.StateBusy {
			return r, nil
		}
	}
}
