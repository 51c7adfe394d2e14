// Package task holds the per-type capability table and the
// constructor that materializes a task instance from a node's
// compiled parameter slots. A registered type is treated as a
// capability set, never as a concrete interface the engine knows
// about ahead of time: the engine only ever sees a type index and a
// Capability bitmask.
package task

import (
	"time"

	"github.com/canopyrun/taskforge/layout"
)

// Initializer is the optional init(task[, state]) operation.
type Initializer interface {
	Init(state any) layout.State
}

// Runner is the optional run(task[, state]) operation.
type Runner interface {
	Run(state any) layout.State
}

// Exiter is the optional, side-effecting exit(task[, state]) cleanup.
type Exiter interface {
	Exit(state any)
}

// Costate is the published state of a coroutine at a suspension point.
type Costate uint8

const (
	CoYield Costate = iota
	CoReturn
	CoAwait
)

func (c Costate) String() string {
	switch c {
	case CoYield:
		return "YIELD"
	case CoReturn:
		return "RETURN"
	case CoAwait:
		return "AWAIT"
	default:
		return "UNKNOWN"
	}
}

// Awaitable is anything a coroutine can suspend on: a handle that
// eventually reports its own terminal completion. dispatch.Entry
// satisfies this interface structurally.
type Awaitable interface {
	Done() bool
}

// Coroutine is a resumable computation started by CoRunner.CoRun and
// driven thereafter by Resume. Each call returns the new costate, the
// State value carried by that suspension (meaningful on CoReturn), and
// — only when costate is CoAwait — the entity being awaited.
type Coroutine interface {
	Resume(state any) (Costate, layout.State, Awaitable)
}

// CoRunner is the optional, run-mutually-exclusive co_run(task[,
// state]) operation. It both starts the coroutine and reports its
// first suspension, exactly like a first call to Resume would.
type CoRunner interface {
	CoRun(state any) (Coroutine, Costate, layout.State, Awaitable)
}

// Looper is the supplemental NLoop decorator: a plain-discipline type
// may declare that its children are re-run as a unit, either a fixed
// number of times or indefinitely (count <= 0). With breakOnFail set,
// looping stops when the last child of a pass returns FAILED; a FAILED
// from an earlier child in the same pass does not stop the loop.
type Looper interface {
	Loop() (count int, breakOnFail bool)
}

// Cooldowner is the supplemental Cooldown decorator: a plain-
// discipline type may declare a minimum duration that must elapse
// between this node's completions before it is entered again.
type Cooldowner interface {
	Cooldown() time.Duration
}

// Capability is a bitmask of the operations a registered type offers.
type Capability uint8

const (
	CapInit Capability = 1 << iota
	CapRun
	CapExit
	CapCoRun
	CapLoop
	CapCooldown
)

// IsPlain reports whether cap describes the init/run/exit discipline.
func (c Capability) IsPlain() bool {
	return c&CapCoRun == 0 && c&(CapInit|CapRun|CapExit) != 0
}

// IsCoroutine reports whether cap describes the co_run discipline.
func (c Capability) IsCoroutine() bool {
	return c&CapCoRun != 0
}

func (c Capability) String() string {
	s := ""
	if c&CapInit != 0 {
		s += "init,"
	}
	if c&CapRun != 0 {
		s += "run,"
	}
	if c&CapExit != 0 {
		s += "exit,"
	}
	if c&CapCoRun != 0 {
		s += "co_run,"
	}
	if s == "" {
		return "none"
	}
	return s[:len(s)-1]
}
