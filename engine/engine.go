// Package engine drives a compiled buffer forward one node transition
// at a time. It owns the runtime side-tables a buffer cannot itself
// hold (live task instances, coroutine contexts, await registrations)
// and implements the DOWN/UP step discipline of the layout package's
// byte format.
package engine

import (
	"fmt"
	"time"

	"github.com/npillmayer/schuko/tracing"

	"github.com/canopyrun/taskforge/layout"
	"github.com/canopyrun/taskforge/param"
	"github.com/canopyrun/taskforge/task"
)

func tracer() tracing.Trace {
	return tracing.Select("taskforge.engine")
}

func assertThat(cond bool, msg string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("engine: invariant violated: "+msg, args...))
	}
}

// Clock lets a caller's state object supply its own notion of "now"
// for Cooldown bookkeeping; state objects that don't implement it fall
// back to the wall clock.
type Clock interface {
	Now() time.Time
}

func clockNow(state any) time.Time {
	if c, ok := state.(Clock); ok {
		return c.Now()
	}
	return time.Now()
}

type loopConfig struct {
	count       int
	breakOnFail bool
}

// Tree binds a compiled buffer to a type Registry and the runtime
// side-state (live instances, coroutine contexts, pending awaits,
// decorator bookkeeping) a single step driver needs. A Tree is not
// safe for concurrent use: the engine is single-threaded cooperative
// by design.
type Tree struct {
	Buf []byte
	Reg *task.Registry

	instances  map[uint64]any
	coroutines map[uint64]task.Coroutine
	awaiting   map[uint64]task.Awaitable

	loopConfig map[uint32]loopConfig
	loopIter   map[uint32]int
	lastReturn map[uint32]time.Time

	nextHandle uint64
}

// NewTree wraps a freshly compiled buffer for stepping.
func NewTree(buf []byte, reg *task.Registry) *Tree {
	return &Tree{
		Buf:        buf,
		Reg:        reg,
		instances:  make(map[uint64]any),
		coroutines: make(map[uint64]task.Coroutine),
		awaiting:   make(map[uint64]task.Awaitable),
		loopConfig: make(map[uint32]loopConfig),
		loopIter:   make(map[uint32]int),
		lastReturn: make(map[uint32]time.Time),
		nextHandle: 1,
	}
}

func (t *Tree) allocHandle() uint64 {
	h := t.nextHandle
	t.nextHandle++
	return h
}

// Step drives exactly one node transition. dynArgs are the caller-
// supplied dynamic dispatch arguments addressed by $N parameter
// references. The returned state is BUSY until the step that finishes
// the last root child, which returns SUCCESS.
func (t *Tree) Step(state any, dynArgs []param.Parameter) (layout.Result, error) {
	hdr := layout.ReadHeader(t.Buf)

	if hdr.LastResult.Direction == layout.DirDown && hdr.Ptr < hdr.FirstNodeOffset {
		if hdr.ChildrenCount == 0 {
			hdr.Ptr = 0
			hdr.ChildIdx = 0
			hdr.LastResult = layout.Result{State: layout.StateSuccess, Direction: layout.DirDown}
			layout.WriteHeader(t.Buf, hdr)
			return hdr.LastResult, nil
		}
		hdr.Ptr = hdr.FirstNodeOffset
		hdr.ChildIdx = 0
		layout.WriteHeader(t.Buf, hdr)
	}

	if err := t.executeTask(hdr.Ptr, state, dynArgs); err != nil {
		return layout.Result{}, err
	}

	hdr = layout.ReadHeader(t.Buf)
	if hdr.LastResult.Direction == layout.DirUp && hdr.Ptr == 0 {
		hdr.ChildIdx++
		if hdr.ChildIdx == hdr.ChildrenCount {
			hdr.Ptr = 0
			hdr.ChildIdx = 0
			hdr.LastResult = layout.Result{State: layout.StateSuccess, Direction: layout.DirDown}
		} else {
			hdr.Ptr = layout.ReadRootChild(t.Buf, int(hdr.ChildIdx))
			hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirDown}
		}
		layout.WriteHeader(t.Buf, hdr)
	}
	if hdr.Ptr != 0 {
		// The forest is unfinished: a node's own terminal state stays in
		// the header for its parent, but the step itself is still BUSY.
		return layout.Result{State: layout.StateBusy, Direction: hdr.LastResult.Direction}, nil
	}
	return hdr.LastResult, nil
}

// executeTask performs the per-node step at curOffset, dispatching on
// the direction recorded by the previous step.
func (t *Tree) executeTask(curOffset uint32, state any, dynArgs []param.Parameter) error {
	hdr := layout.ReadHeader(t.Buf)
	nh := layout.ReadNodeHeader(t.Buf, curOffset)
	comp := layout.ReadComposite(t.Buf, curOffset)
	caps := t.Reg.Capabilities(int(nh.TypeIdx))

	switch hdr.LastResult.Direction {
	case layout.DirDown:
		return t.downEntry(&hdr, nh, curOffset, caps, state, dynArgs)
	case layout.DirUp:
		if comp.Ptr == 0 {
			return t.upFromChild(&hdr, nh, curOffset, comp, state)
		}
		return t.upResume(&hdr, nh, curOffset, comp, caps, state)
	default:
		assertThat(false, "unknown direction %v at offset %d", hdr.LastResult.Direction, curOffset)
		return nil
	}
}

func readParams(buf []byte, nh layout.NodeHeader, offset uint32) []param.Parameter {
	params := make([]param.Parameter, nh.ParamsCount)
	for i := range params {
		params[i] = layout.ReadParam(buf, i, offset)
	}
	return params
}

func (t *Tree) callExitAndFree(inst any, handle uint64, state any) {
	if exiter, ok := inst.(task.Exiter); ok {
		exiter.Exit(state)
	}
	delete(t.instances, handle)
}

// advance implements §4.7's "advance" rule shared by the plain
// terminal path and the coroutine RETURN path: a node's own
// init/run/co_run just reached a terminal state. FAILED always goes
// UP without visiting children (§4.7.1); otherwise descend into the
// next child, or finish if there is none.
func (t *Tree) advance(hdr *layout.Header, nh layout.NodeHeader, offset uint32, comp layout.Composite, terminal layout.State, state any) {
	if terminal == layout.StateFailed || int(comp.CurIdx) >= int(nh.ChildrenCount) {
		t.afterChildren(hdr, nh, offset, comp, terminal, state)
		return
	}

	childOff := layout.ReadChild(t.Buf, int(comp.CurIdx), offset)
	comp.CurIdx++
	comp.Ptr = 0
	comp.Co = 0
	layout.WriteComposite(t.Buf, offset, comp)
	hdr.Ptr = childOff
	hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirDown}
	layout.WriteHeader(t.Buf, *hdr)
}

// afterChildren is reached once a node is done visiting its children
// for this pass — either because its own run failed and skipped them
// entirely, or because the last child just returned (§4.7.2). Extended
// with the NLoop decorator: rather than propagate terminal upward, the
// children may instead be re-driven from the first one again. Records
// the Cooldown timestamp on the way up either way.
func (t *Tree) afterChildren(hdr *layout.Header, nh layout.NodeHeader, offset uint32, comp layout.Composite, terminal layout.State, state any) {
	if cfg, ok := t.loopConfig[offset]; ok && nh.ChildrenCount > 0 {
		breakNow := terminal == layout.StateFailed && cfg.breakOnFail
		iter := t.loopIter[offset]
		if !breakNow && (cfg.count <= 0 || iter+1 < cfg.count) {
			t.loopIter[offset] = iter + 1
			childOff := layout.ReadChild(t.Buf, 0, offset)
			comp.CurIdx = 1
			comp.Ptr = 0
			comp.Co = 0
			layout.WriteComposite(t.Buf, offset, comp)
			hdr.Ptr = childOff
			hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirDown}
			layout.WriteHeader(t.Buf, *hdr)
			return
		}
	}
	t.lastReturn[offset] = clockNow(state)
	comp.CurIdx = 0
	comp.Ptr = 0
	comp.Co = 0
	layout.WriteComposite(t.Buf, offset, comp)
	hdr.Ptr = nh.Parent
	hdr.LastResult = layout.Result{State: terminal, Direction: layout.DirUp}
	layout.WriteHeader(t.Buf, *hdr)
}

// downEntry implements §4.7.1.
func (t *Tree) downEntry(hdr *layout.Header, nh layout.NodeHeader, offset uint32, caps task.Capability, state any, dynArgs []param.Parameter) error {
	params := readParams(t.Buf, nh, offset)
	idxs, static := task.BuildIndices(params)
	inst := task.Construct(t.Reg, int(nh.TypeIdx), idxs, static, dynArgs)

	if caps.IsCoroutine() {
		coRunner, ok := inst.(task.CoRunner)
		assertThat(ok, "type %q registered as coroutine lacks CoRun", t.Reg.Name(int(nh.TypeIdx)))
		handle := t.allocHandle()
		t.instances[handle] = inst
		comp := layout.ReadComposite(t.Buf, offset)
		comp.Ptr = handle
		comp.CurIdx = 0
		layout.WriteComposite(t.Buf, offset, comp)

		coro, costate, val, awaitable := coRunner.CoRun(state)
		return t.handleCoSuspend(hdr, nh, offset, handle, inst, coro, costate, val, awaitable, state)
	}

	if caps&task.CapCooldown != 0 {
		cd, ok := inst.(task.Cooldowner)
		assertThat(ok, "type %q declares cooldown capability without Cooldown()", t.Reg.Name(int(nh.TypeIdx)))
		if last, seen := t.lastReturn[offset]; seen {
			if clockNow(state).Sub(last) < cd.Cooldown() {
				hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirDown}
				layout.WriteHeader(t.Buf, *hdr)
				return nil
			}
		}
	}

	handle := t.allocHandle()
	t.instances[handle] = inst
	comp := layout.ReadComposite(t.Buf, offset)
	comp.Ptr = handle
	comp.CurIdx = 0
	layout.WriteComposite(t.Buf, offset, comp)

	if caps&task.CapLoop != 0 {
		looper := inst.(task.Looper)
		count, breakOnFail := looper.Loop()
		t.loopConfig[offset] = loopConfig{count: count, breakOnFail: breakOnFail}
		t.loopIter[offset] = 0
	}

	initState := layout.StateSuccess
	if initer, ok := inst.(task.Initializer); ok {
		initState = initer.Init(state)
	}
	if initState == layout.StateFailed {
		t.callExitAndFree(inst, handle, state)
		comp = layout.ReadComposite(t.Buf, offset)
		t.advance(hdr, nh, offset, comp, layout.StateFailed, state)
		return nil
	}

	runState := layout.StateSuccess
	if runner, ok := inst.(task.Runner); ok {
		runState = runner.Run(state)
	}
	if runState == layout.StateBusy {
		hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirUp}
		layout.WriteHeader(t.Buf, *hdr)
		return nil
	}
	t.callExitAndFree(inst, handle, state)
	comp = layout.ReadComposite(t.Buf, offset)
	t.advance(hdr, nh, offset, comp, runState, state)
	return nil
}

// upFromChild implements the "Composite.ptr == 0" branch of §4.7.2:
// this node is being re-entered because one of its children just
// finished. Unlike advance()'s own-run terminal path, a FAILED child
// does not short-circuit the remaining siblings here (§4.7.2/§236: the
// short-circuit-on-FAILED rule concerns a node's own run skipping its
// children, not a child's result skipping its siblings) — only
// cur_idx reaching children_count ends the pass, at which point the
// decision (loop again or propagate up) is the same one advance()
// makes, so it is routed through afterChildren.
func (t *Tree) upFromChild(hdr *layout.Header, nh layout.NodeHeader, offset uint32, comp layout.Composite, state any) error {
	propagated := hdr.LastResult.State
	if propagated == layout.StateBusy {
		return nil
	}
	if int(comp.CurIdx) >= int(nh.ChildrenCount) {
		t.afterChildren(hdr, nh, offset, comp, propagated, state)
		return nil
	}
	childOff := layout.ReadChild(t.Buf, int(comp.CurIdx), offset)
	comp.CurIdx++
	layout.WriteComposite(t.Buf, offset, comp)
	hdr.Ptr = childOff
	hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirDown}
	layout.WriteHeader(t.Buf, *hdr)
	return nil
}

// upResume implements the "Composite.ptr != 0" branch of §4.7.2: this
// node itself owns a suspended task (plain BUSY re-entry, or a
// coroutine resume).
func (t *Tree) upResume(hdr *layout.Header, nh layout.NodeHeader, offset uint32, comp layout.Composite, caps task.Capability, state any) error {
	handle := comp.Ptr
	inst, ok := t.instances[handle]
	assertThat(ok, "no live instance for handle %d at offset %d", handle, offset)

	if caps.IsCoroutine() {
		return t.resumeCoroutine(hdr, nh, offset, comp, handle, inst, state)
	}

	runState := layout.StateSuccess
	if runner, ok := inst.(task.Runner); ok {
		runState = runner.Run(state)
	}
	if runState == layout.StateBusy {
		hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirUp}
		layout.WriteHeader(t.Buf, *hdr)
		return nil
	}
	t.callExitAndFree(inst, handle, state)
	comp = layout.ReadComposite(t.Buf, offset)
	t.advance(hdr, nh, offset, comp, runState, state)
	return nil
}
