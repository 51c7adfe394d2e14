package engine

import (
	"github.com/canopyrun/taskforge/layout"
	"github.com/canopyrun/taskforge/task"
)

// handleCoSuspend dispatches the costate produced by a fresh
// CoRunner.CoRun call at DOWN-entry (§4.7.1's coroutine branch).
func (t *Tree) handleCoSuspend(hdr *layout.Header, nh layout.NodeHeader, offset uint32, instHandle uint64, inst any, coro task.Coroutine, costate task.Costate, val layout.State, awaitable task.Awaitable, state any) error {
	switch costate {
	case task.CoYield:
		coHandle := t.allocHandle()
		t.coroutines[coHandle] = coro
		comp := layout.ReadComposite(t.Buf, offset)
		comp.Co = coHandle
		layout.WriteComposite(t.Buf, offset, comp)
		hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirUp}
		layout.WriteHeader(t.Buf, *hdr)
		return nil

	case task.CoAwait:
		coHandle := t.allocHandle()
		t.coroutines[coHandle] = coro
		comp := layout.ReadComposite(t.Buf, offset)
		comp.Co = coHandle
		layout.WriteComposite(t.Buf, offset, comp)
		if awaitable != nil {
			t.awaiting[coHandle] = awaitable
		}
		hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirUp}
		layout.WriteHeader(t.Buf, *hdr)
		return nil

	case task.CoReturn:
		t.callExitAndFree(inst, instHandle, state)
		comp := layout.ReadComposite(t.Buf, offset)
		t.advance(hdr, nh, offset, comp, val, state)
		return nil

	default:
		assertThat(false, "unknown costate %v at offset %d", costate, offset)
		return nil
	}
}

// resumeCoroutine implements the coroutine sub-case of §4.7.2's
// "resume owning task" branch: if the previously recorded costate was
// AWAIT, the coroutine only resumes once the awaited entity reports
// completion; otherwise it resumes unconditionally.
func (t *Tree) resumeCoroutine(hdr *layout.Header, nh layout.NodeHeader, offset uint32, comp layout.Composite, instHandle uint64, inst any, state any) error {
	coHandle := comp.Co
	coro, ok := t.coroutines[coHandle]
	assertThat(ok, "no live coroutine for handle %d at offset %d", coHandle, offset)

	if awaitable, waiting := t.awaiting[coHandle]; waiting {
		if !awaitable.Done() {
			hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirUp}
			layout.WriteHeader(t.Buf, *hdr)
			return nil
		}
		delete(t.awaiting, coHandle)
	}

	costate, val, newAwaitable := coro.Resume(state)
	switch costate {
	case task.CoYield:
		hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirUp}
		layout.WriteHeader(t.Buf, *hdr)
		return nil

	case task.CoAwait:
		if newAwaitable != nil {
			t.awaiting[coHandle] = newAwaitable
		}
		hdr.LastResult = layout.Result{State: layout.StateBusy, Direction: layout.DirUp}
		layout.WriteHeader(t.Buf, *hdr)
		return nil

	case task.CoReturn:
		t.callExitAndFree(inst, instHandle, state)
		delete(t.coroutines, coHandle)
		comp = layout.ReadComposite(t.Buf, offset)
		t.advance(hdr, nh, offset, comp, val, state)
		return nil

	default:
		assertThat(false, "unknown costate %v at offset %d", costate, offset)
		return nil
	}
}
