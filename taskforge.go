// Package taskforge ties the grammar, layout, task, engine and
// dispatch packages together into the small, abstract surface a caller
// actually needs: register your task types once, compile a source
// string into a Buffer, prepare a step closure against some state, and
// either drive it yourself or hand it to a Queue.
package taskforge

import (
	"github.com/canopyrun/taskforge/dispatch"
	"github.com/canopyrun/taskforge/engine"
	"github.com/canopyrun/taskforge/grammar"
	"github.com/canopyrun/taskforge/layout"
	"github.com/canopyrun/taskforge/param"
	"github.com/canopyrun/taskforge/task"
)

// Buffer is a compiled forest, ready to be stepped. The *engine.Tree
// that Prepare builds steps these same bytes in place, so the Header
// and Composite slots inside them change as the tree runs; the runtime
// side-tables a byte buffer can't itself hold live in that Tree.
type Buffer struct {
	bytes []byte
	types *grammar.TypeTable
}

// RegisterTypes declares the variant set V once, up front: names maps
// one-to-one with their zero-valued prototypes (pointers to structs
// implementing any subset of task.Initializer/Runner/Exiter/CoRunner/
// Looper/Cooldowner). Both the grammar's type table and the task
// registry are built from the same name order, so a name's grammar
// index and its registry index always agree.
func RegisterTypes(names []string, prototypes []any) (*grammar.TypeTable, *task.Registry, error) {
	reg := task.NewRegistry()
	for i, name := range names {
		if _, err := reg.Register(name, prototypes[i]); err != nil {
			return nil, nil, err
		}
	}
	return grammar.NewTypeTable(names...), reg, nil
}

// Compile parses source against types and two-pass-compiles it into a
// Buffer. A grammar.ParseError is returned unwrapped so callers can
// errors.As against it; no partial buffer is ever produced.
func Compile(source string, types *grammar.TypeTable) (*Buffer, error) {
	nodes, err := grammar.Parse(source, types)
	if err != nil {
		return nil, err
	}
	bytes, err := layout.Compile(nodes)
	if err != nil {
		return nil, err
	}
	return &Buffer{bytes: bytes, types: types}, nil
}

// Prepare binds a compiled Buffer to a Registry and returns a
// zero-argument closure that performs exactly one engine step when
// called, threading state and the dynamic dispatch arguments addressed
// by $N parameter references into every task operation it reaches.
func Prepare(buf *Buffer, reg *task.Registry, state any, args ...param.Parameter) dispatch.StepFunc {
	tree := engine.NewTree(buf.bytes, reg)
	return func() (layout.State, error) {
		result, err := tree.Step(state, args)
		return result.State, err
	}
}

// Enqueue compiles source, prepares it against reg/state/args, and
// inserts it into q under the given priority and tick discipline,
// returning the resulting entry. The entry itself satisfies
// task.Awaitable, so it can be handed directly to another task's
// co_await as well as polled by the caller.
func Enqueue(q *dispatch.Queue, priority int32, mode dispatch.Mode, label string, source string, types *grammar.TypeTable, reg *task.Registry, state any, args ...param.Parameter) (*dispatch.Entry, error) {
	buf, err := Compile(source, types)
	if err != nil {
		return nil, err
	}
	step := Prepare(buf, reg, state, args...)
	return q.Enqueue(priority, mode, label, step), nil
}

// RunTick advances q once, per §4.9's tick semantics.
func RunTick(q *dispatch.Queue) error {
	return q.RunOnce()
}
