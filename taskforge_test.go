package taskforge_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyrun/taskforge"
	"github.com/canopyrun/taskforge/dispatch"
	"github.com/canopyrun/taskforge/grammar"
	"github.com/canopyrun/taskforge/layout"
	"github.com/canopyrun/taskforge/param"
)

type runState struct {
	log []string
}

type greetTask struct {
	Val int32
}

func (g *greetTask) Init(state any) layout.State { return layout.StateSuccess }
func (g *greetTask) Run(state any) layout.State {
	state.(*runState).log = append(state.(*runState).log, "ran")
	return layout.StateSuccess
}
func (g *greetTask) Exit(state any) {}

func TestRegisterCompilePrepareRunsToCompletion(t *testing.T) {
	types, reg, err := taskforge.RegisterTypes([]string{"Greet"}, []any{&greetTask{}})
	require.NoError(t, err)

	buf, err := taskforge.Compile("Greet($0)", types)
	require.NoError(t, err)

	st := &runState{}
	step := taskforge.Prepare(buf, reg, st, param.Int(7))

	var result layout.State
	for i := 0; i < 10; i++ {
		result, err = step()
		require.NoError(t, err)
		if result != layout.StateBusy {
			break
		}
	}
	assert.Equal(t, layout.StateSuccess, result)
	assert.Equal(t, []string{"ran"}, st.log)
}

func TestCompileSurfacesParseErrorUnwrapped(t *testing.T) {
	types, _, err := taskforge.RegisterTypes(nil, nil)
	require.NoError(t, err)

	_, err = taskforge.Compile("Bogus", types)
	require.Error(t, err)
	var perr *grammar.ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestEnqueueAndRunTickDrivesQueueToCompletion(t *testing.T) {
	types, reg, err := taskforge.RegisterTypes([]string{"Greet"}, []any{&greetTask{}})
	require.NoError(t, err)

	q := dispatch.NewQueue()
	st := &runState{}
	entry, err := taskforge.Enqueue(q, 0, dispatch.Full1, "greet", "Greet", types, reg, st)
	require.NoError(t, err)

	require.NoError(t, taskforge.RunTick(q))
	assert.True(t, entry.Done())
	result, err := entry.Result()
	assert.NoError(t, err)
	assert.Equal(t, layout.StateSuccess, result)
	assert.Equal(t, []string{"ran"}, st.log)
}
