package debug_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyrun/taskforge/debug"
	"github.com/canopyrun/taskforge/grammar"
	"github.com/canopyrun/taskforge/layout"
	"github.com/canopyrun/taskforge/task"
)

type noopTask struct{ Val int32 }

func (n *noopTask) Init(state any) layout.State { return layout.StateSuccess }
func (n *noopTask) Run(state any) layout.State  { return layout.StateSuccess }
func (n *noopTask) Exit(state any)              {}

func TestRenderIncludesTypeNamesAndNesting(t *testing.T) {
	types := grammar.NewTypeTable("TaskA", "TaskB")
	reg := task.NewRegistry()
	_, err := reg.Register("TaskA", &noopTask{})
	require.NoError(t, err)
	_, err = reg.Register("TaskB", &noopTask{})
	require.NoError(t, err)

	nodes, err := grammar.Parse("TaskA(5)[TaskB]", types)
	require.NoError(t, err)
	buf, err := layout.Compile(nodes)
	require.NoError(t, err)

	out := debug.Render(buf, reg)
	assert.Contains(t, out, "TaskA")
	assert.Contains(t, out, "TaskB")
	assert.Contains(t, out, "forest(nodes=2")
	// TaskB must render nested (indented) under TaskA, not at the
	// top level.
	lines := strings.Split(out, "\n")
	var taskALine, taskBLine string
	for _, line := range lines {
		if strings.Contains(line, "TaskA") {
			taskALine = line
		}
		if strings.Contains(line, "TaskB") {
			taskBLine = line
		}
	}
	require.NotEmpty(t, taskALine)
	require.NotEmpty(t, taskBLine)
	// TaskB is nested one level deeper than TaskA, so its tree-drawing
	// prefix (everything before the label itself) is longer.
	assert.Greater(t, strings.Index(taskBLine, "TaskB"), strings.Index(taskALine, "TaskA"))
}

func TestRenderEmptyForest(t *testing.T) {
	types := grammar.NewTypeTable()
	reg := task.NewRegistry()
	nodes, err := grammar.Parse("", types)
	require.NoError(t, err)
	buf, err := layout.Compile(nodes)
	require.NoError(t, err)

	out := debug.Render(buf, reg)
	assert.Contains(t, out, "forest(nodes=0")
}
