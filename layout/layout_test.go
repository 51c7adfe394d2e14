package layout_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyrun/taskforge/grammar"
	"github.com/canopyrun/taskforge/layout"
	"github.com/canopyrun/taskforge/param"
)

func types() *grammar.TypeTable {
	return grammar.NewTypeTable("TaskA", "TaskB", "TaskC")
}

func TestCompileEmptyForest(t *testing.T) {
	buf, err := layout.Compile(nil)
	require.NoError(t, err)
	hdr := layout.ReadHeader(buf)
	assert.Equal(t, uint32(0), hdr.NodeCount)
	assert.Equal(t, uint16(0), hdr.ChildrenCount)
	assert.Equal(t, uint32(layout.HeaderSize), hdr.FirstNodeOffset)
}

func TestCompileSingleNode(t *testing.T) {
	nodes, err := grammar.Parse("TaskA(true,5)", types())
	require.NoError(t, err)
	buf, err := layout.Compile(nodes)
	require.NoError(t, err)

	hdr := layout.ReadHeader(buf)
	assert.Equal(t, uint32(1), hdr.NodeCount)
	assert.Equal(t, uint16(1), hdr.ChildrenCount)

	rootOff := layout.ReadRootChild(buf, 0)
	assert.Equal(t, hdr.FirstNodeOffset, rootOff)

	nh := layout.ReadNodeHeader(buf, rootOff)
	assert.Equal(t, int16(0), nh.TypeIdx)
	assert.Equal(t, uint32(0), nh.Parent)
	assert.Equal(t, uint16(2), nh.ParamsCount)

	p0 := layout.ReadParam(buf, 0, rootOff)
	assert.True(t, p0.Bool)
	p1 := layout.ReadParam(buf, 1, rootOff)
	assert.Equal(t, int32(5), p1.Int)
}

func TestCompileParentChildOffsets(t *testing.T) {
	nodes, err := grammar.Parse("TaskA[TaskB,TaskC]", types())
	require.NoError(t, err)
	buf, err := layout.Compile(nodes)
	require.NoError(t, err)

	root := layout.ReadRootChild(buf, 0)
	rootHdr := layout.ReadNodeHeader(buf, root)
	require.EqualValues(t, 2, rootHdr.ChildrenCount)

	child0 := layout.ReadChild(buf, 0, root)
	child1 := layout.ReadChild(buf, 1, root)
	assert.NotEqual(t, child0, child1)

	ch0Hdr := layout.ReadNodeHeader(buf, child0)
	ch1Hdr := layout.ReadNodeHeader(buf, child1)
	assert.Equal(t, root, ch0Hdr.Parent)
	assert.Equal(t, root, ch1Hdr.Parent)
	assert.Equal(t, int16(1), ch0Hdr.TypeIdx) // TaskB
	assert.Equal(t, int16(2), ch1Hdr.TypeIdx) // TaskC
}

func TestCompileDeterministic(t *testing.T) {
	src := "TaskA(1,2.5,$0)[TaskB[TaskC]], TaskA"
	nodes, err := grammar.Parse(src, types())
	require.NoError(t, err)

	buf1, err := layout.Compile(nodes)
	require.NoError(t, err)
	buf2, err := layout.Compile(nodes)
	require.NoError(t, err)
	assert.Equal(t, buf1, buf2)
}

func TestCompositeStartsZeroed(t *testing.T) {
	nodes, err := grammar.Parse("TaskA", types())
	require.NoError(t, err)
	buf, err := layout.Compile(nodes)
	require.NoError(t, err)

	root := layout.ReadRootChild(buf, 0)
	c := layout.ReadComposite(buf, root)
	assert.Equal(t, layout.Composite{}, c)
}

func TestWriteParamRoundTrip(t *testing.T) {
	nodes, err := grammar.Parse("TaskA(1,2,3)", types())
	require.NoError(t, err)
	buf, err := layout.Compile(nodes)
	require.NoError(t, err)

	root := layout.ReadRootChild(buf, 0)
	layout.WriteParam(buf, 1, param.Int(99), root)
	got := layout.ReadParam(buf, 1, root)
	assert.Equal(t, int32(99), got.Int)
	// neighboring slots untouched
	assert.Equal(t, int32(1), layout.ReadParam(buf, 0, root).Int)
	assert.Equal(t, int32(3), layout.ReadParam(buf, 2, root).Int)
}
