// Package debug pretty-prints a compiled buffer for inspection: the
// grammar's dense node list is gone once compiled, so this is the only
// way left to look at a tree's shape and per-node runtime state.
package debug

import (
	"fmt"

	tp "github.com/xlab/treeprint"

	"github.com/canopyrun/taskforge/layout"
	"github.com/canopyrun/taskforge/task"
)

// Render walks a compiled buffer and renders it as an indented tree,
// one line per node, each annotated with its registered type name,
// parameter count and current Composite (the live-instance handle, the
// coroutine handle, and the next-child cursor).
func Render(buf []byte, reg *task.Registry) string {
	hdr := layout.ReadHeader(buf)
	header := fmt.Sprintf("forest(nodes=%d, ptr=%d, result=%s/%s)\n",
		hdr.NodeCount, hdr.Ptr, hdr.LastResult.State, hdr.LastResult.Direction)

	root := tp.New()
	for i := 0; i < int(hdr.ChildrenCount); i++ {
		renderNode(root, buf, reg, layout.ReadRootChild(buf, i))
	}
	return header + root.String()
}

func renderNode(parent tp.Tree, buf []byte, reg *task.Registry, offset uint32) {
	nh := layout.ReadNodeHeader(buf, offset)
	comp := layout.ReadComposite(buf, offset)
	label := fmt.Sprintf("%s @%d (params=%d composite={ptr=%d co=%d cur=%d})",
		reg.Name(int(nh.TypeIdx)), offset, nh.ParamsCount, comp.Ptr, comp.Co, comp.CurIdx)

	if nh.ChildrenCount == 0 {
		parent.AddNode(label)
		return
	}
	branch := parent.AddBranch(label)
	for i := 0; i < int(nh.ChildrenCount); i++ {
		renderNode(branch, buf, reg, layout.ReadChild(buf, i, offset))
	}
}
