// Package layout implements the two-pass compiler that turns a parsed
// node list into one contiguous byte buffer, plus the typed codec that
// reads and writes that buffer in place. All multi-byte fields are
// little-endian; every offset inside a record is relative to that
// record's own start, while every offset stored in a children table or
// in Header/NodeHeader.Parent is an absolute position in the buffer.
package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/npillmayer/schuko/tracing"

	"github.com/canopyrun/taskforge/grammar"
	"github.com/canopyrun/taskforge/param"
)

func tracer() tracing.Trace {
	return tracing.Select("taskforge.layout")
}

func assertThat(cond bool, msg string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("layout: invariant violated: "+msg, args...))
	}
}

// State is the outcome of the most recent engine step.
type State uint8

const (
	StateBusy State = iota
	StateFailed
	StateSuccess
)

func (s State) String() string {
	switch s {
	case StateBusy:
		return "BUSY"
	case StateFailed:
		return "FAILED"
	case StateSuccess:
		return "SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// Direction is the traversal direction of the most recent step.
type Direction uint8

const (
	DirDown Direction = iota
	DirUp
)

func (d Direction) String() string {
	if d == DirUp {
		return "UP"
	}
	return "DOWN"
}

// Result bundles the state and direction produced by a step.
type Result struct {
	State     State
	Direction Direction
}

// Header is the fixed-size record at the start of every compiled
// buffer.
type Header struct {
	NodeCount       uint32
	Ptr             uint32
	ChildrenCount   uint16
	FirstNodeOffset uint32
	LastResult      Result
	ChildIdx        uint16
}

// NodeHeader describes one NodeRecord. ChildrenOffset, ParamsOffset
// and CompOffset are relative to this NodeHeader's own buffer offset;
// Parent and the entries of the children table are absolute buffer
// offsets.
type NodeHeader struct {
	TypeIdx        int16
	Parent         uint32
	ChildrenOffset uint32
	ChildrenCount  uint16
	ParamsOffset   uint32
	ParamsCount    uint16
	CompOffset     uint32
	NodeSize       uint32
}

// Composite is the mutable per-node execution state. Ptr and Co are
// opaque runtime handles (not buffer offsets); zero means "none".
type Composite struct {
	Ptr    uint64
	Co     uint64
	CurIdx int16
}

// Fixed wire sizes, in bytes, of the fixed-size records above plus one
// parameter slot and one offset-table entry.
const (
	HeaderSize     = 4 + 4 + 2 + 4 + 1 + 1 + 2
	NodeHeaderSize = 2 + 4 + 4 + 2 + 4 + 2 + 4 + 4
	CompositeSize  = 8 + 8 + 2
	ParamSlotSize  = 5
	OffsetSize     = 4
)

// Compile two-pass-compiles nodes (in parse order, as produced by
// grammar.Parse) into a single zero-initialized, then fully populated,
// byte buffer. An empty node list compiles to a valid zero-node
// buffer whose first step immediately succeeds.
func Compile(nodes []grammar.Node) ([]byte, error) {
	n := len(nodes)

	// index i holds the list of node-list indices that are node i+1's
	// children; index 0 holds the root children, in source order.
	childrenOf := make([][]int, n+1)
	for i, nd := range nodes {
		assertThat(nd.ID == i+1, "node IDs must be dense and parse-ordered, got id=%d at index=%d", nd.ID, i)
		childrenOf[nd.Parent] = append(childrenOf[nd.Parent], i)
	}
	rootChildren := childrenOf[0]

	// Pass A: size.
	recordSize := make([]uint32, n)
	relChildrenOff := make([]uint32, n)
	relParamsOff := make([]uint32, n)
	relCompOff := make([]uint32, n)
	for i, nd := range nodes {
		children := childrenOf[nd.ID]
		relChildrenOff[i] = NodeHeaderSize
		relParamsOff[i] = relChildrenOff[i] + uint32(len(children))*OffsetSize
		relCompOff[i] = relParamsOff[i] + uint32(len(nd.Params))*ParamSlotSize
		recordSize[i] = relCompOff[i] + CompositeSize
	}

	offset := make([]uint32, n)
	running := HeaderSize + uint32(len(rootChildren))*OffsetSize
	for i := range nodes {
		offset[i] = running
		running += recordSize[i]
	}
	total := running

	// Pass B: emit.
	buf := make([]byte, total)

	hdr := Header{
		NodeCount:       uint32(n),
		Ptr:             0,
		ChildrenCount:   uint16(len(rootChildren)),
		FirstNodeOffset: HeaderSize + uint32(len(rootChildren))*OffsetSize,
		LastResult:      Result{State: StateSuccess, Direction: DirDown},
		ChildIdx:        0,
	}
	WriteHeader(buf, hdr)

	for k, idx := range rootChildren {
		WriteRootChild(buf, k, offset[idx])
	}

	for i, nd := range nodes {
		children := childrenOf[nd.ID]
		var parentOffset uint32
		if nd.Parent != 0 {
			parentOffset = offset[nd.Parent-1]
		}
		nh := NodeHeader{
			TypeIdx:        int16(nd.TypeIdx),
			Parent:         parentOffset,
			ChildrenOffset: relChildrenOff[i],
			ChildrenCount:  uint16(len(children)),
			ParamsOffset:   relParamsOff[i],
			ParamsCount:    uint16(len(nd.Params)),
			CompOffset:     relCompOff[i],
			NodeSize:       recordSize[i],
		}
		WriteNodeHeader(buf, offset[i], nh)

		for k, childIdx := range children {
			WriteChild(buf, k, offset[childIdx], offset[i])
		}
		for k, p := range nd.Params {
			WriteParam(buf, k, p, offset[i])
		}
		// Composite is already zero-valued from make([]byte, total).
	}

	tracer().Debugf("compiled %d node(s) into %d byte(s)", n, total)
	return buf, nil
}

// ReadHeader decodes the buffer's Header.
func ReadHeader(buf []byte) Header {
	return Header{
		NodeCount:       binary.LittleEndian.Uint32(buf[0:4]),
		Ptr:             binary.LittleEndian.Uint32(buf[4:8]),
		ChildrenCount:   binary.LittleEndian.Uint16(buf[8:10]),
		FirstNodeOffset: binary.LittleEndian.Uint32(buf[10:14]),
		LastResult: Result{
			State:     State(buf[14]),
			Direction: Direction(buf[15]),
		},
		ChildIdx: binary.LittleEndian.Uint16(buf[16:18]),
	}
}

// WriteHeader encodes h into the buffer's Header position.
func WriteHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.NodeCount)
	binary.LittleEndian.PutUint32(buf[4:8], h.Ptr)
	binary.LittleEndian.PutUint16(buf[8:10], h.ChildrenCount)
	binary.LittleEndian.PutUint32(buf[10:14], h.FirstNodeOffset)
	buf[14] = byte(h.LastResult.State)
	buf[15] = byte(h.LastResult.Direction)
	binary.LittleEndian.PutUint16(buf[16:18], h.ChildIdx)
}

// ReadRootChild returns the absolute offset of the i-th root child.
func ReadRootChild(buf []byte, i int) uint32 {
	pos := HeaderSize + uint32(i)*OffsetSize
	return binary.LittleEndian.Uint32(buf[pos : pos+4])
}

// WriteRootChild writes off as the i-th root child's absolute offset.
func WriteRootChild(buf []byte, i int, off uint32) {
	pos := HeaderSize + uint32(i)*OffsetSize
	binary.LittleEndian.PutUint32(buf[pos:pos+4], off)
}

// ReadNodeHeader decodes the NodeHeader at nodeOffset.
func ReadNodeHeader(buf []byte, nodeOffset uint32) NodeHeader {
	b := buf[nodeOffset:]
	return NodeHeader{
		TypeIdx:        int16(binary.LittleEndian.Uint16(b[0:2])),
		Parent:         binary.LittleEndian.Uint32(b[2:6]),
		ChildrenOffset: binary.LittleEndian.Uint32(b[6:10]),
		ChildrenCount:  binary.LittleEndian.Uint16(b[10:12]),
		ParamsOffset:   binary.LittleEndian.Uint32(b[12:16]),
		ParamsCount:    binary.LittleEndian.Uint16(b[16:18]),
		CompOffset:     binary.LittleEndian.Uint32(b[18:22]),
		NodeSize:       binary.LittleEndian.Uint32(b[22:26]),
	}
}

// WriteNodeHeader encodes nh at nodeOffset.
func WriteNodeHeader(buf []byte, nodeOffset uint32, nh NodeHeader) {
	b := buf[nodeOffset:]
	binary.LittleEndian.PutUint16(b[0:2], uint16(nh.TypeIdx))
	binary.LittleEndian.PutUint32(b[2:6], nh.Parent)
	binary.LittleEndian.PutUint32(b[6:10], nh.ChildrenOffset)
	binary.LittleEndian.PutUint16(b[10:12], nh.ChildrenCount)
	binary.LittleEndian.PutUint32(b[12:16], nh.ParamsOffset)
	binary.LittleEndian.PutUint16(b[16:18], nh.ParamsCount)
	binary.LittleEndian.PutUint32(b[18:22], nh.CompOffset)
	binary.LittleEndian.PutUint32(b[22:26], nh.NodeSize)
}

// ReadChild returns the absolute offset of the i-th child of the node
// record at nodeOffset.
func ReadChild(buf []byte, i int, nodeOffset uint32) uint32 {
	nh := ReadNodeHeader(buf, nodeOffset)
	pos := nodeOffset + nh.ChildrenOffset + uint32(i)*OffsetSize
	return binary.LittleEndian.Uint32(buf[pos : pos+4])
}

// WriteChild writes off as the absolute offset of the i-th child of
// the node record at nodeOffset.
func WriteChild(buf []byte, i int, off uint32, nodeOffset uint32) {
	nh := ReadNodeHeader(buf, nodeOffset)
	pos := nodeOffset + nh.ChildrenOffset + uint32(i)*OffsetSize
	binary.LittleEndian.PutUint32(buf[pos:pos+4], off)
}

// ReadComposite decodes the Composite of the node record at
// nodeOffset.
func ReadComposite(buf []byte, nodeOffset uint32) Composite {
	nh := ReadNodeHeader(buf, nodeOffset)
	b := buf[nodeOffset+nh.CompOffset:]
	return Composite{
		Ptr:    binary.LittleEndian.Uint64(b[0:8]),
		Co:     binary.LittleEndian.Uint64(b[8:16]),
		CurIdx: int16(binary.LittleEndian.Uint16(b[16:18])),
	}
}

// WriteComposite encodes c into the node record at nodeOffset.
func WriteComposite(buf []byte, nodeOffset uint32, c Composite) {
	nh := ReadNodeHeader(buf, nodeOffset)
	b := buf[nodeOffset+nh.CompOffset:]
	binary.LittleEndian.PutUint64(b[0:8], c.Ptr)
	binary.LittleEndian.PutUint64(b[8:16], c.Co)
	binary.LittleEndian.PutUint16(b[16:18], uint16(c.CurIdx))
}

// ReadParam decodes the i-th parameter slot of the node record at
// nodeOffset.
func ReadParam(buf []byte, i int, nodeOffset uint32) param.Parameter {
	nh := ReadNodeHeader(buf, nodeOffset)
	pos := nodeOffset + nh.ParamsOffset + uint32(i)*ParamSlotSize
	tag := buf[pos]
	payload := binary.LittleEndian.Uint32(buf[pos+1 : pos+5])
	return param.FromWire(tag, payload)
}

// WriteParam encodes p into the i-th parameter slot of the node
// record at nodeOffset.
func WriteParam(buf []byte, i int, p param.Parameter, nodeOffset uint32) {
	nh := ReadNodeHeader(buf, nodeOffset)
	pos := nodeOffset + nh.ParamsOffset + uint32(i)*ParamSlotSize
	buf[pos] = uint8(p.Kind)
	binary.LittleEndian.PutUint32(buf[pos+1:pos+5], p.Payload())
}
