package task

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/npillmayer/schuko/tracing"

	"github.com/canopyrun/taskforge/param"
)

func tracer() tracing.Trace {
	return tracing.Select("taskforge.task")
}

func assertThat(cond bool, msg string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("task: invariant violated: "+msg, args...))
	}
}

// ErrMutuallyExclusive is returned by Register when a prototype offers
// both co_run and run.
var ErrMutuallyExclusive = errors.New("task: co_run is mutually exclusive with run")

// ErrNotStruct is returned by Register when a prototype does not
// point at a struct.
var ErrNotStruct = errors.New("task: prototype must be a pointer to a struct")

// Registry is the compile-time-fixed variant V: an ordered set of
// registered task types, each reduced to a capability mask and the
// struct type whose declared fields Construct assigns.
type Registry struct {
	names        []string
	index        map[string]int
	capabilities []Capability
	elems        []reflect.Type
}

// NewRegistry returns an empty, ready-to-populate Registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register declares one variant alternative under name, detecting its
// capabilities from which of Initializer/Runner/Exiter/CoRunner the
// prototype (a pointer to a zero-valued instance, e.g. &TaskA{})
// implements, and recording its declared field order for Construct.
// Returns the new type's index.
func (r *Registry) Register(name string, prototype any) (int, error) {
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return 0, ErrNotStruct
	}

	var cap Capability
	if _, ok := prototype.(Initializer); ok {
		cap |= CapInit
	}
	if _, ok := prototype.(Runner); ok {
		cap |= CapRun
	}
	if _, ok := prototype.(Exiter); ok {
		cap |= CapExit
	}
	if _, ok := prototype.(CoRunner); ok {
		cap |= CapCoRun
	}
	if _, ok := prototype.(Looper); ok {
		cap |= CapLoop
	}
	if _, ok := prototype.(Cooldowner); ok {
		cap |= CapCooldown
	}
	if cap&CapCoRun != 0 && cap&CapRun != 0 {
		return 0, ErrMutuallyExclusive
	}

	_, dup := r.index[name]
	assertThat(!dup, "type name %q already registered", name)

	idx := len(r.names)
	r.names = append(r.names, name)
	r.index[name] = idx
	r.capabilities = append(r.capabilities, cap)
	r.elems = append(r.elems, t.Elem())
	tracer().Debugf("registered type %q at index %d with capabilities %s", name, idx, cap)
	return idx, nil
}

// Index resolves a registered type name to its variant index.
func (r *Registry) Index(name string) (int, bool) {
	idx, ok := r.index[name]
	return idx, ok
}

// Name returns the registered name for a variant index.
func (r *Registry) Name(typeIdx int) string {
	return r.names[typeIdx]
}

// Capabilities returns the capability mask for a variant index.
func (r *Registry) Capabilities(typeIdx int) Capability {
	return r.capabilities[typeIdx]
}

// NumFields returns the declared field count of a variant's struct.
func (r *Registry) NumFields(typeIdx int) int {
	return r.elems[typeIdx].NumField()
}

// New allocates a zero-valued instance of typeIdx's type and returns
// it addressable, ready for field assignment by Construct.
func (r *Registry) New(typeIdx int) reflect.Value {
	return reflect.New(r.elems[typeIdx]).Elem()
}

// BuildIndices implements §4.6 step 3: walk a node's parameter slots
// left-to-right, recording dynamic slots' raw dyn_args index and
// appending static slots to staticParams (idxs records their
// position there); after the pass, dynamic positions in idxs are
// shifted by +len(staticParams) so they address the dynamic suffix of
// the combined (staticParams, dynArgs) sequence.
func BuildIndices(params []param.Parameter) (idxs []uint32, staticParams []param.Parameter) {
	idxs = make([]uint32, len(params))
	var dynPositions []int
	for i, p := range params {
		if p.IsDynamic() {
			idxs[i] = p.Dyn
			dynPositions = append(dynPositions, i)
		} else {
			idxs[i] = uint32(len(staticParams))
			staticParams = append(staticParams, p)
		}
	}
	shift := uint32(len(staticParams))
	for _, i := range dynPositions {
		idxs[i] += shift
	}
	return idxs, staticParams
}

// Construct implements §4.6 steps 1-2: default-construct an instance
// of typeIdx, then for each declared field (up to len(idxs)) resolve
// its source Parameter from staticParams/dynArgs via idxs and assign
// it if the source's kind matches the field's arithmetic kind; on
// mismatch the field is left at its zero value.
func Construct(r *Registry, typeIdx int, idxs []uint32, staticParams, dynArgs []param.Parameter) any {
	assertThat(typeIdx >= 0 && typeIdx < len(r.elems), "type index %d out of range", typeIdx)
	v := r.New(typeIdx)
	n := v.NumField()
	limit := n
	if len(idxs) < limit {
		limit = len(idxs)
	}
	for k := 0; k < limit; k++ {
		sidx := int(idxs[k])
		var src param.Parameter
		if sidx < len(staticParams) {
			src = staticParams[sidx]
		} else {
			d := sidx - len(staticParams)
			if d < 0 || d >= len(dynArgs) {
				continue
			}
			src = dynArgs[d]
		}
		assignField(v.Field(k), src)
	}
	return v.Addr().Interface()
}

// assignField assigns p into field if their arithmetic kinds match,
// leaving field untouched otherwise (§4.6's "left at default" rule).
func assignField(field reflect.Value, p param.Parameter) {
	switch field.Kind() {
	case reflect.Bool:
		if p.Kind == param.KindBool {
			field.SetBool(p.Bool)
		}
	case reflect.Int32:
		if p.Kind == param.KindInt {
			field.SetInt(int64(p.Int))
		}
	case reflect.Float32:
		if p.Kind == param.KindFloat {
			field.SetFloat(float64(p.Float))
		}
	case reflect.Uint32:
		if p.Kind == param.KindDyn {
			field.SetUint(uint64(p.Dyn))
		}
	}
}
