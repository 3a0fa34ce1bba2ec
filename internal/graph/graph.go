// Package graph implements the lowering orchestrator: it walks a traced
// computation graph once in trace order, resolves symbolic shapes,
// dispatches every operator to a lowering handler, applies the global
// layout decision and the per-node materialization policy, tracks
// mutation and aliasing, and hands the resulting IR to the scheduler and
// wrapper code generator.
package graph

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loom-ml/loom/internal/codegen"
	"github.com/loom-ml/loom/internal/codegen/cpu"
	"github.com/loom-ml/loom/internal/config"
	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
	"github.com/loom-ml/loom/internal/trace"
)

var log = slog.Default().With("component", "graph")

// Options configure one lowering run.
type Options struct {
	// Config falls back to config.Default when nil.
	Config *config.Config

	// ShapeEnv shares a duck-shaping context across graphs. When nil a
	// fresh env is created and new symbols get synthetic provenance.
	ShapeEnv *sym.ShapeEnv

	// GraphID defaults to a fresh uuid.
	GraphID string

	// DynamicShapes resolves non-static placeholder shapes symbolically.
	DynamicShapes bool

	// NumStaticInputs: the first N inputs are weights and always get
	// concrete size/stride expressions.
	NumStaticInputs int

	// Constants provides the tensors behind get_attr nodes.
	Constants map[string]*tensor.RawTensor

	// UserVisibleOutputs names trace nodes whose strides must match the
	// traced example exactly.
	UserVisibleOutputs []string

	// LayoutOpt overrides the layout heuristic when non-nil.
	LayoutOpt *bool
}

// GraphLowering lowers one traced graph. It exclusively owns the buffer
// list, constant table, and user graph for the duration of the run;
// lowering is strictly single-threaded.
type GraphLowering struct {
	cfg           *config.Config
	src           *trace.Graph
	shapeEnv      *sym.ShapeEnv
	reuseShapeEnv bool
	dynamicShapes bool
	graphID       string

	graphInputs         map[string]ir.Value
	graphInputNames     []string
	graphInputsOriginal map[string]*ir.InputBuffer
	graphOutputs        []ir.Value

	deviceClasses map[tensor.DeviceClass]bool

	buffers      []ir.Buffer
	nameToBuffer map[string]ir.Buffer
	lists        map[string][]string

	constants      map[string]*tensor.RawTensor
	constantOrder  []string
	constantHashes map[string]string
	attrValues     map[string]*tensor.RawTensor

	nameToUsers    map[string][]*ir.TensorBox
	mutatedBuffers map[string]bool
	mutatedInputs  map[string]bool
	mutatedIdxs    []int

	externKernels []*ir.ExternKernelRecord

	layoutOpt               bool
	nodesPreferChannelsLast map[*trace.Node]bool
	numChannelsLastConv     int

	userVisibleOutputs map[string]bool
	warnedFallback     map[string]bool

	env             map[*trace.Node]ir.Value
	currentNode     *trace.Node
	numStaticInputs int
}

// New prepares a lowering run over the traced graph. The layout decision
// is taken here, once, before any node is visited.
func New(src *trace.Graph, opts Options) *GraphLowering {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	env := opts.ShapeEnv
	reuse := env != nil
	if env == nil {
		env = sym.NewShapeEnv()
	}
	id := opts.GraphID
	if id == "" {
		id = uuid.NewString()
	}

	gl := &GraphLowering{
		cfg:                 cfg,
		src:                 src,
		shapeEnv:            env,
		reuseShapeEnv:       reuse,
		dynamicShapes:       opts.DynamicShapes,
		graphID:             id,
		graphInputs:         make(map[string]ir.Value),
		graphInputsOriginal: make(map[string]*ir.InputBuffer),
		deviceClasses:       make(map[tensor.DeviceClass]bool),
		nameToBuffer:        make(map[string]ir.Buffer),
		lists:               make(map[string][]string),
		constants:           make(map[string]*tensor.RawTensor),
		constantHashes:      make(map[string]string),
		attrValues:          opts.Constants,
		nameToUsers:         make(map[string][]*ir.TensorBox),
		mutatedBuffers:      make(map[string]bool),
		mutatedInputs:       make(map[string]bool),
		userVisibleOutputs:  make(map[string]bool),
		warnedFallback:      map[string]bool{"aten.convolution_backward": true},
		env:                 make(map[*trace.Node]ir.Value),
	}
	for _, name := range opts.UserVisibleOutputs {
		gl.userVisibleOutputs[name] = true
	}
	gl.numStaticInputs = opts.NumStaticInputs

	if opts.LayoutOpt != nil {
		gl.layoutOpt = *opts.LayoutOpt
	} else {
		gl.layoutOpt = DecideLayoutOpt(src, cfg, opts.DynamicShapes)
	}
	if gl.layoutOpt {
		gl.nodesPreferChannelsLast = findNodesPreferChannelsLast(src)
	} else {
		gl.nodesPreferChannelsLast = map[*trace.Node]bool{}
	}

	gl.initBackendRegistration()
	return gl
}

func (gl *GraphLowering) initBackendRegistration() {
	if _, ok := codegen.SchedulingFor(tensor.CPU); !ok {
		cpu.Register()
	}
}

// GraphID returns the run's identifier.
func (gl *GraphLowering) GraphID() string { return gl.graphID }

// LayoutOptEnabled reports the global layout decision.
func (gl *GraphLowering) LayoutOptEnabled() bool { return gl.layoutOpt }

// NumChannelsLastConv returns how many convolutions were forced to the
// channels-last order in this graph.
func (gl *GraphLowering) NumChannelsLastConv() int { return gl.numChannelsLastConv }

// Buffers returns the realized buffer list.
func (gl *GraphLowering) Buffers() []ir.Buffer { return gl.buffers }

// RegisterBuffer appends a buffer to the buffer list, naming it buf<N>
// when unnamed. The list is append-only; names are never reused.
func (gl *GraphLowering) RegisterBuffer(buf ir.Buffer) string {
	if buf.Name() == "" {
		buf.SetName(fmt.Sprintf("buf%d", len(gl.buffers)))
	}
	gl.buffers = append(gl.buffers, buf)
	gl.nameToBuffer[buf.Name()] = buf
	gl.deviceClasses[buf.Layout().Device().Class] = true
	return buf.Name()
}

// RegisterList records the buffer names behind a tuple result.
func (gl *GraphLowering) RegisterList(names []string) string {
	name := "list"
	for _, n := range names {
		name += "_" + n
	}
	gl.lists[name] = names
	return name
}

// Lists returns the recorded tuple results by name.
func (gl *GraphLowering) Lists() map[string][]string { return gl.lists }

// AddExternKernel records a fallback call for cross-process codegen.
func (gl *GraphLowering) AddExternKernel(rec *ir.ExternKernelRecord) {
	gl.externKernels = append(gl.externKernels, rec)
}

// RealizeReadsThreshold bounds accumulated reads of an inlined value.
func (gl *GraphLowering) RealizeReadsThreshold() int {
	return gl.cfg.RealizeReadsThreshold
}

// WarnFallback logs a deduplicated performance hint for the operator.
// Fallbacks are never errors; they only cost fusion opportunities.
func (gl *GraphLowering) WarnFallback(op string) {
	if gl.warnedFallback[op] {
		return
	}
	gl.warnedFallback[op] = true
	log.Info("using fallback kernel", "op", op)
}

// CountChannelsLastConv bumps the per-graph conv layout counter.
func (gl *GraphLowering) CountChannelsLastConv() { gl.numChannelsLastConv++ }

// MarkBufferMutated records an in-place write to the named buffer and
// materializes every currently-known reader so it observes the
// pre-mutation value. Readers registered afterwards are unaffected.
func (gl *GraphLowering) MarkBufferMutated(name string) {
	gl.mutatedBuffers[name] = true
	for _, user := range gl.nameToUsers[name] {
		user.Realize()
	}
}

// registerUsersOf indexes the readers of every buffer the result reads.
// The user graph drives mutation invalidation and is built incrementally,
// never rebuilt.
func (gl *GraphLowering) registerUsersOf(v ir.Value) {
	switch val := v.(type) {
	case *ir.TensorBox:
		for _, read := range val.ReadNames() {
			gl.nameToUsers[read] = append(gl.nameToUsers[read], val)
		}
	case ir.List:
		for _, item := range val.Items {
			gl.registerUsersOf(item)
		}
	}
}

// ResolveMeta converts example metadata to size/stride expressions:
// duck-shaped against the shape env in dynamic mode, concrete otherwise.
func (gl *GraphLowering) ResolveMeta(m *tensor.Meta) ([]sym.Size, []sym.Size) {
	if gl.dynamicShapes {
		source := "intermediate"
		if gl.currentNode != nil {
			source = gl.currentNode.Name
		}
		return gl.symbolicSizesStrides(m, source)
	}
	return gl.staticSizesStrides(m)
}

// symbolicSizesStrides assigns duck-shaped variables to each dimension:
// equal concrete extents share one symbolic variable.
func (gl *GraphLowering) symbolicSizesStrides(m *tensor.Meta, source string) ([]sym.Size, []sym.Size) {
	if !m.IsTensor() {
		panic(fmt.Sprintf("symbolic sizes of non-tensor metadata (kind %d)", m.Kind))
	}
	if !gl.reuseShapeEnv {
		source = fmt.Sprintf("unknown_tensor_%d", gl.shapeEnv.NumVars())
	}
	sizes := make([]sym.Size, len(m.Shape))
	for i, d := range m.Shape {
		sizes[i] = gl.shapeEnv.SymbolFor(int64(d), source)
	}
	strides := make([]sym.Size, len(m.Stride))
	for i, d := range m.Stride {
		strides[i] = gl.shapeEnv.SymbolFor(int64(d), source)
	}
	return sizes, strides
}

// staticSizesStrides emits concrete integer expressions; used for
// weights and constants, whose extents never vary between invocations.
func (gl *GraphLowering) staticSizesStrides(m *tensor.Meta) ([]sym.Size, []sym.Size) {
	if !m.IsTensor() {
		panic(fmt.Sprintf("static sizes of non-tensor metadata (kind %d)", m.Kind))
	}
	sizes := make([]sym.Size, len(m.Shape))
	for i, d := range m.Shape {
		sizes[i] = sym.Const(int64(d))
	}
	strides := make([]sym.Size, len(m.Stride))
	for i, d := range m.Stride {
		strides[i] = sym.Const(int64(d))
	}
	return sizes, strides
}

// GetBuffer resolves a name to a registered buffer or graph input.
func (gl *GraphLowering) GetBuffer(name string) ir.Buffer {
	if buf, ok := gl.nameToBuffer[name]; ok {
		return buf
	}
	if v, ok := gl.graphInputs[name]; ok {
		if tb, ok := v.(*ir.TensorBox); ok {
			return tb.Data.Buffer()
		}
	}
	return nil
}

// GetDType resolves a buffer name to its dtype, following view-wrapped
// names like "view(buf0)" to their base storage.
func (gl *GraphLowering) GetDType(name string) (tensor.DataType, error) {
	if c, ok := gl.constants[name]; ok {
		return c.DType(), nil
	}
	if buf := gl.GetBuffer(name); buf != nil {
		return buf.Layout().DType(), nil
	}
	if base, ok := viewBase(name); ok {
		return gl.GetDType(base)
	}
	return 0, fmt.Errorf("could not find %s", name)
}

// GetNumel resolves a buffer name to its element count.
func (gl *GraphLowering) GetNumel(name string) (int64, error) {
	if c, ok := gl.constants[name]; ok {
		return int64(c.NumElements()), nil
	}
	if buf := gl.GetBuffer(name); buf != nil {
		if _, ok := buf.Layout().(*ir.MultiOutputLayout); ok {
			return 1, nil
		}
		n := int64(1)
		for _, s := range buf.Layout().Sizes() {
			n *= s.Hint()
		}
		return n, nil
	}
	if base, ok := viewBase(name); ok {
		return gl.GetNumel(base)
	}
	return 0, fmt.Errorf("could not find %s", name)
}

// IsUnspecArg reports whether the input is a scalar wrapped as a 0-d CPU
// tensor, which codegen converts back to a plain scalar.
func (gl *GraphLowering) IsUnspecArg(name string) bool {
	v, ok := gl.graphInputs[name]
	if !ok {
		return false
	}
	tb, ok := v.(*ir.TensorBox)
	if !ok {
		return false
	}
	return len(tb.Sizes()) == 0 && tb.Device().Class == tensor.CPU
}

func viewBase(name string) (string, bool) {
	if len(name) > 6 && name[:5] == "view(" && name[len(name)-1] == ')' {
		return name[5 : len(name)-1], true
	}
	return "", false
}
