package ir

import (
	"fmt"

	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

// Buffer is a named IR node with a layout. Buffers are append-only in the
// graph's buffer list once registered; names are never reused.
type Buffer interface {
	Name() string
	SetName(name string)
	Layout() Layout
	// ReadNames returns the buffer names this buffer reads when computed.
	ReadNames() []string
	// Origin is the trace-node index the buffer came from, or -1.
	Origin() int
	SetOrigin(idx int)
}

type bufferBase struct {
	name   string
	layout Layout
	origin int
}

func (b *bufferBase) Name() string      { return b.name }
func (b *bufferBase) SetName(n string)  { b.name = n }
func (b *bufferBase) Layout() Layout    { return b.layout }
func (b *bufferBase) Origin() int       { return b.origin }
func (b *bufferBase) SetOrigin(idx int) { b.origin = idx }

// InputBuffer is a graph input placeholder with a fixed layout.
type InputBuffer struct {
	bufferBase
}

// NewInputBuffer builds an input placeholder.
func NewInputBuffer(name string, layout *FixedLayout) *InputBuffer {
	return &InputBuffer{bufferBase{name: name, layout: layout, origin: -1}}
}

func (b *InputBuffer) ReadNames() []string { return nil }

// ConstantBuffer refers to an entry in the graph's constant table.
type ConstantBuffer struct {
	bufferBase
}

// NewConstantBuffer builds a reference to a named constant.
func NewConstantBuffer(name string, layout *FixedLayout) *ConstantBuffer {
	return &ConstantBuffer{bufferBase{name: name, layout: layout, origin: -1}}
}

func (b *ConstantBuffer) ReadNames() []string { return nil }

// ComputedBuffer owns a deferred expression until the scheduler consumes
// it. Its layout stays flexible until DecideLayout freezes it.
type ComputedBuffer struct {
	bufferBase
	Expr Expr
}

// NewComputedBuffer wraps an expression in an unnamed computed buffer.
func NewComputedBuffer(expr Expr) *ComputedBuffer {
	return &ComputedBuffer{
		bufferBase: bufferBase{
			layout: NewFlexibleLayout(expr.Device(), expr.DType(), expr.Sizes()),
			origin: expr.Origin(),
		},
		Expr: expr,
	}
}

func (b *ComputedBuffer) ReadNames() []string { return b.Expr.Loads() }

// FreezeLayout decides a still-flexible layout with an explicit stride
// order. No-op for already fixed layouts.
func (b *ComputedBuffer) FreezeLayout(order []int) {
	if fl, ok := b.layout.(*FlexibleLayout); ok {
		if order == nil {
			b.layout = fl.Freeze()
		} else {
			b.layout = fl.FreezeWithOrder(order)
		}
	}
}

// DecideLayout resolves the final concrete layout: a no-op for fixed
// layouts, contiguous concretization for flexible ones.
func (b *ComputedBuffer) DecideLayout() {
	b.FreezeLayout(nil)
}

// View aliases another buffer's storage under a different logical layout
// without owning memory.
type View struct {
	bufferBase
	Base string // name of the aliased buffer
}

// NewView builds a storage indirection over the named base buffer.
func NewView(base string, layout *FixedLayout) *View {
	v := &View{bufferBase: bufferBase{layout: layout, origin: -1}, Base: base}
	v.name = fmt.Sprintf("view(%s)", base)
	return v
}

func (b *View) ReadNames() []string { return []string{b.Base} }

// ExternKernel is a fallback call record: the operator executes through an
// opaque external implementation instead of generated fused code. Extern
// kernels are always realized.
type ExternKernel struct {
	bufferBase
	Op string
	// InputNames are the realized buffer names passed to the kernel.
	InputNames []string
	// Outputs is non-zero for tuple-returning kernels.
	Outputs int
}

// NewExternKernel builds an extern kernel call with a fixed layout.
func NewExternKernel(op string, layout Layout, inputNames []string) *ExternKernel {
	return &ExternKernel{
		bufferBase: bufferBase{layout: layout, origin: -1},
		Op:         op,
		InputNames: inputNames,
	}
}

func (b *ExternKernel) ReadNames() []string { return b.InputNames }

// MultiOutput projects one result out of a tuple-returning extern kernel.
type MultiOutput struct {
	bufferBase
	Parent string
	Index  int
}

// NewMultiOutput builds the projection at the given tuple index.
func NewMultiOutput(parent string, index int, layout *FixedLayout) *MultiOutput {
	return &MultiOutput{
		bufferBase: bufferBase{layout: layout, origin: -1},
		Parent:     parent,
		Index:      index,
	}
}

func (b *MultiOutput) ReadNames() []string { return []string{b.Parent} }

// MutationBuffer rewrites an input buffer in place with a copy of another
// value. It reports the mutation target's name so downstream reads resolve
// to the original storage.
type MutationBuffer struct {
	bufferBase
	Src string
}

// NewMutationBuffer builds a copy-into mutation of target reading src.
func NewMutationBuffer(target *InputBuffer, src string) *MutationBuffer {
	return &MutationBuffer{
		bufferBase: bufferBase{
			name:   target.Name(),
			layout: &MutationLayout{Target: target},
			origin: -1,
		},
		Src: src,
	}
}

func (b *MutationBuffer) ReadNames() []string { return []string{b.Src} }

// ExternKernelRecord is the serializable call record handed to the backend
// for cross-process codegen.
type ExternKernelRecord struct {
	Name   string          `yaml:"name"`
	Op     string          `yaml:"op"`
	Inputs []string        `yaml:"inputs"`
	Device tensor.Device   `yaml:"-"`
	DType  tensor.DataType `yaml:"-"`
	Sizes  []sym.Size      `yaml:"-"`
}
