package ir

import (
	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

// Expr is a deferred computation: an elementwise or reduction expression
// that has not yet been written to a named buffer. While unrealized, its
// reads are inlined into every consumer.
type Expr interface {
	OpName() string
	Device() tensor.Device
	DType() tensor.DataType
	Sizes() []sym.Size
	// Loads returns the buffer names this expression reads, with
	// unrealized sub-expressions flattened into their own loads.
	Loads() []string
	// NumReads counts loads including duplicates; drives the
	// realize-on-too-many-reads policy.
	NumReads() int
	// Origin is the trace-node index the expression came from, or -1.
	// Diagnostics only.
	Origin() int
	SetOrigin(idx int)
}

type exprMeta struct {
	device tensor.Device
	dtype  tensor.DataType
	sizes  []sym.Size
	origin int
}

func (m *exprMeta) Device() tensor.Device  { return m.device }
func (m *exprMeta) DType() tensor.DataType { return m.dtype }
func (m *exprMeta) Sizes() []sym.Size      { return m.sizes }
func (m *exprMeta) Origin() int            { return m.origin }
func (m *exprMeta) SetOrigin(idx int)      { m.origin = idx }

// Pointwise is a deferred elementwise expression over input tensor boxes.
type Pointwise struct {
	exprMeta
	Op     string
	Inputs []*TensorBox
	// ScalarArgs are literal operands baked into the expression.
	ScalarArgs []float64
}

// NewPointwise builds a pointwise expression.
func NewPointwise(op string, device tensor.Device, dtype tensor.DataType, sizes []sym.Size, inputs []*TensorBox) *Pointwise {
	return &Pointwise{
		exprMeta: exprMeta{device: device, dtype: dtype, sizes: sizes, origin: -1},
		Op:       op,
		Inputs:   inputs,
	}
}

func (p *Pointwise) OpName() string { return p.Op }

func (p *Pointwise) Loads() []string {
	var names []string
	for _, in := range p.Inputs {
		names = append(names, in.ReadNames()...)
	}
	return names
}

func (p *Pointwise) NumReads() int {
	n := 0
	for _, in := range p.Inputs {
		n += in.NumReads()
	}
	return n
}

// Reduction is a deferred reduction expression over a single input.
type Reduction struct {
	exprMeta
	Op      string
	Input   *TensorBox
	Dims    []int
	KeepDim bool
}

// NewReduction builds a reduction expression.
func NewReduction(op string, device tensor.Device, dtype tensor.DataType, sizes []sym.Size, input *TensorBox, dims []int, keepDim bool) *Reduction {
	return &Reduction{
		exprMeta: exprMeta{device: device, dtype: dtype, sizes: sizes, origin: -1},
		Op:       op,
		Input:    input,
		Dims:     dims,
		KeepDim:  keepDim,
	}
}

func (r *Reduction) OpName() string { return r.Op }

func (r *Reduction) Loads() []string { return r.Input.ReadNames() }

func (r *Reduction) NumReads() int { return r.Input.NumReads() }
