// Package ir defines the intermediate representation produced by graph
// lowering: layouts, buffers, deferred pointwise/reduction expressions, and
// the storage/tensor box wrappers that keep computations lazy until a
// materialization decision forces them into named buffers.
package ir

import (
	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

// Value is the result of lowering one traced node. The set is closed:
// tensor boxes, inline scalar constants, scalar symbolic expressions,
// none placeholders, and lists of the above (tuple-returning operators).
type Value interface {
	isValue()
}

// SymValue is a scalar symbolic expression result, e.g. from a size or
// stride query on a dynamically shaped tensor.
type SymValue struct {
	Size sym.Size
}

func (SymValue) isValue() {}

// Constant is an inline scalar constant that never enters the constant
// table; codegen emits it as a literal.
type Constant struct {
	Value  float64
	DType  tensor.DataType
	Device tensor.Device
}

func (Constant) isValue() {}

// None marks an absent output slot.
type None struct{}

func (None) isValue() {}

// List wraps the results of a tuple-returning operator.
type List struct {
	Items []Value
}

func (List) isValue() {}

// TensorBox is declared in box.go; the marker lives here with its peers.
func (*TensorBox) isValue() {}
