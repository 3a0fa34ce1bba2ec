package ir

import (
	"fmt"

	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

// Layout describes where and how a buffer's elements live in memory.
type Layout interface {
	Device() tensor.Device
	DType() tensor.DataType
	Sizes() []sym.Size
	Strides() []sym.Size
}

// FixedLayout is a fully decided layout: device, dtype, sizes, strides.
type FixedLayout struct {
	device tensor.Device
	dtype  tensor.DataType
	sizes  []sym.Size
	stride []sym.Size
	offset sym.Size
}

// NewFixedLayout builds a fixed layout from resolved size/stride exprs.
func NewFixedLayout(device tensor.Device, dtype tensor.DataType, sizes, strides []sym.Size) *FixedLayout {
	if len(sizes) != len(strides) {
		panic(fmt.Sprintf("layout rank mismatch: %d sizes vs %d strides", len(sizes), len(strides)))
	}
	return &FixedLayout{device: device, dtype: dtype, sizes: sizes, stride: strides}
}

func (l *FixedLayout) Device() tensor.Device   { return l.device }
func (l *FixedLayout) DType() tensor.DataType  { return l.dtype }
func (l *FixedLayout) Sizes() []sym.Size       { return l.sizes }
func (l *FixedLayout) Strides() []sym.Size     { return l.stride }
func (l *FixedLayout) Offset() sym.Size        { return l.offset }

// StrideOrder returns the stride order of this layout's concrete strides.
func (l *FixedLayout) StrideOrder() []int {
	return StrideOrder(sym.Hints(l.stride))
}

// FlexibleLayout is a layout whose stride order is still negotiable. It
// carries contiguous strides as the default and can be frozen either as-is
// or in an explicit stride order during finalize.
type FlexibleLayout struct {
	device tensor.Device
	dtype  tensor.DataType
	sizes  []sym.Size
}

// NewFlexibleLayout builds an undecided layout over the given sizes.
func NewFlexibleLayout(device tensor.Device, dtype tensor.DataType, sizes []sym.Size) *FlexibleLayout {
	return &FlexibleLayout{device: device, dtype: dtype, sizes: sizes}
}

func (l *FlexibleLayout) Device() tensor.Device  { return l.device }
func (l *FlexibleLayout) DType() tensor.DataType { return l.dtype }
func (l *FlexibleLayout) Sizes() []sym.Size      { return l.sizes }

// Strides returns the default contiguous strides.
func (l *FlexibleLayout) Strides() []sym.Size {
	return ContiguousStrides(l.sizes)
}

// Freeze decides the layout as contiguous.
func (l *FlexibleLayout) Freeze() *FixedLayout {
	return NewFixedLayout(l.device, l.dtype, l.sizes, ContiguousStrides(l.sizes))
}

// FreezeWithOrder decides the layout with the given stride order, where
// order[i] is the rank of dimension i (0 = smallest stride).
func (l *FlexibleLayout) FreezeWithOrder(order []int) *FixedLayout {
	return NewFixedLayout(l.device, l.dtype, l.sizes, StridesForOrder(l.sizes, order))
}

// MutationLayout marks a buffer as a copy-into rewrite of an existing
// input buffer: the buffer has no storage of its own, it writes through
// to the mutation target.
type MutationLayout struct {
	Target *InputBuffer
}

func (l *MutationLayout) Device() tensor.Device  { return l.Target.Layout().Device() }
func (l *MutationLayout) DType() tensor.DataType { return l.Target.Layout().DType() }
func (l *MutationLayout) Sizes() []sym.Size      { return l.Target.Layout().Sizes() }
func (l *MutationLayout) Strides() []sym.Size    { return l.Target.Layout().Strides() }

// MultiOutputLayout is the placeholder layout of a kernel that returns a
// tuple; the real layouts live on the MultiOutput projections.
type MultiOutputLayout struct {
	device tensor.Device
}

// NewMultiOutputLayout builds the placeholder layout.
func NewMultiOutputLayout(device tensor.Device) *MultiOutputLayout {
	return &MultiOutputLayout{device: device}
}

func (l *MultiOutputLayout) Device() tensor.Device  { return l.device }
func (l *MultiOutputLayout) DType() tensor.DataType { return tensor.Float32 }
func (l *MultiOutputLayout) Sizes() []sym.Size      { return nil }
func (l *MultiOutputLayout) Strides() []sym.Size    { return nil }

// ContiguousStrides computes row-major strides over symbolic sizes.
// Symbolic extents keep their hint values for stride-order decisions; the
// stride expressions remain products of the size exprs conceptually, but
// the engine only ever orders strides, so hints are sufficient here.
func ContiguousStrides(sizes []sym.Size) []sym.Size {
	strides := make([]sym.Size, len(sizes))
	if len(sizes) == 0 {
		return strides
	}
	acc := int64(1)
	for i := len(sizes) - 1; i >= 0; i-- {
		strides[i] = sym.Const(acc)
		acc *= sizes[i].Hint()
	}
	return strides
}

// StridesForOrder computes strides realizing the given stride order.
func StridesForOrder(sizes []sym.Size, order []int) []sym.Size {
	if len(order) != len(sizes) {
		panic(fmt.Sprintf("stride order rank mismatch: %d vs %d sizes", len(order), len(sizes)))
	}
	// invert: fill[k] = dimension with rank k
	fill := make([]int, len(order))
	for dim, rank := range order {
		fill[rank] = dim
	}
	strides := make([]sym.Size, len(sizes))
	acc := int64(1)
	for _, dim := range fill {
		strides[dim] = sym.Const(acc)
		acc *= sizes[dim].Hint()
	}
	return strides
}
