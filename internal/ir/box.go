package ir

import (
	"fmt"

	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

// StorageBox owns either a deferred expression or a realized buffer.
// Realization swaps the expression for a registered ComputedBuffer; the
// operation is idempotent and the buffer list is append-only.
type StorageBox struct {
	ctx  GraphContext
	data any // Expr or Buffer
}

// TensorBox is the value handed around during lowering: a tensor-shaped
// result whose storage may still be an inline expression.
type TensorBox struct {
	Data *StorageBox
}

// NewTensorBox wraps an expression or buffer for the given graph.
func NewTensorBox(ctx GraphContext, data any) *TensorBox {
	switch data.(type) {
	case Expr, Buffer:
	default:
		panic(fmt.Sprintf("tensor box over %T", data))
	}
	return &TensorBox{Data: &StorageBox{ctx: ctx, data: data}}
}

// Expr returns the wrapped expression, or nil once realized.
func (s *StorageBox) Expr() Expr {
	e, _ := s.data.(Expr)
	return e
}

// Buffer returns the realized buffer, or nil while still deferred.
func (s *StorageBox) Buffer() Buffer {
	b, _ := s.data.(Buffer)
	return b
}

// IsRealized reports whether the storage is backed by a named buffer.
func (s *StorageBox) IsRealized() bool {
	_, ok := s.data.(Buffer)
	return ok
}

// Realize forces the storage into a registered buffer and returns its
// name. Idempotent.
func (s *StorageBox) Realize() string {
	switch d := s.data.(type) {
	case Buffer:
		if d.Name() == "" {
			s.ctx.RegisterBuffer(d)
		}
		return d.Name()
	case Expr:
		buf := NewComputedBuffer(d)
		s.ctx.RegisterBuffer(buf)
		s.data = buf
		return buf.Name()
	default:
		panic(fmt.Sprintf("realize of %T", s.data))
	}
}

// NumReads counts the loads performed when this storage is consumed.
func (s *StorageBox) NumReads() int {
	switch d := s.data.(type) {
	case Expr:
		return d.NumReads()
	default:
		return 1
	}
}

// ReadNames returns the buffer names a consumer of this storage reads.
// Unrealized expressions flatten into their own loads; views resolve to
// the storage they alias.
func (s *StorageBox) ReadNames() []string {
	switch d := s.data.(type) {
	case *View:
		return d.ReadNames()
	case Buffer:
		if d.Name() == "" {
			return nil
		}
		return []string{d.Name()}
	case Expr:
		return d.Loads()
	default:
		return nil
	}
}

// Layout returns the current layout of the storage.
func (s *StorageBox) Layout() Layout {
	switch d := s.data.(type) {
	case Buffer:
		return d.Layout()
	case Expr:
		return NewFlexibleLayout(d.Device(), d.DType(), d.Sizes())
	default:
		return nil
	}
}

// Realize forces the tensor into a named buffer and returns the name.
func (t *TensorBox) Realize() string { return t.Data.Realize() }

// IsRealized reports whether the tensor is backed by a named buffer.
func (t *TensorBox) IsRealized() bool { return t.Data.IsRealized() }

// RealizeHint materializes the tensor when it is a deferred computation
// that would not be cheap to recompute inline.
func (t *TensorBox) RealizeHint() {
	if e := t.Data.Expr(); e != nil && e.NumReads() > 1 {
		t.Realize()
	}
}

// MarkReuse materializes the tensor when the combination of consumer
// count and accumulated reads makes inlining a recomputation blow-up.
func (t *TensorBox) MarkReuse(users int) {
	e := t.Data.Expr()
	if e == nil || users <= 1 {
		return
	}
	if users*e.NumReads() > t.Data.ctx.RealizeReadsThreshold() {
		t.Realize()
	}
}

// HasExceededMaxReads reports whether the deferred expression has already
// accumulated more reads than the configured bound.
func (t *TensorBox) HasExceededMaxReads() bool {
	e := t.Data.Expr()
	return e != nil && e.NumReads() > t.Data.ctx.RealizeReadsThreshold()
}

// ReadNames returns the buffer names consumers of this tensor read.
func (t *TensorBox) ReadNames() []string { return t.Data.ReadNames() }

// NumReads counts the loads performed when this tensor is consumed.
func (t *TensorBox) NumReads() int { return t.Data.NumReads() }

// Layout returns the tensor's current layout.
func (t *TensorBox) Layout() Layout { return t.Data.Layout() }

// Sizes returns the tensor's symbolic sizes.
func (t *TensorBox) Sizes() []sym.Size { return t.Layout().Sizes() }

// DType returns the tensor's data type.
func (t *TensorBox) DType() tensor.DataType { return t.Layout().DType() }

// Device returns the tensor's device.
func (t *TensorBox) Device() tensor.Device { return t.Layout().Device() }

// SetOrigin tags the wrapped expression or buffer with the trace node it
// came from. Best effort, diagnostics only: never load-bearing.
func (t *TensorBox) SetOrigin(idx int) {
	switch d := t.Data.data.(type) {
	case Expr:
		d.SetOrigin(idx)
	case *ComputedBuffer:
		d.SetOrigin(idx)
		d.Expr.SetOrigin(idx)
	case Buffer:
		d.SetOrigin(idx)
	}
}

// ReplaceData swaps the tensor's storage contents in place. Mutating
// lowerings use this so every existing holder of the box (including the
// graph-input binding) observes the post-mutation value.
func (t *TensorBox) ReplaceData(data any) {
	switch data.(type) {
	case Expr, Buffer:
	default:
		panic(fmt.Sprintf("tensor box over %T", data))
	}
	t.Data.data = data
}

// RequireStrideOrder coerces the tensor to the given stride order.
// Flexible layouts freeze in place; fixed layouts that already match pass
// through; anything else is copied through a pointwise buffer.
func RequireStrideOrder(ctx GraphContext, t *TensorBox, order []int) *TensorBox {
	if len(order) != len(t.Sizes()) {
		return t
	}
	if e := t.Data.Expr(); e != nil {
		t.Realize()
	}
	buf := t.Data.Buffer()
	switch l := buf.Layout().(type) {
	case *FlexibleLayout:
		cb, ok := buf.(*ComputedBuffer)
		if !ok {
			break
		}
		cb.FreezeLayout(order)
		return t
	case *FixedLayout:
		if OrdersEqual(l.StrideOrder(), order) {
			return t
		}
	}
	// copy into a fresh buffer with the required order
	copyExpr := NewPointwise("copy", t.Device(), t.DType(), t.Sizes(), []*TensorBox{t})
	out := NewTensorBox(ctx, copyExpr)
	out.Realize()
	out.Data.Buffer().(*ComputedBuffer).FreezeLayout(order)
	return out
}

// RealizeInto rewrites the target input buffer in place with a copy of
// src, preserving the caller-visible storage identity of a mutated input.
func RealizeInto(ctx GraphContext, src *TensorBox, target *InputBuffer) *MutationBuffer {
	srcName := src.Realize()
	mb := NewMutationBuffer(target, srcName)
	ctx.RegisterBuffer(mb)
	return mb
}
