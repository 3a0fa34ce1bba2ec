package tensor

import "sort"

// MetaKind discriminates what kind of example value a traced node carries.
type MetaKind int

// Example-value kinds recorded by the tracer.
const (
	MetaTensor MetaKind = iota
	MetaSymInt
	MetaInt
	MetaFloat
	MetaBool
	MetaNone
	MetaTuple
)

// Meta describes the concrete example value observed for a traced node.
// For tensors it records shape, stride, dtype, and device; for scalars it
// records the value itself. SymID is non-zero when the tracer already bound
// the value to a symbolic integer.
type Meta struct {
	Kind   MetaKind
	Shape  Shape
	Stride []int
	DType  DataType
	Device Device

	IntVal   int64
	FloatVal float64
	BoolVal  bool
	// SymID names the tracer-side symbolic integer for MetaSymInt values.
	SymID string
	// Tuple holds per-output metadata for tuple-returning operators.
	Tuple []*Meta
}

// TupleMeta builds metadata for a tuple-returning operator.
func TupleMeta(items ...*Meta) *Meta {
	return &Meta{Kind: MetaTuple, Tuple: items}
}

// IsTensor reports whether the metadata describes a tensor value.
func (m *Meta) IsTensor() bool {
	return m != nil && m.Kind == MetaTensor
}

// Dense reports whether the strides describe a non-overlapping and dense
// tensor: some permutation of the dimensions is contiguous. Dims of extent
// 0 or 1 are layout-neutral and ignored.
func (m *Meta) Dense() bool {
	if !m.IsTensor() || len(m.Shape) != len(m.Stride) {
		return false
	}
	type dim struct{ size, stride int }
	dims := make([]dim, 0, len(m.Shape))
	for i := range m.Shape {
		if m.Shape[i] == 0 {
			return true // empty tensors are trivially dense
		}
		if m.Shape[i] == 1 {
			continue
		}
		dims = append(dims, dim{m.Shape[i], m.Stride[i]})
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i].stride < dims[j].stride })
	expected := 1
	for _, d := range dims {
		if d.stride != expected {
			return false
		}
		expected *= d.size
	}
	return true
}

// TensorMeta builds tensor metadata with contiguous strides.
func TensorMeta(shape Shape, dtype DataType, device Device) *Meta {
	return &Meta{
		Kind:   MetaTensor,
		Shape:  shape.Clone(),
		Stride: shape.ComputeStrides(),
		DType:  dtype,
		Device: device,
	}
}

// StridedMeta builds tensor metadata with explicit strides.
func StridedMeta(shape Shape, stride []int, dtype DataType, device Device) *Meta {
	return &Meta{
		Kind:   MetaTensor,
		Shape:  shape.Clone(),
		Stride: append([]int(nil), stride...),
		DType:  dtype,
		Device: device,
	}
}

// SymIntMeta builds metadata for a value the tracer bound to a symbolic int.
func SymIntMeta(sym string, hint int64) *Meta {
	return &Meta{Kind: MetaSymInt, SymID: sym, IntVal: hint}
}

// IntMeta builds metadata for a concrete integer value.
func IntMeta(v int64) *Meta {
	return &Meta{Kind: MetaInt, IntVal: v}
}
