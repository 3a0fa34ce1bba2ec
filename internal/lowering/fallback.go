package lowering

import (
	"fmt"
	"sort"

	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

// MakeFallback registers a fallback handler for the op in the global
// registry. The registration persists for the remainder of the process:
// subsequent graphs dispatch the same operator straight to the fallback.
func MakeFallback(op Op) {
	RegisterIfAbsent(op, FallbackHandler(op, true))
}

// FallbackHandler builds a handler that defers the operator to an opaque
// external kernel instead of generating fused code. All tensor arguments
// are realized, the call is recorded as an extern kernel node, and the
// result is a realized buffer (or tuple of buffers) laid out exactly as
// the traced example value.
//
// warn controls the deduplicated perf hint; the non-accumulating variant
// used for type-based overrides passes false.
func FallbackHandler(op Op, warn bool) Handler {
	return func(ctx GraphContext, _ Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error) {
		if warn {
			ctx.WarnFallback(op.String())
		}
		inputs := realizeTensorArgs(args, kwargs)
		if meta == nil || !meta.IsTensor() {
			// Scalar-returning fallbacks surface the traced value.
			return scalarResult(meta), nil
		}
		sizes, strides := ctx.ResolveMeta(meta)
		layout := ir.NewFixedLayout(meta.Device, meta.DType, sizes, strides)
		kernel := ir.NewExternKernel(op.String(), layout, inputs)
		name := ctx.RegisterBuffer(kernel)
		ctx.AddExternKernel(&ir.ExternKernelRecord{
			Name:   name,
			Op:     op.String(),
			Inputs: inputs,
			Device: meta.Device,
			DType:  meta.DType,
			Sizes:  sizes,
		})
		return ir.NewTensorBox(ctx, ir.Buffer(kernel)), nil
	}
}

// FallbackMulti lowers a tuple-returning fallback: one extern kernel plus
// a MultiOutput projection per traced output.
func FallbackMulti(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, metas []*tensor.Meta) (ir.Value, error) {
	inputs := realizeTensorArgs(args, kwargs)
	if len(metas) == 0 {
		return nil, fmt.Errorf("fallback %s: tuple result without metadata", op)
	}
	device := metas[0].Device
	kernel := ir.NewExternKernel(op.String(), ir.NewMultiOutputLayout(device), inputs)
	kernel.Outputs = len(metas)
	parent := ctx.RegisterBuffer(kernel)
	ctx.AddExternKernel(&ir.ExternKernelRecord{
		Name:   parent,
		Op:     op.String(),
		Inputs: inputs,
		Device: device,
	})

	items := make([]ir.Value, len(metas))
	names := make([]string, len(metas))
	for i, m := range metas {
		sizes, strides := ctx.ResolveMeta(m)
		mo := ir.NewMultiOutput(parent, i, ir.NewFixedLayout(m.Device, m.DType, sizes, strides))
		names[i] = ctx.RegisterBuffer(mo)
		items[i] = ir.NewTensorBox(ctx, ir.Buffer(mo))
	}
	ctx.RegisterList(names)
	return ir.List{Items: items}, nil
}

// UnsupportedInputType reports whether the node's concrete input dtype is
// outside what fused lowerings support, forcing the non-accumulating
// fallback variant regardless of registry contents.
func UnsupportedInputType(meta *tensor.Meta) bool {
	if meta == nil || !meta.IsTensor() {
		return false
	}
	switch meta.DType {
	case tensor.Complex64:
		return true
	default:
		return false
	}
}

func realizeTensorArgs(args []ir.Value, kwargs map[string]ir.Value) []string {
	var names []string
	var walk func(v ir.Value)
	walk = func(v ir.Value) {
		switch a := v.(type) {
		case *ir.TensorBox:
			names = append(names, a.Realize())
		case ir.List:
			for _, item := range a.Items {
				walk(item)
			}
		}
	}
	for _, a := range args {
		walk(a)
	}
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		walk(kwargs[k])
	}
	return names
}

func scalarResult(meta *tensor.Meta) ir.Value {
	if meta == nil {
		return ir.None{}
	}
	switch meta.Kind {
	case tensor.MetaInt:
		return ir.SymValue{Size: sym.Const(meta.IntVal)}
	case tensor.MetaFloat:
		return ir.Constant{Value: meta.FloatVal, DType: tensor.Float64, Device: tensor.Device{Class: tensor.CPU}}
	default:
		return ir.None{}
	}
}
