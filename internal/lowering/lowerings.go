package lowering

import (
	"fmt"

	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

// Static registrations. Pointwise and reduction ops lower to deferred
// expressions; view ops lower to storage indirections; GEMM, convolution,
// and fused attention lower to extern kernels.
func init() {
	for _, op := range []Op{
		{Name: "aten.add", Overload: "Tensor"},
		{Name: "aten.sub", Overload: "Tensor"},
		{Name: "aten.mul", Overload: "Tensor"},
		{Name: "aten.div", Overload: "Tensor"},
		{Name: "aten.maximum", Overload: ""},
		{Name: "aten.minimum", Overload: ""},
		{Name: "aten.where", Overload: "self"},
	} {
		Register(op, pointwiseHandler(shortName(op.Name)))
	}
	for _, op := range []Op{
		{Name: "aten.relu", Overload: ""},
		{Name: "aten.sigmoid", Overload: ""},
		{Name: "aten.tanh", Overload: ""},
		{Name: "aten.exp", Overload: ""},
		{Name: "aten.log", Overload: ""},
		{Name: "aten.sqrt", Overload: ""},
		{Name: "aten.rsqrt", Overload: ""},
		{Name: "aten.neg", Overload: ""},
		{Name: "aten.abs", Overload: ""},
		{Name: "aten.clone", Overload: ""},
	} {
		Register(op, pointwiseHandler(shortName(op.Name)))
	}

	Register(Op{Name: "aten.sum", Overload: "default"}, reductionHandler("sum"))
	Register(Op{Name: "aten.sum", Overload: "dim_IntList"}, reductionHandler("sum"))
	Register(Op{Name: "aten.mean", Overload: "dim"}, reductionHandler("mean"))
	Register(Op{Name: "aten.amax", Overload: ""}, reductionHandler("amax"))

	for _, op := range []Op{
		{Name: "aten.view", Overload: ""},
		{Name: "aten.reshape", Overload: ""},
		{Name: "aten.permute", Overload: ""},
		{Name: "aten.expand", Overload: ""},
		{Name: "aten.squeeze", Overload: "dim"},
		{Name: "aten.unsqueeze", Overload: ""},
		{Name: "aten.slice", Overload: "Tensor"},
	} {
		Register(op, viewHandler)
	}
	Register(Op{Name: "aten.as_strided", Overload: ""}, viewHandler)
	Register(Op{Name: "aten.as_strided_scatter", Overload: ""}, externHandler)
	for _, base := range []string{"aten.as_strided", "aten.as_strided_", "aten.as_strided_scatter"} {
		RegisterLayoutConstraint(base, constrainFixedStrides)
	}

	Register(Op{Name: "aten.convolution", Overload: ""}, convolutionHandler)
	Register(Op{Name: "aten.convolution_backward", Overload: ""}, multiExternHandler)
	Register(Op{Name: "aten._scaled_dot_product_flash_attention", Overload: ""}, multiExternHandler)
	Register(Op{Name: "aten._scaled_dot_product_efficient_attention", Overload: ""}, multiExternHandler)
	Register(Op{Name: "aten.mm", Overload: ""}, externHandler)
	Register(Op{Name: "aten._int_mm", Overload: ""}, externHandler)
	Register(Op{Name: "aten.bmm", Overload: ""}, externHandler)

	Register(Op{Name: "aten.sym_size", Overload: "int"}, symQueryHandler(true))
	Register(Op{Name: "aten.sym_stride", Overload: "int"}, symQueryHandler(false))

	Register(Op{Name: "aten.copy_", Overload: ""}, copyInplaceHandler)
}

func shortName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

func tensorArgs(args []ir.Value) []*ir.TensorBox {
	var boxes []*ir.TensorBox
	for _, a := range args {
		if tb, ok := a.(*ir.TensorBox); ok {
			boxes = append(boxes, tb)
		}
	}
	return boxes
}

// pointwiseHandler lowers an elementwise operator to a deferred Pointwise
// expression. The output shape is the broadcast of the tensor inputs so
// symbolic variable identity survives elementwise chains.
func pointwiseHandler(opName string) Handler {
	return func(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error) {
		boxes := tensorArgs(args)
		if len(boxes) == 0 {
			return nil, fmt.Errorf("%s: no tensor arguments", op)
		}
		sizes := boxes[0].Sizes()
		for _, b := range boxes[1:] {
			var err error
			sizes, err = sym.Broadcast(sizes, b.Sizes())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		dtype := boxes[0].DType()
		device := boxes[0].Device()
		if meta.IsTensor() {
			dtype = meta.DType
			device = meta.Device
		}
		expr := ir.NewPointwise(opName, device, dtype, sizes, boxes)
		for _, a := range args {
			if c, ok := a.(ir.Constant); ok {
				expr.ScalarArgs = append(expr.ScalarArgs, c.Value)
			}
		}
		return ir.NewTensorBox(ctx, ir.Expr(expr)), nil
	}
}

// reductionHandler lowers a reduction. Reduced dimensions come from the
// second argument when present, defaulting to all dimensions.
func reductionHandler(opName string) Handler {
	return func(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error) {
		boxes := tensorArgs(args)
		if len(boxes) != 1 {
			return nil, fmt.Errorf("%s: expected one tensor argument, got %d", op, len(boxes))
		}
		in := boxes[0]
		dims, keepDim := reductionDims(args, kwargs, len(in.Sizes()))
		outSizes := reducedSizes(in.Sizes(), dims, keepDim)
		expr := ir.NewReduction(opName, in.Device(), in.DType(), outSizes, in, dims, keepDim)
		return ir.NewTensorBox(ctx, ir.Expr(expr)), nil
	}
}

func reductionDims(args []ir.Value, kwargs map[string]ir.Value, rank int) ([]int, bool) {
	dims := make([]int, 0, rank)
	if len(args) > 1 {
		if lst, ok := args[1].(ir.List); ok {
			for _, it := range lst.Items {
				if sv, ok := it.(ir.SymValue); ok {
					dims = append(dims, int(sv.Size.Hint()))
				}
			}
		} else if sv, ok := args[1].(ir.SymValue); ok {
			dims = append(dims, int(sv.Size.Hint()))
		}
	}
	if len(dims) == 0 {
		for i := 0; i < rank; i++ {
			dims = append(dims, i)
		}
	}
	keepDim := false
	if kd, ok := kwargs["keepdim"]; ok {
		if sv, ok := kd.(ir.SymValue); ok && sv.Size.Hint() != 0 {
			keepDim = true
		}
	}
	return dims, keepDim
}

func reducedSizes(sizes []sym.Size, dims []int, keepDim bool) []sym.Size {
	reduced := make(map[int]bool, len(dims))
	for _, d := range dims {
		if d < 0 {
			d += len(sizes)
		}
		reduced[d] = true
	}
	var out []sym.Size
	for i, s := range sizes {
		switch {
		case !reduced[i]:
			out = append(out, s)
		case keepDim:
			out = append(out, sym.Const(1))
		}
	}
	return out
}

// constrainFixedStrides realizes tensor arguments and pins their current
// stride order before dispatch. Stride-arithmetic consumers observe the
// exact layout the tracer saw, not whatever order finalize would pick.
func constrainFixedStrides(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value) ([]ir.Value, map[string]ir.Value) {
	out := make([]ir.Value, len(args))
	for i, a := range args {
		tb, ok := a.(*ir.TensorBox)
		if !ok || len(tb.Sizes()) == 0 {
			out[i] = a
			continue
		}
		order := ir.StrideOrder(sym.Hints(tb.Layout().Strides()))
		out[i] = ir.RequireStrideOrder(ctx, tb, order)
	}
	return out, kwargs
}

// viewHandler lowers shape-only operators to a storage indirection over
// the realized input. The traced example metadata fixes the view's exact
// sizes and strides.
func viewHandler(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error) {
	boxes := tensorArgs(args)
	if len(boxes) == 0 {
		return nil, fmt.Errorf("%s: no tensor argument", op)
	}
	if !meta.IsTensor() {
		return nil, fmt.Errorf("%s: view without tensor metadata", op)
	}
	base := boxes[0].Realize()
	sizes, strides := ctx.ResolveMeta(meta)
	view := ir.NewView(base, ir.NewFixedLayout(meta.Device, meta.DType, sizes, strides))
	return ir.NewTensorBox(ctx, ir.Buffer(view)), nil
}

// externHandler lowers an operator to an extern kernel call with the
// traced output layout. Used for GEMM-family ops whose kernels exist
// outside generated code.
func externHandler(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error) {
	if !meta.IsTensor() {
		return nil, fmt.Errorf("%s: extern kernel without tensor metadata", op)
	}
	inputs := realizeTensorArgs(args, kwargs)
	sizes, strides := ctx.ResolveMeta(meta)
	kernel := ir.NewExternKernel(op.String(), ir.NewFixedLayout(meta.Device, meta.DType, sizes, strides), inputs)
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

// convolutionHandler is externHandler plus the channels-last output
// layout when the global layout decision is active.
func convolutionHandler(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error) {
	if !meta.IsTensor() {
		return nil, fmt.Errorf("%s: convolution without tensor metadata", op)
	}
	inputs := realizeTensorArgs(args, kwargs)
	sizes, _ := ctx.ResolveMeta(meta)
	var layout *ir.FixedLayout
	if ctx.LayoutOptEnabled() && len(sizes) == 4 {
		layout = ir.NewFixedLayout(meta.Device, meta.DType, sizes, ir.StridesForOrder(sizes, ir.NHWCStrideOrder))
		ctx.CountChannelsLastConv()
	} else {
		_, strides := ctx.ResolveMeta(meta)
		layout = ir.NewFixedLayout(meta.Device, meta.DType, sizes, strides)
	}
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

// multiExternHandler lowers tuple-returning kernels through the shared
// fallback-style path.
func multiExternHandler(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error) {
	if meta == nil || meta.Kind != tensor.MetaTuple {
		return nil, fmt.Errorf("%s: expected tuple metadata", op)
	}
	return FallbackMulti(ctx, op, args, kwargs, meta.Tuple)
}

// symQueryHandler answers size/stride queries from the input's layout.
// The orchestrator short-circuits these when the traced value is already
// symbolic; this handler covers the concrete path.
func symQueryHandler(size bool) Handler {
	return func(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error) {
		boxes := tensorArgs(args)
		if len(boxes) != 1 || len(args) < 2 {
			return nil, fmt.Errorf("%s: expected (tensor, dim)", op)
		}
		sv, ok := args[1].(ir.SymValue)
		if !ok {
			return nil, fmt.Errorf("%s: dim must be an integer", op)
		}
		dim := int(sv.Size.Hint())
		if size {
			return ir.SymValue{Size: boxes[0].Sizes()[dim]}, nil
		}
		return ir.SymValue{Size: boxes[0].Layout().Strides()[dim]}, nil
	}
}

// copyInplaceHandler lowers aten.copy_(dst, src): readers of the old dst
// value are materialized first, then dst's storage is swapped to a copy
// of src so every holder of the box observes the mutation.
func copyInplaceHandler(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error) {
	boxes := tensorArgs(args)
	if len(boxes) != 2 {
		return nil, fmt.Errorf("%s: expected (dst, src)", op)
	}
	dst, src := boxes[0], boxes[1]
	dstName := dst.Realize()
	ctx.MarkBufferMutated(dstName)
	copyExpr := ir.NewPointwise("copy", dst.Device(), dst.DType(), dst.Sizes(), []*ir.TensorBox{src})
	dst.ReplaceData(copyExpr)
	return dst, nil
}
