package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/lowering"
	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
	"github.com/loom-ml/loom/internal/trace"
)

// Run lowers the whole graph in trace order. Node failures abort the run;
// the returned error carries the offending node and, for dispatch
// failures, unwraps to the lowering error taxonomy.
func (gl *GraphLowering) Run() error {
	if err := gl.src.Validate(); err != nil {
		return err
	}
	if gl.src.OutputNode() == nil {
		return fmt.Errorf("graph has no output node")
	}
	for _, n := range gl.src.Nodes {
		gl.currentNode = n
		v, err := gl.runNode(n)
		if err != nil {
			return fmt.Errorf("node %s (%s): %w", n.Name, n.Kind, err)
		}
		gl.env[n] = v
		gl.registerUsersOf(v)
	}
	gl.currentNode = nil
	return nil
}

func (gl *GraphLowering) runNode(n *trace.Node) (ir.Value, error) {
	switch n.Kind {
	case trace.Placeholder:
		return gl.placeholder(n)
	case trace.GetAttr:
		return gl.getAttr(n)
	case trace.Output:
		return gl.output(n)
	}

	args, kwargs, err := gl.lowerArgs(n)
	if err != nil {
		return nil, err
	}

	var result ir.Value
	base := n.Op.BaseName()
	switch {
	case gl.unsupportedInputNode(n):
		// dtype outside the fused-codegen set: force the extern path no
		// matter what the registry holds, without registering anything
		result, err = lowering.FallbackHandler(n.Op, false)(gl, n.Op, args, kwargs, n.Meta)
	case n.Meta != nil && n.Meta.Kind == tensor.MetaSymInt &&
		(base == "aten.sym_size" || base == "aten.sym_stride" || isMagicOp(n.Op)):
		result = ir.SymValue{Size: gl.symFromMeta(n.Meta)}
	case isMagicOp(n.Op):
		result, err = gl.evalMagic(n, args)
	case base == "operator.getitem":
		result, err = getitem(n.Op, args)
	default:
		if c, ok := lowering.LayoutConstraint(n.Op); ok {
			args, kwargs = c(gl, n.Op, args, kwargs)
		}
		result, err = gl.callFunction(n, args, kwargs)
	}
	if err != nil {
		return nil, err
	}

	if tb, ok := result.(*ir.TensorBox); ok && n.Meta.IsTensor() {
		tb = gl.enforceStrideOrder(n, tb)
		tb = gl.applyRealizePolicy(n, tb)
		tb.SetOrigin(n.Index())
		result = tb
	}
	return result, nil
}

// callFunction dispatches one operator call through the registry, with
// the fallback chain for missing handlers: allow-listed ops fall back
// silently, implicit-fallback mode synthesizes and logs, anything else
// raises the missing-operator error.
func (gl *GraphLowering) callFunction(n *trace.Node, args []ir.Value, kwargs map[string]ir.Value) (result ir.Value, err error) {
	op := n.Op
	handler := n.Direct
	if handler == nil {
		var ok bool
		handler, ok = lowering.Lookup(op)
		if !ok {
			switch {
			case lowering.FallbackAllowList[op.BaseName()]:
				lowering.MakeFallback(op)
			case gl.cfg.ImplicitFallbacks:
				log.Info("creating implicit fallback",
					"op", op.String(),
					"has_decomp", lowering.HasDecomposition(op))
				lowering.MakeFallback(op)
			default:
				return nil, &lowering.MissingOpError{
					Op:        op,
					Args:      args,
					HasDecomp: lowering.HasDecomposition(op),
				}
			}
			handler, _ = lowering.Lookup(op)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &lowering.Error{Op: op, Args: args, Cause: fmt.Errorf("%v", r)}
		}
	}()
	result, err = handler(gl, op, args, kwargs, n.Meta)
	if err != nil {
		var lerr *lowering.Error
		var merr *lowering.MissingOpError
		if !errors.As(err, &lerr) && !errors.As(err, &merr) {
			err = &lowering.Error{Op: op, Args: args, Cause: err}
		}
		return nil, err
	}
	return result, nil
}

// enforceStrideOrder pins the result's layout when the node feeds a graph
// output or a stride-sensitive view: the example strides must survive
// into the realized buffer. 4-d dense results in the channels-last
// preference set take the NHWC order instead, unless they are user
// visible or feed a stride-sensitive consumer.
func (gl *GraphLowering) enforceStrideOrder(n *trace.Node, tb *ir.TensorBox) *ir.TensorBox {
	isOutput := false
	feedsStrideSensitive := false
	for _, u := range n.Users() {
		if u.Kind == trace.Output {
			isOutput = true
		}
		if u.Kind == trace.CallFunction && lowering.IsStrideSensitiveView(u.Op) {
			feedsStrideSensitive = true
		}
	}
	if !isOutput && !feedsStrideSensitive {
		return tb
	}
	m := n.Meta
	if len(m.Stride) == 0 || !m.Dense() {
		return tb
	}
	order := ir.StrideOrder(m.Stride)
	if len(tb.Sizes()) == 4 && gl.nodesPreferChannelsLast[n] &&
		!gl.userVisibleOutputs[n.Name] && !feedsStrideSensitive {
		order = ir.NHWCStrideOrder
	}
	return ir.RequireStrideOrder(gl, tb, order)
}

// applyRealizePolicy decides whether the node's result materializes now
// or stays an inlinable expression, based on its consumers.
func (gl *GraphLowering) applyRealizePolicy(n *trace.Node, tb *ir.TensorBox) *ir.TensorBox {
	users := n.NumUsers()
	if users > 1 {
		for _, u := range n.Users() {
			switch {
			case u.Kind == trace.Output:
				if tb.Data.Expr() != nil {
					tb.Realize()
				}
			case u.Kind == trace.CallFunction && lowering.NeedsRealizedInputs(u.Op):
				tb.RealizeHint()
				if lowering.NeedsFixedLayout(u.Op, gl.layoutOpt) &&
					n.Meta.IsTensor() && n.Meta.Dense() && len(n.Meta.Stride) > 0 {
					tb = ir.RequireStrideOrder(gl, tb, ir.StrideOrder(n.Meta.Stride))
				}
			}
		}
		tb.MarkReuse(users)
	}
	if tb.HasExceededMaxReads() {
		tb.RealizeHint()
	}
	return tb
}

func (gl *GraphLowering) placeholder(n *trace.Node) (ir.Value, error) {
	m := n.Meta
	if m == nil {
		return nil, fmt.Errorf("placeholder %q without example metadata", n.Name)
	}
	switch m.Kind {
	case tensor.MetaSymInt:
		v := ir.SymValue{Size: gl.symFromMeta(m)}
		gl.bindInput(n.Target, v)
		return v, nil
	case tensor.MetaInt:
		v := ir.SymValue{Size: sym.Const(m.IntVal)}
		gl.bindInput(n.Target, v)
		return v, nil
	case tensor.MetaFloat:
		v := ir.Constant{Value: m.FloatVal, DType: tensor.Float64, Device: tensor.Device{Class: tensor.CPU}}
		gl.bindInput(n.Target, v)
		return v, nil
	case tensor.MetaTensor:
	default:
		return nil, fmt.Errorf("placeholder %q: unsupported metadata kind %d", n.Name, m.Kind)
	}

	var sizes, strides []sym.Size
	if gl.dynamicShapes && n.Index() >= gl.numStaticInputs {
		sizes, strides = gl.symbolicSizesStrides(m, n.Target)
	} else {
		// weights and static inputs keep concrete extents
		sizes, strides = gl.staticSizesStrides(m)
	}
	buf := ir.NewInputBuffer(n.Target, ir.NewFixedLayout(m.Device, m.DType, sizes, strides))
	tb := ir.NewTensorBox(gl, ir.Buffer(buf))
	gl.graphInputsOriginal[n.Target] = buf
	gl.bindInput(n.Target, tb)
	gl.deviceClasses[m.Device.Class] = true
	return tb, nil
}

func (gl *GraphLowering) bindInput(name string, v ir.Value) {
	gl.graphInputs[name] = v
	gl.graphInputNames = append(gl.graphInputNames, name)
}

func (gl *GraphLowering) getAttr(n *trace.Node) (ir.Value, error) {
	value, ok := gl.attrValues[n.Target]
	if !ok {
		return nil, fmt.Errorf("graph constant %q not provided", n.Target)
	}
	if gl.cfg.AlwaysKeepTensorConstants || !inlinableConstantDType(value.DType()) {
		return gl.addTensorConstant(value, n.Target), nil
	}
	if len(value.Shape()) == 0 && value.NumElements() == 1 {
		return ir.Constant{Value: value.Item(), DType: value.DType(), Device: value.Device()}, nil
	}
	if len(value.Shape()) == 1 && value.NumElements() <= gl.cfg.InlineConstantMaxElements &&
		value.DType() == tensor.Float32 {
		return gl.inlineLiteral(value), nil
	}
	return gl.addTensorConstant(value, n.Target), nil
}

// inlineLiteral lowers a small 1-d constant as a deferred literal
// expression so it fuses into its consumers instead of occupying a
// constant-table slot.
func (gl *GraphLowering) inlineLiteral(value *tensor.RawTensor) *ir.TensorBox {
	sizes := make([]sym.Size, len(value.Shape()))
	for i, d := range value.Shape() {
		sizes[i] = sym.Const(int64(d))
	}
	expr := ir.NewPointwise("literal", value.Device(), value.DType(), sizes, nil)
	for _, v := range value.AsFloat32() {
		expr.ScalarArgs = append(expr.ScalarArgs, float64(v))
	}
	return ir.NewTensorBox(gl, ir.Expr(expr))
}

// inlinableConstantDType limits inlining to dtypes codegen can emit as
// literals; everything else stays in the constant table.
func inlinableConstantDType(dt tensor.DataType) bool {
	switch dt {
	case tensor.Float32, tensor.Float64, tensor.Int64:
		return true
	default:
		return false
	}
}

func (gl *GraphLowering) output(n *trace.Node) (ir.Value, error) {
	slots := n.Args
	if len(slots) == 1 && slots[0].Kind == trace.ArgList {
		slots = slots[0].List
	}
	gl.graphOutputs = make([]ir.Value, len(slots))
	for i, a := range slots {
		v, err := gl.lowerArg(a)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		switch out := v.(type) {
		case *ir.TensorBox:
			out.Realize()
			gl.graphOutputs[i] = out
		case ir.Constant, ir.SymValue, ir.None:
			gl.graphOutputs[i] = v
		default:
			return nil, fmt.Errorf("output %d: unexpected result type %T", i, v)
		}
	}
	gl.rewriteMutatedInputs()
	gl.finalize()
	return ir.None{}, nil
}

// rewriteMutatedInputs restores the storage identity of every graph
// input whose box no longer wraps its original buffer: the final value
// is copied back into the original input storage, and any output slot
// that aliased the intermediate is redirected to the original buffer.
func (gl *GraphLowering) rewriteMutatedInputs() {
	tensorIdx := -1
	for _, name := range gl.graphInputNames {
		tb, ok := gl.graphInputs[name].(*ir.TensorBox)
		if !ok {
			continue
		}
		tensorIdx++
		tb.Realize()
		orig := gl.graphInputsOriginal[name]
		if in, ok := tb.Data.Buffer().(*ir.InputBuffer); ok && in == orig {
			continue
		}
		ir.RealizeInto(gl, tb, orig)
		gl.mutatedInputs[name] = true
		gl.mutatedIdxs = append(gl.mutatedIdxs, tensorIdx)
		for i, out := range gl.graphOutputs {
			if otb, ok := out.(*ir.TensorBox); ok && otb.Data == tb.Data {
				gl.graphOutputs[i] = ir.NewTensorBox(gl, ir.Buffer(orig))
			}
		}
	}
}

func (gl *GraphLowering) lowerArgs(n *trace.Node) ([]ir.Value, map[string]ir.Value, error) {
	args := make([]ir.Value, len(n.Args))
	for i, a := range n.Args {
		v, err := gl.lowerArg(a)
		if err != nil {
			return nil, nil, fmt.Errorf("arg %d: %w", i, err)
		}
		args[i] = v
	}
	var kwargs map[string]ir.Value
	if len(n.Kwargs) > 0 {
		kwargs = make(map[string]ir.Value, len(n.Kwargs))
		for k, a := range n.Kwargs {
			v, err := gl.lowerArg(a)
			if err != nil {
				return nil, nil, fmt.Errorf("kwarg %q: %w", k, err)
			}
			kwargs[k] = v
		}
	}
	return args, kwargs, nil
}

func (gl *GraphLowering) lowerArg(a trace.Arg) (ir.Value, error) {
	switch a.Kind {
	case trace.ArgNode:
		v, ok := gl.env[a.Node]
		if !ok {
			return nil, fmt.Errorf("reference to unlowered node %q", a.Node.Name)
		}
		return v, nil
	case trace.ArgInt:
		return ir.SymValue{Size: sym.Const(a.Int)}, nil
	case trace.ArgFloat:
		return ir.Constant{Value: a.Float, DType: tensor.Float64, Device: tensor.Device{Class: tensor.CPU}}, nil
	case trace.ArgBool:
		b := int64(0)
		if a.Bool {
			b = 1
		}
		return ir.SymValue{Size: sym.Const(b)}, nil
	case trace.ArgString, trace.ArgNone:
		// string args only matter to the extern kernel's own
		// implementation; the IR carries them as absent
		return ir.None{}, nil
	case trace.ArgList:
		items := make([]ir.Value, len(a.List))
		for i, inner := range a.List {
			v, err := gl.lowerArg(inner)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return ir.List{Items: items}, nil
	default:
		return nil, fmt.Errorf("unknown argument kind %d", a.Kind)
	}
}

// symFromMeta resolves a tracer-side symbolic int to an engine variable,
// preferring the name binding and falling back to duck shaping the hint.
func (gl *GraphLowering) symFromMeta(m *tensor.Meta) sym.Size {
	if m.SymID != "" {
		if v, ok := gl.shapeEnv.Lookup(m.SymID); ok {
			return sym.FromVar(v)
		}
	}
	return gl.shapeEnv.SymbolFor(m.IntVal, m.SymID)
}

func (gl *GraphLowering) unsupportedInputNode(n *trace.Node) bool {
	if lowering.UnsupportedInputType(n.Meta) {
		return true
	}
	for _, a := range n.Args {
		if a.Kind == trace.ArgNode && lowering.UnsupportedInputType(a.Node.Meta) {
			return true
		}
	}
	return false
}

func isMagicOp(op lowering.Op) bool {
	return strings.HasPrefix(op.Name, "operator.") && op.Name != "operator.getitem"
}

func getitem(op lowering.Op, args []ir.Value) (ir.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s: expected (list, index)", op)
	}
	lst, ok := args[0].(ir.List)
	if !ok {
		return nil, fmt.Errorf("%s: first argument is %T, not a list", op, args[0])
	}
	sv, ok := args[1].(ir.SymValue)
	if !ok {
		return nil, fmt.Errorf("%s: index is %T, not an integer", op, args[1])
	}
	i := int(sv.Size.Hint())
	if i < 0 || i >= len(lst.Items) {
		return nil, fmt.Errorf("%s: index %d out of range for %d items", op, i, len(lst.Items))
	}
	return lst.Items[i], nil
}

// evalMagic folds scalar integer arithmetic traced through operator.*
// calls. The traced example value wins when present.
func (gl *GraphLowering) evalMagic(n *trace.Node, args []ir.Value) (ir.Value, error) {
	if n.Meta != nil && n.Meta.Kind == tensor.MetaInt {
		return ir.SymValue{Size: sym.Const(n.Meta.IntVal)}, nil
	}
	vals := make([]int64, 0, len(args))
	for _, a := range args {
		sv, ok := a.(ir.SymValue)
		if !ok {
			return nil, fmt.Errorf("%s: non-integer operand %T", n.Op, a)
		}
		vals = append(vals, sv.Size.Hint())
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("%s: expected two operands, got %d", n.Op, len(vals))
	}
	var out int64
	switch n.Op.BaseName() {
	case "operator.add":
		out = vals[0] + vals[1]
	case "operator.sub":
		out = vals[0] - vals[1]
	case "operator.mul":
		out = vals[0] * vals[1]
	case "operator.floordiv":
		if vals[1] == 0 {
			return nil, fmt.Errorf("%s: division by zero", n.Op)
		}
		out = vals[0] / vals[1]
	case "operator.mod":
		if vals[1] == 0 {
			return nil, fmt.Errorf("%s: division by zero", n.Op)
		}
		out = vals[0] % vals[1]
	default:
		return nil, &lowering.MissingOpError{Op: n.Op, Args: args}
	}
	return ir.SymValue{Size: sym.Const(out)}, nil
}
