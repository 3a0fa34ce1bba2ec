package ir

import (
	"fmt"
	"testing"

	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

// testContext is a minimal GraphContext for exercising realization.
type testContext struct {
	buffers   []Buffer
	lists     [][]string
	extern    []*ExternKernelRecord
	warned    []string
	threshold int
}

func newTestContext() *testContext { return &testContext{threshold: 8} }

func (c *testContext) RegisterBuffer(buf Buffer) string {
	if buf.Name() == "" {
		buf.SetName(fmt.Sprintf("buf%d", len(c.buffers)))
	}
	c.buffers = append(c.buffers, buf)
	return buf.Name()
}

func (c *testContext) RegisterList(names []string) string {
	c.lists = append(c.lists, names)
	return fmt.Sprintf("list%d", len(c.lists)-1)
}

func (c *testContext) AddExternKernel(rec *ExternKernelRecord) { c.extern = append(c.extern, rec) }
func (c *testContext) WarnFallback(op string)                  { c.warned = append(c.warned, op) }
func (c *testContext) RealizeReadsThreshold() int              { return c.threshold }

func cpuDev() tensor.Device { return tensor.Device{Class: tensor.CPU} }

func sizes(vals ...int64) []sym.Size {
	out := make([]sym.Size, len(vals))
	for i, v := range vals {
		out[i] = sym.Const(v)
	}
	return out
}

func inputBox(ctx GraphContext, name string, dims ...int64) *TensorBox {
	layout := NewFixedLayout(cpuDev(), tensor.Float32, sizes(dims...), ContiguousStrides(sizes(dims...)))
	return NewTensorBox(ctx, Buffer(NewInputBuffer(name, layout)))
}

func TestStrideOrder(t *testing.T) {
	tests := []struct {
		strides []int
		want    []int
	}{
		{[]int{12, 4, 1}, []int{2, 1, 0}},
		{[]int{1, 3}, []int{0, 1}},
		{[]int{512, 1, 64, 16}, []int{3, 0, 2, 1}},
		// ties break toward the later dimension
		{[]int{1, 1}, []int{1, 0}},
	}
	for _, tt := range tests {
		got := StrideOrder(tt.strides)
		if !OrdersEqual(got, tt.want) {
			t.Errorf("StrideOrder(%v) = %v, want %v", tt.strides, got, tt.want)
		}
	}
}

func TestStridesForOrderRoundTrip(t *testing.T) {
	sz := sizes(2, 16, 8, 4)
	strides := StridesForOrder(sz, NHWCStrideOrder)
	want := []int{512, 1, 64, 16}
	if !tensor.EqualInts(sym.Hints(strides), want) {
		t.Fatalf("StridesForOrder = %v, want %v", sym.Hints(strides), want)
	}
	if !OrdersEqual(StrideOrder(sym.Hints(strides)), NHWCStrideOrder) {
		t.Error("StrideOrder must invert StridesForOrder")
	}
}

func TestContiguousStrides(t *testing.T) {
	got := sym.Hints(ContiguousStrides(sizes(2, 3, 4)))
	if !tensor.EqualInts(got, []int{12, 4, 1}) {
		t.Errorf("ContiguousStrides = %v", got)
	}
}

func TestRealizeIdempotent(t *testing.T) {
	ctx := newTestContext()
	x := inputBox(ctx, "x", 4, 8)
	expr := NewPointwise("relu", cpuDev(), tensor.Float32, sizes(4, 8), []*TensorBox{x})
	tb := NewTensorBox(ctx, Expr(expr))

	if tb.IsRealized() {
		t.Fatal("fresh expression must not be realized")
	}
	name1 := tb.Realize()
	name2 := tb.Realize()
	if name1 != name2 {
		t.Errorf("Realize not idempotent: %q then %q", name1, name2)
	}
	if name1 != "buf0" {
		t.Errorf("first buffer named %q, want buf0", name1)
	}
	if len(ctx.buffers) != 1 {
		t.Errorf("registered %d buffers, want 1", len(ctx.buffers))
	}
}

func TestReadNamesFlattenUnrealized(t *testing.T) {
	ctx := newTestContext()
	x := inputBox(ctx, "x", 4)
	y := inputBox(ctx, "y", 4)
	add := NewTensorBox(ctx, Expr(NewPointwise("add", cpuDev(), tensor.Float32, sizes(4), []*TensorBox{x, y})))
	relu := NewTensorBox(ctx, Expr(NewPointwise("relu", cpuDev(), tensor.Float32, sizes(4), []*TensorBox{add})))

	got := relu.ReadNames()
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("ReadNames = %v, want [x y]", got)
	}
	if relu.NumReads() != 2 {
		t.Errorf("NumReads = %d, want 2", relu.NumReads())
	}

	add.Realize()
	got = relu.ReadNames()
	if len(got) != 1 || got[0] != "buf0" {
		t.Errorf("ReadNames after realize = %v, want [buf0]", got)
	}
}

func TestRealizeHint(t *testing.T) {
	ctx := newTestContext()
	x := inputBox(ctx, "x", 4)
	single := NewTensorBox(ctx, Expr(NewPointwise("relu", cpuDev(), tensor.Float32, sizes(4), []*TensorBox{x})))
	single.RealizeHint()
	if single.IsRealized() {
		t.Error("single-read expression must stay inline")
	}

	y := inputBox(ctx, "y", 4)
	multi := NewTensorBox(ctx, Expr(NewPointwise("add", cpuDev(), tensor.Float32, sizes(4), []*TensorBox{x, y})))
	multi.RealizeHint()
	if !multi.IsRealized() {
		t.Error("multi-read expression must realize on hint")
	}
}

func TestMarkReuseThreshold(t *testing.T) {
	ctx := newTestContext()
	x := inputBox(ctx, "x", 4)
	y := inputBox(ctx, "y", 4)
	tb := NewTensorBox(ctx, Expr(NewPointwise("add", cpuDev(), tensor.Float32, sizes(4), []*TensorBox{x, y})))

	tb.MarkReuse(2) // 2 users * 2 reads = 4 <= 8
	if tb.IsRealized() {
		t.Fatal("below threshold, must stay inline")
	}
	tb.MarkReuse(5) // 5 * 2 = 10 > 8
	if !tb.IsRealized() {
		t.Fatal("above threshold, must realize")
	}
}

func TestRequireStrideOrder(t *testing.T) {
	ctx := newTestContext()
	x := inputBox(ctx, "x", 2, 16, 8, 4)

	// expression: realize then freeze in the requested order
	tb := NewTensorBox(ctx, Expr(NewPointwise("relu", cpuDev(), tensor.Float32, sizes(2, 16, 8, 4), []*TensorBox{x})))
	out := RequireStrideOrder(ctx, tb, NHWCStrideOrder)
	if out != tb {
		t.Fatal("flexible layout must freeze in place")
	}
	fl, ok := out.Layout().(*FixedLayout)
	if !ok {
		t.Fatalf("layout is %T, want fixed", out.Layout())
	}
	if !OrdersEqual(fl.StrideOrder(), NHWCStrideOrder) {
		t.Errorf("stride order = %v, want NHWC", fl.StrideOrder())
	}

	// matching fixed layout passes through
	same := RequireStrideOrder(ctx, out, NHWCStrideOrder)
	if same != out {
		t.Error("matching order must pass through")
	}

	// mismatched fixed layout copies
	n := len(ctx.buffers)
	copied := RequireStrideOrder(ctx, out, []int{3, 2, 1, 0})
	if copied == out {
		t.Fatal("mismatched order must produce a copy")
	}
	if len(ctx.buffers) != n+1 {
		t.Fatalf("copy must register one buffer, got %d new", len(ctx.buffers)-n)
	}
	cl, ok := copied.Layout().(*FixedLayout)
	if !ok || !OrdersEqual(cl.StrideOrder(), []int{3, 2, 1, 0}) {
		t.Error("copy must carry the requested order")
	}
}

func TestRealizeInto(t *testing.T) {
	ctx := newTestContext()
	layout := NewFixedLayout(cpuDev(), tensor.Float32, sizes(4), sizes(1))
	orig := NewInputBuffer("arg0", layout)
	src := NewTensorBox(ctx, Expr(NewPointwise("add", cpuDev(), tensor.Float32, sizes(4),
		[]*TensorBox{inputBox(ctx, "x", 4), inputBox(ctx, "y", 4)})))

	mb := RealizeInto(ctx, src, orig)
	if mb.Name() != "arg0" {
		t.Errorf("mutation buffer named %q, want arg0", mb.Name())
	}
	if len(mb.ReadNames()) != 1 || mb.ReadNames()[0] != "buf0" {
		t.Errorf("mutation reads %v, want [buf0]", mb.ReadNames())
	}
	if _, ok := mb.Layout().(*MutationLayout); !ok {
		t.Errorf("layout is %T, want MutationLayout", mb.Layout())
	}
	// the copy source realizes first, then the mutation registers
	if len(ctx.buffers) != 2 {
		t.Fatalf("expected 2 registered buffers, got %d", len(ctx.buffers))
	}
	if _, ok := ctx.buffers[1].(*MutationBuffer); !ok {
		t.Errorf("second buffer is %T, want MutationBuffer", ctx.buffers[1])
	}
}

func TestViewReadNames(t *testing.T) {
	v := NewView("buf3", NewFixedLayout(cpuDev(), tensor.Float32, sizes(8), sizes(1)))
	if v.Name() != "view(buf3)" {
		t.Errorf("view name = %q", v.Name())
	}
	if len(v.ReadNames()) != 1 || v.ReadNames()[0] != "buf3" {
		t.Errorf("view reads %v, want [buf3]", v.ReadNames())
	}
}
