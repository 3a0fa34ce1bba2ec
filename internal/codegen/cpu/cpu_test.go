package cpu

import (
	"strings"
	"testing"

	"github.com/loom-ml/loom/internal/codegen"
	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

func cpuDev() tensor.Device { return tensor.Device{Class: tensor.CPU} }

func sizes(vals ...int64) []sym.Size {
	out := make([]sym.Size, len(vals))
	for i, v := range vals {
		out[i] = sym.Const(v)
	}
	return out
}

func computed(name string, reads ...string) *ir.ComputedBuffer {
	inputs := make([]*ir.TensorBox, len(reads))
	for i, r := range reads {
		layout := ir.NewFixedLayout(cpuDev(), tensor.Float32, sizes(4), sizes(1))
		inputs[i] = ir.NewTensorBox(noopCtx{}, ir.NewInputBuffer(r, layout))
	}
	cb := ir.NewComputedBuffer(ir.NewPointwise("add", cpuDev(), tensor.Float32, sizes(4), inputs))
	cb.SetName(name)
	return cb
}

// noopCtx satisfies buffer construction; grouping never registers.
type noopCtx struct{}

func (noopCtx) RegisterBuffer(buf ir.Buffer) string        { return buf.Name() }
func (noopCtx) RegisterList(names []string) string         { return "list" }
func (noopCtx) AddExternKernel(rec *ir.ExternKernelRecord) {}
func (noopCtx) WarnFallback(op string)                     {}
func (noopCtx) RealizeReadsThreshold() int                 { return 8 }

func TestKernelGroupsFuseComputedRuns(t *testing.T) {
	ek := ir.NewExternKernel("aten.mm",
		ir.NewFixedLayout(cpuDev(), tensor.Float32, sizes(4, 4), sizes(4, 1)), []string{"x"})
	ek.SetName("buf2")
	bufs := []ir.Buffer{
		computed("buf0", "x"),
		computed("buf1", "buf0"),
		ek,
		computed("buf3", "buf2"),
	}

	groups := (&scheduling{}).KernelGroups(bufs)
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0].Name() != "buf0" || groups[0][1].Name() != "buf1" {
		t.Errorf("first group = %v", names(groups[0]))
	}
	if len(groups[1]) != 1 || groups[1][0].Name() != "buf2" {
		t.Errorf("second group must be the extern kernel alone")
	}
	if len(groups[2]) != 1 || groups[2][0].Name() != "buf3" {
		t.Errorf("third group = %v", names(groups[2]))
	}
}

func names(bufs []ir.Buffer) []string {
	out := make([]string, len(bufs))
	for i, b := range bufs {
		out[i] = b.Name()
	}
	return out
}

func TestGenerateEmitsListingAndLineMap(t *testing.T) {
	cb := computed("buf0", "x", "y")
	cb.SetOrigin(2)
	in := &codegen.Input{
		GraphID:     "g",
		InputNames:  []string{"x", "y"},
		OutputNames: []string{"buf0"},
	}

	res, err := (&wrapper{}).Generate(in, [][]ir.Buffer{{cb}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := "# graph g\n" +
		"def call(x, y):\n" +
		"    buf0 = kernel_0(x, y)\n" +
		"    return (buf0)\n"
	if res.Code != want {
		t.Errorf("code:\n%s\nwant:\n%s", res.Code, want)
	}
	if len(res.LineMap) != 1 || res.LineMap[0].Line != 3 || res.LineMap[0].Origin != 2 {
		t.Errorf("line map = %+v, want [{3 2}]", res.LineMap)
	}
}

func TestGenerateSpecialForms(t *testing.T) {
	layout := ir.NewFixedLayout(cpuDev(), tensor.Float32, sizes(4), sizes(1))
	ek := ir.NewExternKernel("aten.mm", layout, []string{"x", "w"})
	ek.SetName("buf0")
	mo := ir.NewMultiOutput("buf0", 1, layout)
	mo.SetName("buf1")
	mb := ir.NewMutationBuffer(ir.NewInputBuffer("arg0", layout), "buf1")

	in := &codegen.Input{GraphID: "g", InputNames: []string{"x", "w", "arg0"}, OutputNames: []string{"arg0"}}
	res, err := (&wrapper{}).Generate(in, [][]ir.Buffer{{ek}, {mo}, {mb}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, line := range []string{
		"buf0 = extern(aten.mm, x, w)",
		"buf1 = buf0[1]",
		"copy_(arg0, buf1)",
	} {
		if !strings.Contains(res.Code, line) {
			t.Errorf("missing %q in:\n%s", line, res.Code)
		}
	}
}
