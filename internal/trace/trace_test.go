package trace

import (
	"strings"
	"testing"

	"github.com/loom-ml/loom/internal/lowering"
	"github.com/loom-ml/loom/internal/tensor"
)

func cpuMeta(dims ...int) *tensor.Meta {
	return tensor.TensorMeta(tensor.Shape(dims), tensor.Float32, tensor.Device{Class: tensor.CPU})
}

func TestGraphBuilderAndUsers(t *testing.T) {
	g := NewGraph()
	x := g.AddPlaceholder("x", cpuMeta(4, 8))
	y := g.AddPlaceholder("y", cpuMeta(4, 8))
	add := g.AddCall("add", lowering.Op{Name: "aten.add", Overload: "Tensor"}, cpuMeta(4, 8),
		NodeArg(x), NodeArg(y))
	relu := g.AddCall("relu", lowering.Op{Name: "aten.relu"}, cpuMeta(4, 8), NodeArg(add))
	g.AddOutput(ListArg(NodeArg(relu)))

	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := x.NumUsers(); got != 1 {
		t.Errorf("x has %d users, want 1", got)
	}
	if add.Users()[0] != relu {
		t.Error("add's user must be relu")
	}
	if relu.Users()[0].Kind != Output {
		t.Error("relu's user must be the output node")
	}
	if g.NodeByName("add") != add {
		t.Error("NodeByName must resolve add")
	}
	if add.Index() != 2 {
		t.Errorf("add index = %d, want 2", add.Index())
	}
}

func TestUsersDeduplicated(t *testing.T) {
	g := NewGraph()
	x := g.AddPlaceholder("x", cpuMeta(4))
	g.AddCall("add", lowering.Op{Name: "aten.add", Overload: "Tensor"}, cpuMeta(4),
		NodeArg(x), NodeArg(x))
	if got := x.NumUsers(); got != 1 {
		t.Errorf("x used twice by one node has %d users, want 1", got)
	}
}

func TestValidateRejectsMisplacedOutput(t *testing.T) {
	g := NewGraph()
	x := g.AddPlaceholder("x", cpuMeta(4))
	g.AddOutput(NodeArg(x))
	g.AddCall("relu", lowering.Op{Name: "aten.relu"}, cpuMeta(4), NodeArg(x))
	if err := g.Validate(); err == nil {
		t.Fatal("output before the last node must fail validation")
	}
}

func TestNumConvNodes(t *testing.T) {
	g := NewGraph()
	x := g.AddPlaceholder("x", cpuMeta(1, 8, 4, 4))
	w := g.AddPlaceholder("w", cpuMeta(8, 8, 3, 3))
	g.AddCall("conv", lowering.Op{Name: "aten.convolution"}, cpuMeta(1, 8, 4, 4),
		NodeArg(x), NodeArg(w), Arg{Kind: ArgNone}, IntsArg(1, 1), IntsArg(1, 1),
		IntsArg(1, 1), BoolArg(false), IntsArg(0, 0), IntArg(1))
	if got := g.NumConvNodes(); got != 1 {
		t.Errorf("NumConvNodes = %d, want 1", got)
	}
}

func TestParseOp(t *testing.T) {
	tests := []struct {
		in   string
		want lowering.Op
	}{
		{"aten.add.Tensor", lowering.Op{Name: "aten.add", Overload: "Tensor"}},
		{"aten.sum.dim_IntList", lowering.Op{Name: "aten.sum", Overload: "dim_IntList"}},
		{"aten.relu.default", lowering.Op{Name: "aten.relu"}},
		{"aten.relu", lowering.Op{Name: "aten.relu"}},
	}
	for _, tt := range tests {
		if got := ParseOp(tt.in); got != tt.want {
			t.Errorf("ParseOp(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

const sampleYAML = `
nodes:
  - name: x
    kind: placeholder
    meta:
      tensor: {shape: [4, 8], dtype: float32, device: cpu}
  - name: y
    kind: placeholder
    meta:
      tensor: {shape: [4, 8], dtype: float32, device: cpu}
  - name: add
    kind: call_function
    op: aten.add.Tensor
    args:
      - {node: x}
      - {node: y}
    meta:
      tensor: {shape: [4, 8], dtype: float32, device: cpu}
  - name: relu
    kind: call_function
    op: aten.relu.default
    args:
      - {node: add}
    meta:
      tensor: {shape: [4, 8], dtype: float32, device: cpu}
  - name: output
    kind: output
    args:
      - list:
          - {node: relu}
`

func TestDecode(t *testing.T) {
	g, err := Decode(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(g.Nodes) != 5 {
		t.Fatalf("decoded %d nodes, want 5", len(g.Nodes))
	}
	add := g.NodeByName("add")
	if add == nil || add.Kind != CallFunction {
		t.Fatal("add node missing or wrong kind")
	}
	if add.Op != (lowering.Op{Name: "aten.add", Overload: "Tensor"}) {
		t.Errorf("add op = %+v", add.Op)
	}
	if add.ArgNode(0) != g.NodeByName("x") {
		t.Error("add's first arg must reference x")
	}
	if !add.Meta.IsTensor() || !add.Meta.Shape.Equal(tensor.Shape{4, 8}) {
		t.Errorf("add meta = %+v", add.Meta)
	}
	// contiguous strides are filled in when omitted
	if !tensor.EqualInts(add.Meta.Stride, []int{8, 1}) {
		t.Errorf("add strides = %v, want [8 1]", add.Meta.Stride)
	}
	out := g.OutputNode()
	if out == nil || len(out.Args) != 1 || out.Args[0].Kind != ArgList {
		t.Fatal("output node must carry one list argument")
	}
}

func TestDecodeRejectsUnknownReference(t *testing.T) {
	const bad = `
nodes:
  - name: add
    kind: call_function
    op: aten.add.Tensor
    args:
      - {node: ghost}
`
	if _, err := Decode(strings.NewReader(bad)); err == nil {
		t.Fatal("unknown node reference must fail decoding")
	}
}
