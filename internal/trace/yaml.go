package trace

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loom-ml/loom/internal/lowering"
	"github.com/loom-ml/loom/internal/tensor"
)

// The YAML schema mirrors the node list: kind, op, args, metadata.
// Operators serialize as "name.overload"; node references as {node: x}.

type yamlGraph struct {
	Nodes []yamlNode `yaml:"nodes"`
}

type yamlNode struct {
	Name   string             `yaml:"name"`
	Kind   string             `yaml:"kind"`
	Target string             `yaml:"target,omitempty"`
	Op     string             `yaml:"op,omitempty"`
	Args   []yamlArg          `yaml:"args,omitempty"`
	Kwargs map[string]yamlArg `yaml:"kwargs,omitempty"`
	Meta   *yamlMeta          `yaml:"meta,omitempty"`
}

type yamlArg struct {
	Node  *string   `yaml:"node,omitempty"`
	Int   *int64    `yaml:"int,omitempty"`
	Float *float64  `yaml:"float,omitempty"`
	Bool  *bool     `yaml:"bool,omitempty"`
	Str   *string   `yaml:"str,omitempty"`
	List  []yamlArg `yaml:"list,omitempty"`
	None  bool      `yaml:"none,omitempty"`
}

type yamlMeta struct {
	Tensor *yamlTensorMeta `yaml:"tensor,omitempty"`
	SymInt *yamlSymInt     `yaml:"sym_int,omitempty"`
	Int    *int64          `yaml:"int,omitempty"`
	Float  *float64        `yaml:"float,omitempty"`
	Tuple  []yamlMeta      `yaml:"tuple,omitempty"`
}

type yamlTensorMeta struct {
	Shape  []int  `yaml:"shape"`
	Stride []int  `yaml:"stride,omitempty"`
	DType  string `yaml:"dtype"`
	Device string `yaml:"device"`
}

type yamlSymInt struct {
	Sym  string `yaml:"sym"`
	Hint int64  `yaml:"hint"`
}

// ParseOp splits "aten.add.Tensor" into an operator identity. A trailing
// "default" or missing overload maps to the empty overload.
func ParseOp(s string) lowering.Op {
	parts := strings.Split(s, ".")
	if len(parts) >= 3 {
		name := strings.Join(parts[:len(parts)-1], ".")
		overload := parts[len(parts)-1]
		if overload == "default" {
			overload = ""
		}
		return lowering.Op{Name: name, Overload: overload}
	}
	return lowering.Op{Name: s}
}

// Decode reads a traced graph from YAML.
func Decode(r io.Reader) (*Graph, error) {
	var yg yamlGraph
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&yg); err != nil {
		return nil, fmt.Errorf("trace: decode: %w", err)
	}
	g := NewGraph()
	for _, yn := range yg.Nodes {
		n := &Node{Name: yn.Name, Target: yn.Target}
		switch yn.Kind {
		case "placeholder":
			n.Kind = Placeholder
			if n.Target == "" {
				n.Target = yn.Name
			}
		case "get_attr":
			n.Kind = GetAttr
		case "call_function":
			n.Kind = CallFunction
			n.Op = ParseOp(yn.Op)
		case "output":
			n.Kind = Output
		default:
			return nil, fmt.Errorf("trace: node %q: unknown kind %q", yn.Name, yn.Kind)
		}
		for _, ya := range yn.Args {
			a, err := g.decodeArg(ya)
			if err != nil {
				return nil, fmt.Errorf("trace: node %q: %w", yn.Name, err)
			}
			n.Args = append(n.Args, a)
		}
		if len(yn.Kwargs) > 0 {
			n.Kwargs = make(map[string]Arg, len(yn.Kwargs))
			for k, ya := range yn.Kwargs {
				a, err := g.decodeArg(ya)
				if err != nil {
					return nil, fmt.Errorf("trace: node %q kwarg %q: %w", yn.Name, k, err)
				}
				n.Kwargs[k] = a
			}
		}
		if yn.Meta != nil {
			m, err := decodeMeta(yn.Meta)
			if err != nil {
				return nil, fmt.Errorf("trace: node %q: %w", yn.Name, err)
			}
			n.Meta = m
		}
		g.add(n)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return g, nil
}

func (g *Graph) decodeArg(ya yamlArg) (Arg, error) {
	switch {
	case ya.Node != nil:
		ref := g.byName[*ya.Node]
		if ref == nil {
			return Arg{}, fmt.Errorf("unknown node reference %q", *ya.Node)
		}
		return NodeArg(ref), nil
	case ya.Int != nil:
		return IntArg(*ya.Int), nil
	case ya.Float != nil:
		return FloatArg(*ya.Float), nil
	case ya.Bool != nil:
		return BoolArg(*ya.Bool), nil
	case ya.Str != nil:
		return Arg{Kind: ArgString, Str: *ya.Str}, nil
	case ya.List != nil:
		items := make([]Arg, len(ya.List))
		for i, inner := range ya.List {
			a, err := g.decodeArg(inner)
			if err != nil {
				return Arg{}, err
			}
			items[i] = a
		}
		return Arg{Kind: ArgList, List: items}, nil
	case ya.None:
		return Arg{Kind: ArgNone}, nil
	default:
		return Arg{}, fmt.Errorf("empty argument")
	}
}

func decodeMeta(ym *yamlMeta) (*tensor.Meta, error) {
	switch {
	case ym.Tensor != nil:
		dtype, err := tensor.ParseDataType(ym.Tensor.DType)
		if err != nil {
			return nil, err
		}
		device, err := tensor.ParseDevice(ym.Tensor.Device)
		if err != nil {
			return nil, err
		}
		shape := tensor.Shape(ym.Tensor.Shape)
		stride := ym.Tensor.Stride
		if stride == nil {
			stride = shape.ComputeStrides()
		}
		return tensor.StridedMeta(shape, stride, dtype, device), nil
	case ym.SymInt != nil:
		return tensor.SymIntMeta(ym.SymInt.Sym, ym.SymInt.Hint), nil
	case ym.Int != nil:
		return tensor.IntMeta(*ym.Int), nil
	case ym.Float != nil:
		return &tensor.Meta{Kind: tensor.MetaFloat, FloatVal: *ym.Float}, nil
	case len(ym.Tuple) > 0:
		items := make([]*tensor.Meta, len(ym.Tuple))
		for i := range ym.Tuple {
			m, err := decodeMeta(&ym.Tuple[i])
			if err != nil {
				return nil, err
			}
			items[i] = m
		}
		return tensor.TupleMeta(items...), nil
	default:
		return nil, fmt.Errorf("empty metadata")
	}
}
