// Package trace models the traced computation graph consumed by the
// lowering engine: an ordered node list in trace order (a topological
// order guaranteed by the tracer), each node carrying an operation kind,
// operator identity, arguments, and example-value metadata.
package trace

import (
	"fmt"

	"github.com/loom-ml/loom/internal/lowering"
	"github.com/loom-ml/loom/internal/tensor"
)

// Kind is the operation kind of a traced node.
type Kind int

// Traced node kinds.
const (
	Placeholder Kind = iota
	GetAttr
	CallFunction
	Output
)

func (k Kind) String() string {
	switch k {
	case Placeholder:
		return "placeholder"
	case GetAttr:
		return "get_attr"
	case CallFunction:
		return "call_function"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// ArgKind discriminates traced argument variants.
type ArgKind int

// Traced argument kinds.
const (
	ArgNode ArgKind = iota
	ArgInt
	ArgFloat
	ArgBool
	ArgString
	ArgList
	ArgNone
)

// Arg is one positional or keyword argument of a traced call: a reference
// to a prior node, a literal, or a nested list.
type Arg struct {
	Kind  ArgKind
	Node  *Node
	Int   int64
	Float float64
	Bool  bool
	Str   string
	List  []Arg
}

// NodeArg references a prior node.
func NodeArg(n *Node) Arg { return Arg{Kind: ArgNode, Node: n} }

// IntArg is a literal integer argument.
func IntArg(v int64) Arg { return Arg{Kind: ArgInt, Int: v} }

// FloatArg is a literal float argument.
func FloatArg(v float64) Arg { return Arg{Kind: ArgFloat, Float: v} }

// BoolArg is a literal bool argument.
func BoolArg(v bool) Arg { return Arg{Kind: ArgBool, Bool: v} }

// ListArg is a nested argument list.
func ListArg(items ...Arg) Arg { return Arg{Kind: ArgList, List: items} }

// IntsArg is a literal integer-list argument.
func IntsArg(vs ...int64) Arg {
	items := make([]Arg, len(vs))
	for i, v := range vs {
		items[i] = IntArg(v)
	}
	return Arg{Kind: ArgList, List: items}
}

// Node is one traced operation.
type Node struct {
	idx  int
	Kind Kind
	// Name uniquely identifies the node within its graph.
	Name string
	// Target is the placeholder or attribute name for non-call nodes.
	Target string
	// Op identifies the operator for call nodes.
	Op     lowering.Op
	Args   []Arg
	Kwargs map[string]Arg
	// Meta is the example-value metadata observed during tracing.
	Meta *tensor.Meta
	// Direct is a pass-through lowering already bound to the node by
	// pattern rewriting; it bypasses the registry entirely.
	Direct lowering.Handler

	users []*Node
}

// Index returns the node's position in trace order.
func (n *Node) Index() int { return n.idx }

// Users returns the nodes consuming this node's output.
func (n *Node) Users() []*Node { return n.users }

// NumUsers returns the number of distinct consumers.
func (n *Node) NumUsers() int { return len(n.users) }

// IsConv reports whether the node is a spatial convolution call, the
// eligible operator class for layout optimization.
func (n *Node) IsConv() bool {
	return n.Kind == CallFunction && n.Op.BaseName() == "aten.convolution"
}

// ArgNode returns the node referenced at positional index i, or nil.
func (n *Node) ArgNode(i int) *Node {
	if i < 0 {
		i += len(n.Args)
	}
	if i < 0 || i >= len(n.Args) || n.Args[i].Kind != ArgNode {
		return nil
	}
	return n.Args[i].Node
}

// ArgInt returns the literal integer at positional index i; negative
// indices count from the end.
func (n *Node) ArgInt(i int) (int64, bool) {
	if i < 0 {
		i += len(n.Args)
	}
	if i < 0 || i >= len(n.Args) || n.Args[i].Kind != ArgInt {
		return 0, false
	}
	return n.Args[i].Int, true
}

// Graph is an ordered traced graph. Trace order is topological: every
// argument references an earlier node.
type Graph struct {
	Nodes  []*Node
	byName map[string]*Node
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{byName: make(map[string]*Node)}
}

// NodeByName returns the named node, or nil.
func (g *Graph) NodeByName(name string) *Node {
	return g.byName[name]
}

func (g *Graph) add(n *Node) *Node {
	if n.Name == "" {
		panic("trace: node without a name")
	}
	if _, dup := g.byName[n.Name]; dup {
		panic(fmt.Sprintf("trace: duplicate node name %q", n.Name))
	}
	n.idx = len(g.Nodes)
	g.Nodes = append(g.Nodes, n)
	g.byName[n.Name] = n
	g.linkUsers(n)
	return n
}

func (g *Graph) linkUsers(n *Node) {
	seen := make(map[*Node]bool)
	var walk func(a Arg)
	walk = func(a Arg) {
		switch a.Kind {
		case ArgNode:
			if a.Node != nil && !seen[a.Node] {
				seen[a.Node] = true
				a.Node.users = append(a.Node.users, n)
			}
		case ArgList:
			for _, item := range a.List {
				walk(item)
			}
		}
	}
	for _, a := range n.Args {
		walk(a)
	}
	for _, a := range n.Kwargs {
		walk(a)
	}
}

// AddPlaceholder appends an input placeholder.
func (g *Graph) AddPlaceholder(name string, meta *tensor.Meta) *Node {
	return g.add(&Node{Kind: Placeholder, Name: name, Target: name, Meta: meta})
}

// AddGetAttr appends a constant access.
func (g *Graph) AddGetAttr(name, attr string, meta *tensor.Meta) *Node {
	return g.add(&Node{Kind: GetAttr, Name: name, Target: attr, Meta: meta})
}

// AddCall appends an operator call.
func (g *Graph) AddCall(name string, op lowering.Op, meta *tensor.Meta, args ...Arg) *Node {
	return g.add(&Node{Kind: CallFunction, Name: name, Op: op, Meta: meta, Args: args})
}

// AddCallKw appends an operator call with keyword arguments.
func (g *Graph) AddCallKw(name string, op lowering.Op, meta *tensor.Meta, args []Arg, kwargs map[string]Arg) *Node {
	return g.add(&Node{Kind: CallFunction, Name: name, Op: op, Meta: meta, Args: args, Kwargs: kwargs})
}

// AddOutput appends the output node. Its arguments are the graph results.
func (g *Graph) AddOutput(args ...Arg) *Node {
	return g.add(&Node{Kind: Output, Name: "output", Args: args})
}

// OutputNode returns the graph's output node, or nil.
func (g *Graph) OutputNode() *Node {
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		if g.Nodes[i].Kind == Output {
			return g.Nodes[i]
		}
	}
	return nil
}

// Validate checks structural invariants: unique names, topological arg
// references, and a single trailing output node.
func (g *Graph) Validate() error {
	for i, n := range g.Nodes {
		var err error
		var check func(a Arg)
		check = func(a Arg) {
			switch a.Kind {
			case ArgNode:
				if a.Node == nil || a.Node.idx >= i {
					err = fmt.Errorf("node %q references a later or missing node", n.Name)
				}
			case ArgList:
				for _, item := range a.List {
					check(item)
				}
			}
		}
		for _, a := range n.Args {
			check(a)
		}
		if err != nil {
			return err
		}
		if n.Kind == Output && i != len(g.Nodes)-1 {
			return fmt.Errorf("output node %q is not last in trace order", n.Name)
		}
	}
	return nil
}

// NumConvNodes counts eligible spatial operators in the graph.
func (g *Graph) NumConvNodes() int {
	count := 0
	for _, n := range g.Nodes {
		if n.IsConv() {
			count++
		}
	}
	return count
}
