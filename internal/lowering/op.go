// Package lowering maps traced operator calls to IR-producing handlers.
// It owns the global lowering registry, the fallback machinery, and the
// lowering error taxonomy.
package lowering

import (
	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/sym"
	"github.com/loom-ml/loom/internal/tensor"
)

// Op identifies an operator overload, e.g. {Name: "aten.add",
// Overload: "Tensor"}. Ops are comparable and key the registry.
type Op struct {
	Name     string
	Overload string
}

// BaseName returns the operator name without the overload, used by the
// fallback allow-list.
func (o Op) BaseName() string { return o.Name }

func (o Op) String() string {
	if o.Overload == "" {
		return o.Name
	}
	return o.Name + "." + o.Overload
}

// GraphContext extends the IR-level context with what handlers need from
// the orchestrator: metadata resolution against the shape environment and
// the global layout decision.
type GraphContext interface {
	ir.GraphContext

	// ResolveMeta converts example metadata to size/stride expressions,
	// symbolically (duck-shaped) when the graph is dynamic, statically
	// otherwise.
	ResolveMeta(m *tensor.Meta) (sizes, strides []sym.Size)

	// LayoutOptEnabled reports the graph's global layout decision.
	LayoutOptEnabled() bool

	// MarkBufferMutated records an in-place write to the named buffer and
	// forces all currently-known readers to materialize first.
	MarkBufferMutated(name string)

	// CountChannelsLastConv bumps the per-graph counter of convolutions
	// forced to channels-last, reported after output processing.
	CountChannelsLastConv()
}

// Handler lowers one operator call into an IR value. meta is the traced
// example-value metadata of the node being lowered, which fixes the
// output's shape, dtype, and device.
type Handler func(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value, meta *tensor.Meta) (ir.Value, error)

// Constraint rewrites arguments before lowering for operators that
// declare a required argument layout.
type Constraint func(ctx GraphContext, op Op, args []ir.Value, kwargs map[string]ir.Value) ([]ir.Value, map[string]ir.Value)
