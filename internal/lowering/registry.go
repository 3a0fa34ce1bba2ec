package lowering

import "sync"

// The global lowering registry. Static registrations happen at package
// init; fallback registration mutates it for the remainder of the process
// under the write lock, so subsequent graphs see (and benefit from) the
// synthesized handlers.
var (
	registryMu sync.RWMutex
	registry   = map[Op]Handler{}
)

// FallbackAllowList names operator base names that may silently fall back
// to an opaque external implementation without implicit-fallback mode.
var FallbackAllowList = map[string]bool{
	"aten.native_dropout":                  true,
	"aten.rand":                            true,
	"aten.randn":                           true,
	"aten.randint":                         true,
	"aten.grid_sampler_2d":                 true,
	"aten.upsample_bicubic2d":              true,
	"aten._fused_moving_avg_obs_fq_helper": true,
}

// needsRealizedInputs marks operators whose lowering requires concretely
// realized (non-inlined) inputs.
var needsRealizedInputs = map[string]bool{
	"aten.convolution":          true,
	"aten.convolution_backward": true,
	"aten.mm":                   true,
	"aten._int_mm":              true,
	"aten.bmm":                  true,
	"aten.as_strided":           true,
	"aten.as_strided_scatter":   true,
}

// needFixedLayout marks consumers that want a fixed input layout; the
// convolution entry is conditional on the global layout decision and is
// handled at the call site.
var needFixedLayout = map[string]bool{
	"aten.convolution_backward":     true,
	"aten.mm":                       true,
	"aten._int_mm":                  true,
	"onednn.qconv2d_pointwise":      true,
	"onednn.qlinear_pointwise":      true,
	"mkldnn._convolution_pointwise": true,
	"mkldnn._linear_pointwise":      true,
}

// strideSensitiveViews marks view operators whose semantics depend on the
// exact input strides.
var strideSensitiveViews = map[string]bool{
	"aten.as_strided":         true,
	"aten.as_strided_":        true,
	"aten.as_strided_scatter": true,
}

// decompositions records operators with a known decomposition into
// simpler ops. Only the lookup contract matters here; the tables
// themselves live with the tracing frontend.
var decompositions = map[string]bool{
	"aten.addmm":             true,
	"aten.gelu":              true,
	"aten.native_layer_norm": true,
	"aten.native_batch_norm": true,
	"aten.leaky_relu":        true,
	"aten.hardswish":         true,
}

// layoutConstraints maps operators to argument-coercion hooks applied
// before dispatch.
var layoutConstraints = map[string]Constraint{}

// Register binds a handler in the global registry, replacing any
// previous binding.
func Register(op Op, h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[op] = h
}

// RegisterIfAbsent binds a handler only when the op has none, and
// reports whether the binding took place.
func RegisterIfAbsent(op Op, h Handler) bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[op]; ok {
		return false
	}
	registry[op] = h
	return true
}

// Lookup returns the handler bound to the op.
func Lookup(op Op) (Handler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[op]
	return h, ok
}

// Has reports whether the op has a handler.
func Has(op Op) bool {
	_, ok := Lookup(op)
	return ok
}

// NeedsRealizedInputs reports whether the operator requires realized
// inputs.
func NeedsRealizedInputs(op Op) bool { return needsRealizedInputs[op.BaseName()] }

// NeedsFixedLayout reports whether the consumer wants fixed-layout
// inputs. When layoutOpt is active the convolution itself is exempt: the
// layout heuristic already owns its stride order.
func NeedsFixedLayout(op Op, layoutOpt bool) bool {
	if needFixedLayout[op.BaseName()] {
		return true
	}
	return op.BaseName() == "aten.convolution" && !layoutOpt
}

// IsStrideSensitiveView reports whether the op's semantics depend on
// exact input strides.
func IsStrideSensitiveView(op Op) bool { return strideSensitiveViews[op.BaseName()] }

// HasDecomposition reports whether a decomposition is known for the op.
func HasDecomposition(op Op) bool { return decompositions[op.BaseName()] }

// RegisterDecomposition records that a decomposition exists for the op.
func RegisterDecomposition(op Op) { decompositions[op.BaseName()] = true }

// LayoutConstraint returns the argument-coercion hook for the op, if any.
func LayoutConstraint(op Op) (Constraint, bool) {
	c, ok := layoutConstraints[op.BaseName()]
	return c, ok
}

// RegisterLayoutConstraint binds an argument-coercion hook for the op.
func RegisterLayoutConstraint(base string, c Constraint) {
	layoutConstraints[base] = c
}
