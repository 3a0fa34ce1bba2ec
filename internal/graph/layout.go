package graph

import (
	"github.com/loom-ml/loom/internal/config"
	"github.com/loom-ml/loom/internal/tensor"
	"github.com/loom-ml/loom/internal/trace"
)

// DecideLayoutOpt takes the global channels-last decision for one traced
// graph. The checks run in order and the first conclusive one decides;
// the decision is taken once, before lowering starts, and never
// revisited mid-graph.
func DecideLayoutOpt(g *trace.Graph, cfg *config.Config, dynamic bool) bool {
	if !cfg.LayoutOptimization {
		return false
	}
	nconv := g.NumConvNodes()
	if nconv == 0 {
		return false
	}
	if cfg.ROCmWorkaround {
		log.Debug("layout opt disabled", "reason", "rocm runtime workaround")
		return false
	}

	convs := convNodes(g)
	// the mkldnn fast path makes channels-last always profitable for
	// CPU-only convolutions; without it the general checks still apply
	if cfg.MKLDNNEnabled && allConvInputsOnCPU(convs) {
		return true
	}
	if len(g.Nodes) >= cfg.ConvNodeRatio*nconv {
		log.Debug("layout opt disabled",
			"reason", "too few convolutions",
			"nodes", len(g.Nodes),
			"convs", nconv)
		return false
	}
	if dynamic {
		log.Debug("layout opt disabled", "reason", "symbolic shapes")
		return false
	}
	for _, conv := range convs {
		w := conv.ArgNode(1)
		if w == nil || !w.Meta.IsTensor() {
			continue
		}
		shape := w.Meta.Shape
		if groups, ok := conv.ArgInt(-1); ok && groups > 1 && len(shape) > 1 && shape[1] > 1 {
			log.Debug("layout opt disabled", "reason", "grouped convolution", "conv", conv.Name)
			return false
		}
		if len(shape) >= 3 && shape[0]*2 <= shape[1] && shape[2] > 1 {
			log.Debug("layout opt disabled", "reason", "channel-shrinking convolution", "conv", conv.Name)
			return false
		}
	}
	if allSmallChannels(convs, cfg.SmallChannelBound) {
		log.Debug("layout opt disabled", "reason", "all channel counts small")
		return false
	}
	for _, n := range g.Nodes {
		if n.Kind == trace.CallFunction && isSDPA(n.Op.BaseName()) {
			log.Debug("layout opt disabled", "reason", "fused attention present")
			return false
		}
	}
	return true
}

func convNodes(g *trace.Graph) []*trace.Node {
	var convs []*trace.Node
	for _, n := range g.Nodes {
		if n.IsConv() {
			convs = append(convs, n)
		}
	}
	return convs
}

func allConvInputsOnCPU(convs []*trace.Node) bool {
	for _, conv := range convs {
		for _, i := range []int{0, 1} {
			arg := conv.ArgNode(i)
			if arg == nil || !arg.Meta.IsTensor() {
				return false
			}
			if arg.Meta.Device.Class != tensor.CPU {
				return false
			}
		}
	}
	return len(convs) > 0
}

func allSmallChannels(convs []*trace.Node, bound int) bool {
	for _, conv := range convs {
		w := conv.ArgNode(1)
		if w == nil || !w.Meta.IsTensor() || len(w.Meta.Shape) < 2 {
			return false
		}
		if w.Meta.Shape[0] > bound || w.Meta.Shape[1] > bound {
			return false
		}
	}
	return len(convs) > 0
}

func isSDPA(base string) bool {
	switch base {
	case "aten._scaled_dot_product_flash_attention",
		"aten._scaled_dot_product_efficient_attention":
		return true
	default:
		return false
	}
}

// findNodesPreferChannelsLast computes the closure of nodes that should
// keep the channels-last order: convolutions seed the set, a backward
// pass pulls in every producer feeding the set, and a forward pass adds
// all consumers of set members so the order survives past the conv.
func findNodesPreferChannelsLast(g *trace.Graph) map[*trace.Node]bool {
	prefer := make(map[*trace.Node]bool)
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		n := g.Nodes[i]
		if n.IsConv() {
			prefer[n] = true
			continue
		}
		for _, u := range n.Users() {
			if prefer[u] {
				prefer[n] = true
				break
			}
		}
	}
	for _, n := range g.Nodes {
		if !prefer[n] {
			continue
		}
		for _, u := range n.Users() {
			prefer[u] = true
		}
	}
	return prefer
}
