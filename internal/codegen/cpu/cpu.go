// Package cpu provides the reference CPU backend: a scheduler that fuses
// adjacent deferred computations and a wrapper generator emitting a
// readable kernel listing with a line-to-origin map.
package cpu

import (
	"fmt"
	"strings"

	"github.com/loom-ml/loom/internal/codegen"
	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/tensor"
)

// Register installs the CPU backend in the codegen registry.
func Register() {
	codegen.RegisterBackend(tensor.CPU, codegen.Backend{
		NewScheduling: func() codegen.Scheduling { return &scheduling{} },
		NewWrapper:    func() codegen.WrapperCodegen { return &wrapper{} },
	})
}

type scheduling struct{}

// KernelGroups fuses runs of computed buffers into one kernel; extern
// kernels, views, and mutations schedule alone.
func (s *scheduling) KernelGroups(bufs []ir.Buffer) [][]ir.Buffer {
	var groups [][]ir.Buffer
	var run []ir.Buffer
	flush := func() {
		if len(run) > 0 {
			groups = append(groups, run)
			run = nil
		}
	}
	for _, b := range bufs {
		if _, ok := b.(*ir.ComputedBuffer); ok {
			run = append(run, b)
			continue
		}
		flush()
		groups = append(groups, []ir.Buffer{b})
	}
	flush()
	return groups
}

type wrapper struct{}

func (w *wrapper) Generate(in *codegen.Input, groups [][]ir.Buffer) (*codegen.Result, error) {
	var sb strings.Builder
	var linemap []codegen.LineEntry
	line := 0
	emit := func(origin int, format string, args ...any) {
		fmt.Fprintf(&sb, format+"\n", args...)
		line++
		if origin >= 0 {
			linemap = append(linemap, codegen.LineEntry{Line: line, Origin: origin})
		}
	}

	emit(-1, "# graph %s", in.GraphID)
	emit(-1, "def call(%s):", strings.Join(in.InputNames, ", "))
	for gi, group := range groups {
		if len(group) == 1 {
			b := group[0]
			switch k := b.(type) {
			case *ir.ExternKernel:
				emit(b.Origin(), "    %s = extern(%s, %s)", b.Name(), k.Op, strings.Join(k.InputNames, ", "))
				continue
			case *ir.MutationBuffer:
				emit(b.Origin(), "    copy_(%s, %s)", b.Name(), k.Src)
				continue
			case *ir.MultiOutput:
				emit(b.Origin(), "    %s = %s[%d]", b.Name(), k.Parent, k.Index)
				continue
			}
		}
		names := make([]string, len(group))
		for i, b := range group {
			names[i] = b.Name()
		}
		emit(group[0].Origin(), "    %s = kernel_%d(%s)", strings.Join(names, ", "), gi, strings.Join(readsOf(group), ", "))
	}
	emit(-1, "    return (%s)", strings.Join(in.OutputNames, ", "))
	return &codegen.Result{Code: sb.String(), LineMap: linemap}, nil
}

func readsOf(group []ir.Buffer) []string {
	seen := make(map[string]bool)
	produced := make(map[string]bool)
	for _, b := range group {
		produced[b.Name()] = true
	}
	var reads []string
	for _, b := range group {
		for _, r := range b.ReadNames() {
			if !seen[r] && !produced[r] {
				seen[r] = true
				reads = append(reads, r)
			}
		}
	}
	return reads
}
