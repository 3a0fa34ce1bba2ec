// Package codegen defines the backend contract the lowering engine hands
// off to: per-device-class scheduling and wrapper code generation, plus
// the content-addressed key the external artifact cache builds on.
package codegen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/tensor"
)

// Input is everything the scheduler needs from a lowered graph.
type Input struct {
	GraphID string
	Buffers []ir.Buffer
	// InputNames lists the graph's input bindings in declaration order.
	InputNames []string
	// OutputNames lists the user-visible outputs in order.
	OutputNames []string
	// MutatedInputIdxs are the indices of inputs rewritten in place.
	MutatedInputIdxs []int
	// Lists maps tuple-result names to their member buffer names.
	Lists          map[string][]string
	Constants      map[string]*tensor.RawTensor
	ConstantHashes map[string]string
	ExternKernels  []*ir.ExternKernelRecord
}

// LineEntry maps one generated source line back to the trace node that
// produced it, for diagnostics.
type LineEntry struct {
	Line   int
	Origin int
}

// Result is generated wrapper code plus its line-to-origin map.
type Result struct {
	Code    string
	LineMap []LineEntry
}

// Scheduling turns the realized buffer list into fused kernel groups.
type Scheduling interface {
	// KernelGroups partitions buffers into schedulable kernels in
	// execution order.
	KernelGroups(bufs []ir.Buffer) [][]ir.Buffer
}

// WrapperCodegen generates the wrapper program that allocates buffers,
// invokes kernels, and returns outputs.
type WrapperCodegen interface {
	Generate(in *Input, groups [][]ir.Buffer) (*Result, error)
}

// Backend bundles the two generators for one device class.
type Backend struct {
	NewScheduling func() Scheduling
	NewWrapper    func() WrapperCodegen
}

var (
	backendMu sync.RWMutex
	backends  = map[tensor.DeviceClass]Backend{}
)

// RegisterBackend binds a backend for a device class. Later registrations
// replace earlier ones.
func RegisterBackend(class tensor.DeviceClass, b Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backends[class] = b
}

// SchedulingFor returns the scheduling factory for the device class.
func SchedulingFor(class tensor.DeviceClass) (func() Scheduling, bool) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	b, ok := backends[class]
	if !ok {
		return nil, false
	}
	return b.NewScheduling, true
}

// WrapperCodegenFor returns the wrapper factory for the device class.
func WrapperCodegenFor(class tensor.DeviceClass) (func() WrapperCodegen, bool) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	b, ok := backends[class]
	if !ok {
		return nil, false
	}
	return b.NewWrapper, true
}

// ArtifactKey computes the stable content hash over generated code and
// constant hashes that keys the external compiled-artifact cache.
func ArtifactKey(code string, constantHashes map[string]string) string {
	h := sha256.New()
	h.Write([]byte(code))
	names := make([]string, 0, len(constantHashes))
	for name := range constantHashes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "|%s=%s", name, constantHashes[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}
