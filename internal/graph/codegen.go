package graph

import (
	"runtime"
	"sort"

	"github.com/loom-ml/loom/internal/codegen"
	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/tensor"
)

// finalize freezes every still-flexible buffer layout. After this point
// the buffer list is immutable and ready for scheduling.
func (gl *GraphLowering) finalize() {
	for _, buf := range gl.buffers {
		if cb, ok := buf.(*ir.ComputedBuffer); ok {
			cb.DecideLayout()
		}
	}
	if gl.layoutOpt {
		log.Debug("channels-last convolutions", "count", gl.numChannelsLastConv)
	}
}

// deviceClass selects the single non-CPU device class the graph runs on,
// defaulting to CPU. Mixing two accelerator classes in one graph is
// rejected.
func (gl *GraphLowering) deviceClass() (tensor.DeviceClass, error) {
	var accel []tensor.DeviceClass
	for class := range gl.deviceClasses {
		if class != tensor.CPU {
			accel = append(accel, class)
		}
	}
	if len(accel) > 1 {
		sort.Slice(accel, func(i, j int) bool { return accel[i] < accel[j] })
		names := make([]string, len(accel))
		for i, c := range accel {
			names[i] = c.String()
		}
		return 0, codegen.Errorf("graph mixes device classes %v", names)
	}
	if len(accel) == 1 {
		return accel[0], nil
	}
	return tensor.CPU, nil
}

// validateCppWrapper checks the extra preconditions of the C++ wrapper
// style before any codegen work starts. Standalone artifacts are only
// emitted through that wrapper.
func (gl *GraphLowering) validateCppWrapper(class tensor.DeviceClass) error {
	if gl.cfg.AOTMode && !gl.cfg.CppWrapper {
		return codegen.Errorf("aot mode requires the cpp wrapper")
	}
	if !gl.cfg.CppWrapper {
		return nil
	}
	if gl.cfg.DisableCppCodegen {
		return codegen.Errorf("cpp wrapper requested but cpp codegen is disabled")
	}
	if runtime.GOOS != "linux" {
		return codegen.Errorf("cpp wrapper is not supported on %s", runtime.GOOS)
	}
	cuda := class == tensor.CUDA
	for _, name := range gl.graphInputNames {
		tb, ok := gl.graphInputs[name].(*ir.TensorBox)
		if !ok {
			continue
		}
		if !cppWrapperSupportsDType(tb.DType(), cuda) {
			return codegen.Errorf("cpp wrapper does not support input %s of dtype %s", name, tb.DType())
		}
	}
	return nil
}

func cppWrapperSupportsDType(dt tensor.DataType, cuda bool) bool {
	switch dt {
	case tensor.Float32, tensor.Float64, tensor.BFloat16,
		tensor.Int64, tensor.Int32, tensor.Int16, tensor.Int8,
		tensor.Uint8, tensor.Bool:
		return true
	case tensor.Float16:
		// half inputs need device-side conversion kernels
		return cuda
	default:
		return false
	}
}

// Codegen schedules the lowered buffers and generates wrapper code,
// returning the result and the content-addressed artifact key.
func (gl *GraphLowering) Codegen() (*codegen.Result, string, error) {
	class, err := gl.deviceClass()
	if err != nil {
		return nil, "", err
	}
	if err := gl.validateCppWrapper(class); err != nil {
		return nil, "", err
	}
	newSched, ok := codegen.SchedulingFor(class)
	if !ok {
		return nil, "", codegen.Errorf("device %s has no registered backend", class)
	}
	newWrapper, _ := codegen.WrapperCodegenFor(class)

	groups := newSched().KernelGroups(gl.buffers)
	in := &codegen.Input{
		GraphID:          gl.graphID,
		Buffers:          gl.buffers,
		InputNames:       gl.graphInputNames,
		OutputNames:      gl.OutputNames(),
		MutatedInputIdxs: gl.mutatedIdxs,
		Lists:            gl.lists,
		Constants:        gl.constants,
		ConstantHashes:   gl.constantHashes,
		ExternKernels:    gl.externKernels,
	}
	res, err := newWrapper().Generate(in, groups)
	if err != nil {
		return nil, "", err
	}
	return res, codegen.ArtifactKey(res.Code, gl.constantHashes), nil
}

// OutputNames returns the buffer or expression name of each graph output
// slot. Absent outputs are skipped.
func (gl *GraphLowering) OutputNames() []string {
	var names []string
	for _, out := range gl.graphOutputs {
		switch v := out.(type) {
		case *ir.TensorBox:
			names = append(names, v.Data.Realize())
		case ir.SymValue:
			names = append(names, v.Size.String())
		}
	}
	return names
}

// Outputs returns the lowered graph output values in slot order.
func (gl *GraphLowering) Outputs() []ir.Value { return gl.graphOutputs }

// MutatedInputIndices returns the tensor-input indices rewritten in
// place, in input order.
func (gl *GraphLowering) MutatedInputIndices() []int { return gl.mutatedIdxs }

// ExternKernels returns the recorded fallback calls in emission order.
func (gl *GraphLowering) ExternKernels() []*ir.ExternKernelRecord { return gl.externKernels }
