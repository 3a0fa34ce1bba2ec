package graph

import (
	"fmt"
	"regexp"

	"github.com/loom-ml/loom/internal/ir"
	"github.com/loom-ml/loom/internal/tensor"
)

var constantNameRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// addTensorConstant interns a concrete tensor in the constant table and
// returns a box over its table entry. Value-identical tensors share one
// slot regardless of the requested name.
func (gl *GraphLowering) addTensorConstant(data *tensor.RawTensor, name string) *ir.TensorBox {
	for _, existing := range gl.constantOrder {
		if gl.constants[existing].EqualContents(data) {
			return gl.constantBox(existing)
		}
	}
	if name == "" {
		name = fmt.Sprintf("constant%d", len(gl.constantOrder))
	}
	name = constantNameRe.ReplaceAllString(name, "_")
	if name[0] >= '0' && name[0] <= '9' {
		name = "constant_" + name
	}
	base := name
	for i := 1; ; i++ {
		if _, taken := gl.constants[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
	gl.constants[name] = data
	gl.constantOrder = append(gl.constantOrder, name)
	gl.constantHashes[name] = data.ContentHash()
	gl.deviceClasses[data.Device().Class] = true
	return gl.constantBox(name)
}

func (gl *GraphLowering) constantBox(name string) *ir.TensorBox {
	data := gl.constants[name]
	sizes, strides := gl.staticSizesStrides(data.Meta())
	buf := ir.NewConstantBuffer(name, ir.NewFixedLayout(data.Device(), data.DType(), sizes, strides))
	return ir.NewTensorBox(gl, ir.Buffer(buf))
}

// ConstantName returns the table name of the constant as resident on the
// given device, copying it there the first time it is requested. Codegen
// asks per device so constants never move at run time.
func (gl *GraphLowering) ConstantName(name string, device tensor.Device) string {
	data, ok := gl.constants[name]
	if !ok || data.Device() == device {
		return name
	}
	alt := constantNameRe.ReplaceAllString(fmt.Sprintf("%s_%s", name, device), "_")
	if _, ok := gl.constants[alt]; !ok {
		moved := data.ToDevice(device)
		gl.constants[alt] = moved
		gl.constantOrder = append(gl.constantOrder, alt)
		gl.constantHashes[alt] = moved.ContentHash()
	}
	return alt
}

// Constants returns the constant table.
func (gl *GraphLowering) Constants() map[string]*tensor.RawTensor { return gl.constants }

// ConstantNames returns the table names in insertion order.
func (gl *GraphLowering) ConstantNames() []string { return gl.constantOrder }

// ConstantHashes returns the per-constant content hashes.
func (gl *GraphLowering) ConstantHashes() map[string]string { return gl.constantHashes }
