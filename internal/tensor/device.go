package tensor

import "fmt"

// DeviceClass identifies a family of compute devices.
type DeviceClass int

// Supported device classes.
const (
	CPU DeviceClass = iota
	CUDA
	Vulkan
	Metal
	WebGPU
)

// String returns the lowercase device class name used in buffer and
// constant naming.
func (c DeviceClass) String() string {
	switch c {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case Vulkan:
		return "vulkan"
	case Metal:
		return "metal"
	case WebGPU:
		return "webgpu"
	default:
		return "unknown"
	}
}

// Device is a concrete device: a class plus an index within that class.
type Device struct {
	Class DeviceClass
	Index int
}

// String returns e.g. "cuda0" or "cpu".
func (d Device) String() string {
	if d.Class == CPU {
		return "cpu"
	}
	return fmt.Sprintf("%s%d", d.Class, d.Index)
}
