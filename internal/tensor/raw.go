package tensor

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"unsafe"
)

// RawTensor is a concrete tensor value: metadata plus a byte buffer.
// The lowering engine only holds concrete values for graph constants;
// everything else flows through as metadata.
type RawTensor struct {
	data   []byte
	shape  Shape
	stride []int
	dtype  DataType
	device Device
}

// NewRaw creates a zero-filled RawTensor with contiguous strides.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &RawTensor{
		data:   make([]byte, shape.NumElements()*dtype.Size()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		device: device,
	}, nil
}

// FromFloat32 creates a float32 RawTensor from a slice.
// Panics if the element count does not match the shape.
func FromFloat32(data []float32, shape Shape, device Device) *RawTensor {
	if shape.NumElements() != len(data) {
		panic(fmt.Sprintf("shape %v requires %d elements, got %d", shape, shape.NumElements(), len(data)))
	}
	r, err := NewRaw(shape, Float32, device)
	if err != nil {
		panic(fmt.Sprintf("from float32: %v", err))
	}
	copy(r.AsFloat32(), data)
	return r
}

// FromInt64 creates an int64 RawTensor from a slice.
func FromInt64(data []int64, shape Shape, device Device) *RawTensor {
	if shape.NumElements() != len(data) {
		panic(fmt.Sprintf("shape %v requires %d elements, got %d", shape, shape.NumElements(), len(data)))
	}
	r, err := NewRaw(shape, Int64, device)
	if err != nil {
		panic(fmt.Sprintf("from int64: %v", err))
	}
	copy(r.AsInt64(), data)
	return r
}

// Scalar creates a 0-d float32 RawTensor holding a single value.
func Scalar(v float32, device Device) *RawTensor {
	r, err := NewRaw(Shape{}, Float32, device)
	if err != nil {
		panic(fmt.Sprintf("scalar: %v", err))
	}
	r.AsFloat32()[0] = v
	return r
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape { return r.shape }

// Strides returns the tensor's memory strides.
func (r *RawTensor) Strides() []int { return r.stride }

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType { return r.dtype }

// Device returns the tensor's compute device.
func (r *RawTensor) Device() Device { return r.device }

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int { return r.shape.NumElements() }

// Data returns the raw byte slice.
func (r *RawTensor) Data() []byte { return r.data }

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", r.dtype))
	}
	if len(r.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsInt64 interprets the data as []int64.
// Panics if the tensor's dtype is not Int64.
func (r *RawTensor) AsInt64() []int64 {
	if r.dtype != Int64 {
		panic(fmt.Sprintf("tensor dtype is %s, not int64", r.dtype))
	}
	if len(r.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// Item returns the scalar value of a 0-d float tensor as float64.
func (r *RawTensor) Item() float64 {
	if len(r.shape) != 0 || r.NumElements() != 1 {
		panic(fmt.Sprintf("Item() only works for scalar tensors, got shape %v", r.shape))
	}
	switch r.dtype {
	case Float32:
		return float64(r.AsFloat32()[0])
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(r.data))
	case Int64:
		return float64(r.AsInt64()[0])
	default:
		panic(fmt.Sprintf("Item(): unsupported dtype %s", r.dtype))
	}
}

// EqualContents reports full value equality: same shape, stride, dtype,
// device, and bitwise-identical data. Used for constant deduplication.
func (r *RawTensor) EqualContents(other *RawTensor) bool {
	return r.shape.Equal(other.shape) &&
		EqualInts(r.stride, other.stride) &&
		r.dtype == other.dtype &&
		r.device == other.device &&
		bytes.Equal(r.data, other.data)
}

// ContentHash returns a hex sha256 over a canonical header plus the data
// bytes. The hash is stable across runs for identical content and feeds
// the compiled-artifact cache key.
func (r *RawTensor) ContentHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%v|%v|%s|%s|", r.shape, r.stride, r.dtype, r.device)
	h.Write(r.data)
	return hex.EncodeToString(h.Sum(nil))
}

// ToDevice returns a copy of the tensor retagged to the given device.
// The lowering engine moves constants ahead of time so codegen never pays
// the transfer cost at run time.
func (r *RawTensor) ToDevice(device Device) *RawTensor {
	return &RawTensor{
		data:   append([]byte(nil), r.data...),
		shape:  r.shape.Clone(),
		stride: append([]int(nil), r.stride...),
		dtype:  r.dtype,
		device: device,
	}
}

// Meta returns the metadata view of the tensor.
func (r *RawTensor) Meta() *Meta {
	return StridedMeta(r.shape, r.stride, r.dtype, r.device)
}

// String returns a human-readable representation of the tensor.
func (r *RawTensor) String() string {
	return fmt.Sprintf("Tensor[%s]%v on %s", r.dtype, r.shape, r.device)
}
