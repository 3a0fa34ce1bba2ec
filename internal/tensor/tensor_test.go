package tensor

import (
	"testing"
)

func TestDataTypeSize(t *testing.T) {
	tests := []struct {
		dtype DataType
		size  int
	}{
		{Float32, 4},
		{Float64, 8},
		{Float16, 2},
		{BFloat16, 2},
		{Int64, 8},
		{Int16, 2},
		{Int8, 1},
		{Bool, 1},
		{Complex64, 8},
	}
	for _, tt := range tests {
		if got := tt.dtype.Size(); got != tt.size {
			t.Errorf("%s.Size() = %d, want %d", tt.dtype, got, tt.size)
		}
	}
}

func TestParseDataType(t *testing.T) {
	dt, err := ParseDataType("bfloat16")
	if err != nil {
		t.Fatalf("ParseDataType: %v", err)
	}
	if dt != BFloat16 {
		t.Errorf("got %s, want bfloat16", dt)
	}
	if _, err := ParseDataType("float128"); err == nil {
		t.Error("expected error for unknown dtype")
	}
}

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in   string
		want Device
	}{
		{"cpu", Device{Class: CPU}},
		{"cuda0", Device{Class: CUDA, Index: 0}},
		{"cuda1", Device{Class: CUDA, Index: 1}},
		{"vulkan0", Device{Class: Vulkan, Index: 0}},
	}
	for _, tt := range tests {
		got, err := ParseDevice(tt.in)
		if err != nil {
			t.Fatalf("ParseDevice(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseDevice(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("round trip of %q gave %q", tt.in, got.String())
		}
	}
}

func TestComputeStrides(t *testing.T) {
	tests := []struct {
		shape Shape
		want  []int
	}{
		{Shape{2, 3, 4}, []int{12, 4, 1}},
		{Shape{5}, []int{1}},
		{Shape{}, []int{}},
	}
	for _, tt := range tests {
		got := tt.shape.ComputeStrides()
		if !EqualInts(got, tt.want) {
			t.Errorf("ComputeStrides(%v) = %v, want %v", tt.shape, got, tt.want)
		}
	}
}

func TestChannelsLastStrides(t *testing.T) {
	got := Shape{2, 16, 8, 4}.ChannelsLastStrides()
	want := []int{512, 1, 64, 16}
	if !EqualInts(got, want) {
		t.Errorf("ChannelsLastStrides = %v, want %v", got, want)
	}
}

func TestMetaDense(t *testing.T) {
	cpu := Device{Class: CPU}
	tests := []struct {
		name   string
		shape  Shape
		stride []int
		want   bool
	}{
		{"contiguous", Shape{2, 3, 4}, []int{12, 4, 1}, true},
		{"channels last", Shape{2, 16, 8, 4}, []int{512, 1, 64, 16}, true},
		{"transposed", Shape{3, 4}, []int{1, 3}, true},
		{"broadcast stride", Shape{3, 4}, []int{0, 1}, false},
		{"gapped", Shape{3, 4}, []int{8, 1}, false},
		{"size one ignored", Shape{1, 3, 4}, []int{999, 4, 1}, true},
		{"empty", Shape{0, 4}, []int{4, 1}, true},
	}
	for _, tt := range tests {
		m := StridedMeta(tt.shape, tt.stride, Float32, cpu)
		if got := m.Dense(); got != tt.want {
			t.Errorf("%s: Dense() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEqualContents(t *testing.T) {
	cpu := Device{Class: CPU}
	a := FromFloat32([]float32{1, 2, 3, 4}, Shape{2, 2}, cpu)
	b := FromFloat32([]float32{1, 2, 3, 4}, Shape{2, 2}, cpu)
	c := FromFloat32([]float32{1, 2, 3, 5}, Shape{2, 2}, cpu)
	d := FromFloat32([]float32{1, 2, 3, 4}, Shape{4}, cpu)

	if !a.EqualContents(b) {
		t.Error("identical tensors should compare equal")
	}
	if a.EqualContents(c) {
		t.Error("different data should not compare equal")
	}
	if a.EqualContents(d) {
		t.Error("different shapes should not compare equal")
	}
}

func TestContentHash(t *testing.T) {
	cpu := Device{Class: CPU}
	a := FromFloat32([]float32{1, 2, 3, 4}, Shape{2, 2}, cpu)
	b := FromFloat32([]float32{1, 2, 3, 4}, Shape{2, 2}, cpu)
	c := FromFloat32([]float32{1, 2, 3, 4}, Shape{4}, cpu)

	if a.ContentHash() != b.ContentHash() {
		t.Error("equal contents should hash identically")
	}
	if a.ContentHash() == c.ContentHash() {
		t.Error("different shapes should hash differently")
	}
}

func TestToDevice(t *testing.T) {
	a := FromFloat32([]float32{1, 2}, Shape{2}, Device{Class: CPU})
	b := a.ToDevice(Device{Class: CUDA, Index: 0})
	if b.Device() != (Device{Class: CUDA, Index: 0}) {
		t.Errorf("device = %v, want cuda0", b.Device())
	}
	if a.Device() != (Device{Class: CPU}) {
		t.Error("original tensor must be unchanged")
	}
	b.AsFloat32()[0] = 9
	if a.AsFloat32()[0] == 9 {
		t.Error("ToDevice must copy the data")
	}
}

func TestScalarItem(t *testing.T) {
	s := Scalar(2.5, Device{Class: CPU})
	if got := s.Item(); got != 2.5 {
		t.Errorf("Item() = %v, want 2.5", got)
	}
}
