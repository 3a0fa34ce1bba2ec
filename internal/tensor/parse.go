package tensor

import "fmt"

// ParseDataType resolves a dtype name as it appears in trace files.
func ParseDataType(s string) (DataType, error) {
	for dt := Float32; dt <= Complex64; dt++ {
		if dt.String() == s {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// ParseDevice resolves a device string like "cpu" or "cuda1".
func ParseDevice(s string) (Device, error) {
	for c := CPU; c <= WebGPU; c++ {
		name := c.String()
		if s == name {
			return Device{Class: c}, nil
		}
		if len(s) > len(name) && s[:len(name)] == name {
			idx := 0
			if _, err := fmt.Sscanf(s[len(name):], "%d", &idx); err == nil {
				return Device{Class: c, Index: idx}, nil
			}
		}
	}
	return Device{}, fmt.Errorf("unknown device %q", s)
}
