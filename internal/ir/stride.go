package ir

import "sort"

// NHWCStrideOrder is the channels-last stride order for 4-d tensors:
// order[i] is the rank of dimension i, 0 meaning the smallest stride.
var NHWCStrideOrder = []int{3, 0, 2, 1}

// StrideOrder computes the stride order of concrete strides: the result
// assigns rank 0 to the dimension with the smallest stride. Ties break
// toward the later dimension so contiguous layouts order naturally.
func StrideOrder(strides []int) []int {
	idx := make([]int, len(strides))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if strides[idx[a]] != strides[idx[b]] {
			return strides[idx[a]] < strides[idx[b]]
		}
		return idx[a] > idx[b]
	})
	order := make([]int, len(strides))
	for rank, dim := range idx {
		order[dim] = rank
	}
	return order
}

// OrdersEqual compares two stride orders.
func OrdersEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
