package sym

import "fmt"

// Broadcast applies NumPy-style broadcasting over symbolic sizes,
// comparing dimensions right to left. Dimensions are compatible when they
// are symbolically equal, or when one of them is the concrete size 1;
// missing dimensions are treated as 1. When a symbolic and a concrete
// size with equal hints meet, the symbolic one wins so variable identity
// is preserved through elementwise chains.
func Broadcast(a, b []Size) ([]Size, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]Size, n)
	for i := 0; i < n; i++ {
		da := Const(1)
		if idx := len(a) - 1 - i; idx >= 0 {
			da = a[idx]
		}
		db := Const(1)
		if idx := len(b) - 1 - i; idx >= 0 {
			db = b[idx]
		}
		pos := n - 1 - i
		switch {
		case da.Equals(db):
			out[pos] = da
		case !da.IsSymbolic() && da.Hint() == 1:
			out[pos] = db
		case !db.IsSymbolic() && db.Hint() == 1:
			out[pos] = da
		case da.Hint() == db.Hint():
			if da.IsSymbolic() {
				out[pos] = da
			} else {
				out[pos] = db
			}
		default:
			return nil, fmt.Errorf("sizes not compatible for broadcasting: %v vs %v (dimension %d: %v vs %v)",
				a, b, pos, da, db)
		}
	}
	return out, nil
}
