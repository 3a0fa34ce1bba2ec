// Package sym implements symbolic tensor dimensions and the duck-shaping
// shape environment. Two dimensions observed with the same concrete extent
// resolve to the same symbolic variable, so specializations compiled for
// one shape can be reused for any shape-compatible graph.
package sym

import (
	"fmt"
	"sync"
)

// Var is a symbolic integer variable. Vars are compared by identity: two
// dimensions are "the same symbol" exactly when they hold the same *Var.
type Var struct {
	// Name is the stable identifier used in generated expressions, e.g. "s3".
	Name string
	// Hint is the concrete value the variable was allocated for.
	Hint int64
	// Source records where the symbol came from, for diagnostics only.
	Source string
}

func (v *Var) String() string { return v.Name }

// Size is a symbolic dimension: either a concrete value or a variable.
// The zero value is the concrete size 0.
type Size struct {
	v   *Var
	val int64
}

// Const returns a concrete size.
func Const(v int64) Size { return Size{val: v} }

// FromVar returns a symbolic size backed by v.
func FromVar(v *Var) Size { return Size{v: v} }

// IsSymbolic reports whether the size is backed by a variable.
func (s Size) IsSymbolic() bool { return s.v != nil }

// Var returns the backing variable, or nil for concrete sizes.
func (s Size) Var() *Var { return s.v }

// Hint returns the concrete value, using the variable's allocation hint
// for symbolic sizes.
func (s Size) Hint() int64 {
	if s.v != nil {
		return s.v.Hint
	}
	return s.val
}

// Equals reports symbolic equality: identical variables, or equal
// concrete values.
func (s Size) Equals(other Size) bool {
	if s.v != nil || other.v != nil {
		return s.v == other.v
	}
	return s.val == other.val
}

func (s Size) String() string {
	if s.v != nil {
		return s.v.Name
	}
	return fmt.Sprintf("%d", s.val)
}

// HasFreeSymbols reports whether any size in the list is symbolic.
func HasFreeSymbols(sizes []Size) bool {
	for _, s := range sizes {
		if s.IsSymbolic() {
			return true
		}
	}
	return false
}

// Concrete returns the concrete values of the sizes, or false if any size
// is symbolic.
func Concrete(sizes []Size) ([]int, bool) {
	out := make([]int, len(sizes))
	for i, s := range sizes {
		if s.IsSymbolic() {
			return nil, false
		}
		out[i] = int(s.Hint())
	}
	return out, true
}

// Hints returns the concrete hint values of the sizes.
func Hints(sizes []Size) []int {
	out := make([]int, len(sizes))
	for i, s := range sizes {
		out[i] = int(s.Hint())
	}
	return out
}

// ShapeEnv allocates symbolic variables with duck shaping: every request
// for the same concrete value returns the identical variable. Allocation
// is mutex-guarded so graphs sharing an env serialize symbol creation.
type ShapeEnv struct {
	mu      sync.Mutex
	byValue map[int64]*Var
	byName  map[string]*Var
	next    int
}

// NewShapeEnv creates an empty shape environment.
func NewShapeEnv() *ShapeEnv {
	return &ShapeEnv{
		byValue: make(map[int64]*Var),
		byName:  make(map[string]*Var),
	}
}

// SymbolFor resolves a concrete dimension extent to a symbolic size.
// Extents 0 and 1 are always specialized to concrete values: they change
// broadcasting and contiguity semantics, so ducking them would merge
// programs with different meaning.
func (e *ShapeEnv) SymbolFor(value int64, source string) Size {
	if value == 0 || value == 1 {
		return Const(value)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.byValue[value]; ok {
		return FromVar(v)
	}
	v := &Var{
		Name:   fmt.Sprintf("s%d", e.next),
		Hint:   value,
		Source: source,
	}
	e.next++
	e.byValue[value] = v
	e.byName[v.Name] = v
	return FromVar(v)
}

// Lookup returns the variable already bound to the name, if any. Used to
// resolve tracer-side symbolic ints back to engine variables.
func (e *ShapeEnv) Lookup(name string) (*Var, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.byName[name]
	return v, ok
}

// NumVars returns the number of distinct variables allocated so far.
func (e *ShapeEnv) NumVars() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}
