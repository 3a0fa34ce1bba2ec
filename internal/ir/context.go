package ir

// GraphContext is the slice of the orchestrator the IR layer needs:
// buffer registration, extern kernel recording, and policy knobs. The
// graph package implements it; lowering handlers receive it.
type GraphContext interface {
	// RegisterBuffer appends the buffer to the graph's buffer list,
	// assigning a unique "buf<N>" name when the buffer is unnamed, and
	// returns the final name.
	RegisterBuffer(buf Buffer) string

	// RegisterList records the buffer names behind a tuple result and
	// returns the list's name.
	RegisterList(names []string) string

	// AddExternKernel records a fallback call for cross-process codegen.
	AddExternKernel(rec *ExternKernelRecord)

	// WarnFallback logs a deduplicated performance hint for the operator.
	WarnFallback(op string)

	// RealizeReadsThreshold bounds how many reads an unrealized
	// expression may accumulate before it is forced to materialize.
	RealizeReadsThreshold() int
}
