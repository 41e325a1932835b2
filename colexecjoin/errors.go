package colexecjoin

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// The error kinds below match spec §7 one for one. All are constructed via
// cockroachdb/errors so they carry stack traces and compose with
// errors.Is/errors.As, the same convention the teacher uses throughout
// colexec (crossjoiner.go, invariants_checker.go, aggregators_util.go).

// SchemaChangedError is returned when a first-cycle build-side batch's
// column count differs from the build schema the driver was constructed
// with. Only the column count is compared, not the column types.
type SchemaChangedError struct {
	Expected, Got []fmt.Stringer
}

func (e *SchemaChangedError) Error() string {
	return "build side schema changed mid-stream"
}

// NewSchemaChangedError builds a SchemaChangedError wrapped with a stack
// trace.
func NewSchemaChangedError() error {
	return errors.WithStack(&SchemaChangedError{})
}

// ResourceError is returned when the tuned partition count would need more
// memory than the allocator limit allows and fallback is disabled (spec
// §4.2, "otherwise operation fails with a resource error").
type ResourceError struct {
	Requested int64
	Limit     int64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("insufficient memory for hash join: requested %d, limit %d, and fallback is disabled", e.Requested, e.Limit)
}

// NewResourceError builds a ResourceError wrapped with a stack trace.
func NewResourceError(requested, limit int64) error {
	return errors.WithStack(&ResourceError{Requested: requested, Limit: limit})
}

// OutOfMemoryError wraps a failure of a partition's hash-table construction,
// with a debug dump of per-partition statistics attached per spec §7
// ("include a memory-dump debug string"). An allocator refusal while build
// rows are appended is returned as the bare mon.OutOfMemoryError, without
// this wrapper or a dump.
type OutOfMemoryError struct {
	Cause      error
	DebugDump  string
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory building hash join: %v\n%s", e.Cause, e.DebugDump)
}

func (e *OutOfMemoryError) Unwrap() error { return e.Cause }

// NewOutOfMemoryError builds an OutOfMemoryError wrapped with a stack trace.
func NewOutOfMemoryError(cause error, debugDump string) error {
	return errors.WithStack(&OutOfMemoryError{Cause: cause, DebugDump: debugDump})
}

// PartitionExhaustionError is returned by SpillQueue.Push when a recursive
// cycle cannot reduce skew any further (spec §4.5,
// "cannot partition the inner data any further").
type PartitionExhaustionError struct {
	Cycle int
	Limit int
}

func (e *PartitionExhaustionError) Error() string {
	return fmt.Sprintf("cannot partition the inner data any further (cycle %d exceeds limit %d)", e.Cycle, e.Limit)
}

// NewPartitionExhaustionError builds a PartitionExhaustionError wrapped with
// a stack trace.
func NewPartitionExhaustionError(cycle, limit int) error {
	return errors.WithStack(&PartitionExhaustionError{Cycle: cycle, Limit: limit})
}

// IOError wraps a spill read/write/delete failure. During active processing
// it is fatal; during cleanup it is downgraded to a logged warning by the
// caller (spec §7).
type IOError struct {
	Cause error
	Op    string
}

func (e *IOError) Error() string { return fmt.Sprintf("spill I/O error during %s: %v", e.Op, e.Cause) }
func (e *IOError) Unwrap() error { return e.Cause }

// NewIOError builds an IOError wrapped with a stack trace.
func NewIOError(op string, cause error) error {
	return errors.WithStack(&IOError{Op: op, Cause: cause})
}
