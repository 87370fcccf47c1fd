package ralph

import "fmt"

// Operation is the semantic write mode applied to each written record.
// The string values are wire-visible: they appear in CLI flags and in
// history entries.
type Operation string

const (
	// OpIndex upserts records, overwriting existing ones with the
	// same identifier.
	OpIndex Operation = "index"

	// OpCreate inserts records and fails on identifier collisions.
	OpCreate Operation = "create"

	// OpDelete removes the records with the given identifiers.
	OpDelete Operation = "delete"

	// OpUpdate replaces existing records matched by identifier.
	OpUpdate Operation = "update"

	// OpAppend adds records to the end of the target without
	// touching existing content. Only file-like backends support it.
	OpAppend Operation = "append"
)

// ParseOperation converts a string to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpIndex, OpCreate, OpDelete, OpUpdate, OpAppend:
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", ErrParameter, s)
}

// Capabilities describes which write operations a backend accepts.
// Use this to check what a backend supports before writing, or to
// select a sensible default operation.
type Capabilities struct {
	// Default is the operation used when WriteOptions.Operation is
	// left empty.
	Default Operation

	// Unsupported lists the operations the backend rejects.
	Unsupported []Operation
}

// Supports returns true if the backend accepts the given operation.
func (c Capabilities) Supports(op Operation) bool {
	for _, u := range c.Unsupported {
		if u == op {
			return false
		}
	}
	return true
}

// Resolve returns the effective operation for a write: the default when
// op is empty, op itself otherwise. It returns an error wrapping
// ErrParameter when the effective operation is unsupported.
func (c Capabilities) Resolve(op Operation) (Operation, error) {
	if op == "" {
		op = c.Default
	}
	if !c.Supports(op) {
		return "", fmt.Errorf("%w: %s operation is not supported", ErrParameter, op)
	}
	return op, nil
}

// ResolveWrite is the shared entry gate for Writable.Write. It checks
// the source for emptiness before resolving the operation, so writing
// an empty source returns zero without any remote call, even when the
// requested operation is unsupported. The returned bool reports whether
// the source was empty.
func (c Capabilities) ResolveWrite(src Source, op Operation) (Operation, bool, error) {
	empty, err := src.Empty()
	if err != nil {
		return "", false, err
	}
	if empty {
		return "", true, nil
	}
	op, err = c.Resolve(op)
	if err != nil {
		return "", false, err
	}
	return op, false, nil
}
