package tensor

import "fmt"

// ShapeError reports a rank, dimension or length mismatch between arrays.
// It is always raised before any reconstruction work starts.
type ShapeError struct {
	Op  string
	Msg string
}

// NewShapeError formats a ShapeError for op.
func NewShapeError(op, format string, args ...any) *ShapeError {
	return &ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape error: %s: %s", e.Op, e.Msg)
}
