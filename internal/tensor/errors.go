package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch is the root of every shape validation failure.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrIndexOutOfRange is returned when a range or index exceeds a bound.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// ShapeError describes a tensor whose shape does not fit an operation.
type ShapeError struct {
	Op   string
	Msg  string
	Want Shape
	Got  Shape
}

func (e *ShapeError) Error() string {
	switch {
	case e.Want != nil && e.Got != nil:
		return fmt.Sprintf("%s: %s: want %v, got %v", e.Op, e.Msg, e.Want, e.Got)
	case e.Got != nil:
		return fmt.Sprintf("%s: %s: got %v", e.Op, e.Msg, e.Got)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// Mismatch builds a ShapeError for op.
func Mismatch(op, msg string, want, got Shape) *ShapeError {
	return &ShapeError{Op: op, Msg: msg, Want: want, Got: got}
}

// CheckRank fails unless t has exactly rank axes.
func CheckRank(op string, t *Tensor, rank int) error {
	if t == nil {
		return &ShapeError{Op: op, Msg: "nil tensor"}
	}
	if t.Rank() != rank {
		return &ShapeError{Op: op, Msg: fmt.Sprintf("expected rank %d", rank), Got: t.Shape()}
	}
	return nil
}
