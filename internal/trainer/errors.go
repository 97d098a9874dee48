package trainer

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrProtocol marks an out-of-order step in the two-stage backward protocol.
var ErrProtocol = errors.New("trainer: backward protocol violated")

// SetupError is a failure before the first batch: configuration, dataset or
// output directories. Always fatal.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup: %s: %v", e.Op, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// NumericalError reports a non-finite loss with the step it happened at.
type NumericalError struct {
	Phase string
	Epoch int
	Batch int
	Loss  float64
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("%s epoch %d batch %d: non-finite loss %v", e.Phase, e.Epoch, e.Batch, e.Loss)
}

// IOError is a failed artifact or checkpoint write, already retried once.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("io: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

func setupErr(op string, err error) error {
	return &SetupError{Op: op, Err: err}
}
