package basalt

import (
	"errors"
	"fmt"

	"github.com/basaltdb/basalt/internal/memspec"
)

var (
	// ErrNotPowerOfTwo is returned when a granularity or minimum buffer
	// size option is not a power of two.
	ErrNotPowerOfTwo = errors.New("value must be a power of two")
)

// ConfigError indicates an invalid configuration option.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ConfigError struct {
	Option string
	cause  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config option %s: %v", e.Option, e.cause)
}

func (e *ConfigError) Unwrap() error { return e.cause }

// SubsystemError indicates that a subsystem failed to construct or
// initialize during environment startup.
//
// The original underlying error can be accessed via errors.Unwrap.
type SubsystemError struct {
	Subsystem string
	cause     error
}

func (e *SubsystemError) Error() string {
	return fmt.Sprintf("subsystem %s: %v", e.Subsystem, e.cause)
}

func (e *SubsystemError) Unwrap() error { return e.cause }

func translateError(subsystem string, err error) error {
	if err == nil {
		return nil
	}

	// Root taxonomy errors pass through untouched.
	var ce *ConfigError
	if errors.As(err, &ce) {
		return err
	}
	var se *SubsystemError
	if errors.As(err, &se) {
		return err
	}

	// Spec parse failures are configuration mistakes, not subsystem
	// faults.
	if errors.Is(err, memspec.ErrEmptySpec) {
		return &ConfigError{Option: subsystem, cause: err}
	}

	return &SubsystemError{Subsystem: subsystem, cause: err}
}
