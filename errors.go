package healthmon

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by instruments the platform cannot provide.
	// The monitor treats it as "omit the field", never as a stream error.
	ErrUnsupported = errors.New("healthmon: feature not supported on this platform")

	// ErrNotStartable is returned by Start on a monitor that already left the
	// constructing state.
	ErrNotStartable = errors.New("healthmon: monitor can only be started once")
)

// ConfigurationError reports an invalid configuration value. A monitor is never
// created from a configuration that produced one.
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("healthmon: invalid %s %v: %s", e.Field, e.Value, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// StreamFailure is the terminal error of a sample stream whose consumer failed
// to accept a Sample.
type StreamFailure struct {
	Err error
}

func (e *StreamFailure) Error() string {
	return fmt.Sprintf("healthmon: consumer failed: %v", e.Err)
}

func (e *StreamFailure) Unwrap() error {
	return e.Err
}
