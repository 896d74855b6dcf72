package stream

import "fmt"

// Error represents a stream failure.
type Error struct {
	Code    string
	Message string
	Key     Key
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s %s: %v", e.Code, e.Message, e.Key, e.Cause)
	}
	return fmt.Sprintf("%s: %s %s", e.Code, e.Message, e.Key)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeConfigResolution = "CONFIG_RESOLUTION_FAILED"
	ErrCodeSpawn            = "SPAWN_FAILED"
	ErrCodeProcessExited    = "PROCESS_EXITED"
	ErrCodeKill             = "KILL_FAILED"
)

// NewError creates a new stream error
func NewError(code, message string, key Key, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Key:     key,
		Cause:   cause,
	}
}
