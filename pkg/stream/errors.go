package stream

import "fmt"

// Error codes surfaced by a Stream.
const (
	CodeStreamAlreadyClosed    = "STREAM_ALREADY_CLOSED"
	CodeOffsetOutOfRangeBounds = "OFFSET_OUT_OF_RANGE_BOUNDS"
	CodeUnexpected             = "UNEXPECTED"
	CodeInvalidArgument        = "INVALID_ARGUMENT"
	CodeUnsupported            = "UNSUPPORTED"
)

// Error is a stream error. Two errors match under errors.Is when their codes
// are equal, so callers compare against the sentinels below.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrStreamAlreadyClosed = &Error{Code: CodeStreamAlreadyClosed, Message: "stream already closed"}
	ErrOffsetOutOfRange    = &Error{Code: CodeOffsetOutOfRangeBounds, Message: "offset out of range bounds"}
	ErrUnexpected          = &Error{Code: CodeUnexpected, Message: "unexpected state"}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrUnsupported         = &Error{Code: CodeUnsupported, Message: "operation not supported"}
)

func errorf(code string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
