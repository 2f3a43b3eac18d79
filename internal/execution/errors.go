package execution

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution failures. The first six mirror the
// runner's close codes; the rest are raised by the bridge before or
// while talking to the runner.
type ErrorKind string

const (
	KindAlreadyInitialized   ErrorKind = "already-initialized"
	KindInitTimeout          ErrorKind = "init-timeout"
	KindFatalRunnerError     ErrorKind = "fatal-runner-error"
	KindUninitializedCommand ErrorKind = "uninitialized-command"
	KindInvalidStreamTarget  ErrorKind = "invalid-stream-target"
	KindInvalidSignal        ErrorKind = "invalid-signal"

	KindUnsupportedLanguage ErrorKind = "unsupported-language"
	KindTooManyFiles        ErrorKind = "too-many-files"
	KindFileTooLarge        ErrorKind = "file-too-large"
	KindInvalidRequest      ErrorKind = "invalid-request"
	KindConnectFailed       ErrorKind = "connect-failed"
	KindConnectionLost      ErrorKind = "connection-lost"
	KindCancelled           ErrorKind = "cancelled"
	KindNotRunning          ErrorKind = "not-running"
)

// Runner close codes
const (
	closeAlreadyInitialized = 4000
	closeInitTimeout        = 4001
	closeNotifiedError      = 4002
	closeNotInitialized     = 4003
	closeStdinOnly          = 4004
	closeInvalidSignal      = 4005
	closeJobCompleted       = 4999
)

type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "execution: " + string(e.Kind)
	}
	return fmt.Sprintf("execution: %s: %s", e.Kind, e.Message)
}

// Is matches on Kind so callers can use errors.Is with a bare &Error{Kind: ...}
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindFatalRunnerError for foreign errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatalRunnerError
}

// errorForClose maps a runner close code onto the bridge taxonomy.
// Returns nil for a normal completion.
func errorForClose(code int, text string) *Error {
	switch code {
	case closeJobCompleted, 1000:
		return nil
	case closeAlreadyInitialized:
		return &Error{Kind: KindAlreadyInitialized, Message: text}
	case closeInitTimeout:
		return &Error{Kind: KindInitTimeout, Message: text}
	case closeNotifiedError:
		return &Error{Kind: KindFatalRunnerError, Message: text}
	case closeNotInitialized:
		return &Error{Kind: KindUninitializedCommand, Message: text}
	case closeStdinOnly:
		return &Error{Kind: KindInvalidStreamTarget, Message: text}
	case closeInvalidSignal:
		return &Error{Kind: KindInvalidSignal, Message: text}
	}
	return newError(KindConnectionLost, "runner closed connection (%d) %s", code, text)
}
