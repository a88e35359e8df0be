package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an Error so callers can decide how to present it.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	// KindUnauthenticated is returned before any network call when there is no signed in user.
	KindUnauthenticated
	// KindValidation is returned before any network call when a command input is rejected.
	KindValidation
	// KindTransient wraps a failure of the data service or the realtime transport.
	// The state of the component is left untouched and the command may be repeated.
	KindTransient
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// GenericMessage is shown to the user in place of the details of a sensitive error.
const GenericMessage = "something went wrong, please try again"

// Error is the structured error returned by every command of the synchronization core.
type Error struct {
	Kind ErrorKind
	msg  string
	// Sensitive is a flag to indicate if the wrapped cause can be shown to the user.
	// If it is set, only the message is safe to display.
	Sensitive bool
	err       error
}

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func NewErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Unexpected normalizes a failure of a collaborator into a transient Error.
// The cause is kept for logging and errors.Is but never shown to the user.
func Unexpected(err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if msg == "" {
		msg = GenericMessage
	}
	return &Error{Kind: KindTransient, msg: msg, Sensitive: true, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Message returns the text that is safe to show to the user.
func (e *Error) Message() string {
	return e.msg
}

// UserMessage returns the text of err that is safe to show to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return GenericMessage
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	// ErrUnauthenticated is returned when a command requires a signed in user.
	ErrUnauthenticated = NewError(KindUnauthenticated, "you need to sign in first")
	// ErrEmptyMessage is returned when the content of a message is empty or only whitespace.
	ErrEmptyMessage = NewError(KindValidation, "message cannot be empty")
	// ErrNoActiveRoom is returned when a command needs an active room and there is none.
	ErrNoActiveRoom = NewError(KindValidation, "select a room first")
	// ErrMissingTarget is returned when a conversation is started without a target user.
	ErrMissingTarget = NewError(KindValidation, "select a user to start a conversation")
	// ErrSelfConversation is returned when a user tries to start a conversation with themselves.
	ErrSelfConversation = NewError(KindValidation, "you cannot start a conversation with yourself")
	// ErrMessageNotFound is returned when a message to retry or pin is not in the list.
	ErrMessageNotFound = NewError(KindNotFound, "message not found")
	// ErrRoomNotFound is returned when a room is not known to the directory.
	ErrRoomNotFound = NewError(KindNotFound, "room not found")
)

// UniqueViolationCode is the SQLSTATE reported for a unique constraint violation.
const UniqueViolationCode = "23505"

// ErrUniqueViolation is wrapped by every store error caused by a unique constraint.
// Membership and direct room races rely on it to treat duplicates as success.
var ErrUniqueViolation = errors.New("unique constraint violation")

// IsUniqueViolation reports whether err was caused by a unique constraint.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}
