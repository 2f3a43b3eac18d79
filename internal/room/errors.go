package room

import (
	"errors"
	"fmt"
)

// Kind is the wire code of a room error
type Kind string

const (
	KindRoomNotFound        Kind = "room-not-found"
	KindRoomFull            Kind = "room-full"
	KindPasswordRequired    Kind = "password-required"
	KindInvalidPassword     Kind = "invalid-password"
	KindUnauthorized        Kind = "unauthorized"
	KindPermissionDenied    Kind = "permission-denied"
	KindClaimAlreadyPending Kind = "claim-already-pending"
	KindNoPendingClaim      Kind = "no-pending-claim"
	KindHostNotFound        Kind = "host-not-found"
	KindParticipantNotFound Kind = "participant-not-found"
	KindInvalidFilename     Kind = "invalid-filename"
	KindInvalidNickname     Kind = "invalid-nickname"
	KindInvalidMessage      Kind = "invalid-message"
	KindInvalidRequest      Kind = "invalid-request"
	KindFileNotFound        Kind = "file-not-found"
	KindFileExists          Kind = "file-exists"
	KindDocumentTooLarge    Kind = "document-too-large"
	KindRateLimited         Kind = "rate-limited"
	KindRoomClosed          Kind = "room-closed"
)

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on Kind
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrRoomNotFound     = &Error{Kind: KindRoomNotFound}
	ErrRoomFull         = &Error{Kind: KindRoomFull}
	ErrPasswordRequired = &Error{Kind: KindPasswordRequired}
	ErrInvalidPassword  = &Error{Kind: KindInvalidPassword}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrRoomClosed       = &Error{Kind: KindRoomClosed}
)

func denied(capability fmt.Stringer) *Error {
	return newError(KindPermissionDenied, "missing %s", capability)
}

// KindOf returns the kind of a room error, or "" for anything else
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
