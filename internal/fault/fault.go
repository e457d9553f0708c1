// Package fault defines the error taxonomy shared by every coordination
// service and the HTTP status each kind maps to.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error kind written to error response bodies.
type Kind string

const (
	// InvalidArgument covers empty identifiers, negative marks and bad JSON.
	InvalidArgument Kind = "InvalidArgument"

	// InsufficientParticipants means a sync round was started with too few clocks.
	InsufficientParticipants Kind = "InsufficientParticipants"
	// MalformedTime means a reported time is not a 24-hour HH:MM:SS string.
	MalformedTime Kind = "MalformedTime"

	// NotHolder means a release came from a student that does not hold the section.
	NotHolder Kind = "NotHolder"
	// UnknownStudent means the student neither holds nor waits for the section.
	UnknownStudent Kind = "UnknownStudent"

	// NotFound means no chunk holds the requested roll number.
	NotFound Kind = "NotFound"
	// RecordUnavailable means every replica holding the record's chunk is offline.
	RecordUnavailable Kind = "RecordUnavailable"
	// QuorumUnavailable means no replica voted yes during prepare.
	QuorumUnavailable Kind = "QuorumUnavailable"
	// UnknownReplica means the replica name is not part of the topology.
	UnknownReplica Kind = "UnknownReplica"

	// InvalidThresholdState is reserved. The load balancer only routes and never rejects.
	InvalidThresholdState Kind = "InvalidThresholdState"

	// Internal is used for errors that carry no kind.
	Internal Kind = "Internal"
)

// Error is a kinded error. Two Errors match under errors.Is when their
// kinds are equal, so the exported sentinels can be used as targets.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidArgument          = &Error{Kind: InvalidArgument}
	ErrInsufficientParticipants = &Error{Kind: InsufficientParticipants}
	ErrMalformedTime            = &Error{Kind: MalformedTime}
	ErrNotHolder                = &Error{Kind: NotHolder}
	ErrUnknownStudent           = &Error{Kind: UnknownStudent}
	ErrNotFound                 = &Error{Kind: NotFound}
	ErrRecordUnavailable        = &Error{Kind: RecordUnavailable}
	ErrQuorumUnavailable        = &Error{Kind: QuorumUnavailable}
	ErrUnknownReplica           = &Error{Kind: UnknownReplica}
)

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err. Errors without a kind report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a kind to the response status code. Client-caused
// failures are 4xx, server-state impossibilities are 5xx.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidArgument, MalformedTime, InsufficientParticipants:
		return http.StatusBadRequest
	case NotFound, UnknownReplica, UnknownStudent:
		return http.StatusNotFound
	case NotHolder:
		return http.StatusConflict
	case RecordUnavailable, QuorumUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
