// Package simqerr declares the closed set of error kinds that the broker's
// core raises (see the error-handling design). Every leaf in Access,
// QueueManager, Store, Changes, and the wire protocol raises the most
// specific Kind available; the session controller switches on Kind alone
// to decide the FSM transition, never on the message text.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package simqerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the closed set of error kinds from the error-handling design.
type Kind int

const (
	KindUnknown Kind = iota

	KindNotFoundGroup
	KindNotFoundChannel
	KindNotFoundConsumer
	KindNotFoundProducer
	KindNotFoundSession

	KindDuplicateGroup
	KindDuplicateChannel
	KindDuplicateConsumer
	KindDuplicateProducer
	KindDuplicateSession
	KindDuplicateUUID

	KindWrongPassword
	KindWrongParam
	KindWrongMessageSize
	KindWrongChannelLimits
	KindWrongUUID
	KindWrongCmd

	KindExceedLimit
	KindAccessDeny
	KindFSError
	KindSocket
)

var descriptions = map[Kind]string{
	KindUnknown: "unknown error",

	KindNotFoundGroup:    "group does not exist",
	KindNotFoundChannel:  "channel does not exist",
	KindNotFoundConsumer: "consumer does not exist",
	KindNotFoundProducer: "producer does not exist",
	KindNotFoundSession:  "session does not exist",

	KindDuplicateGroup:    "group already exists",
	KindDuplicateChannel:  "channel already exists",
	KindDuplicateConsumer: "consumer already exists",
	KindDuplicateProducer: "producer already exists",
	KindDuplicateSession:  "session already authenticated",
	KindDuplicateUUID:     "uuid already in use",

	KindWrongPassword:      "wrong password",
	KindWrongParam:         "wrong parameter",
	KindWrongMessageSize:   "wrong message size",
	KindWrongChannelLimits: "wrong channel limits",
	KindWrongUUID:          "wrong uuid",
	KindWrongCmd:           "wrong command",

	KindExceedLimit: "channel limit exceeded",
	KindAccessDeny:  "access denied",
	KindFSError:     "filesystem error",
	KindSocket:      "socket error",
}

func (k Kind) String() string {
	if s, ok := descriptions[k]; ok {
		return s
	}
	return "unknown error"
}

// Error is the concrete error value carried across the core's package
// boundaries: Kind is what callers switch on, Op/Detail are for logs only.
type Error struct {
	Kind   Kind
	Op     string // e.g. "Access.AuthConsumer", "QueueManager.PushMessage"
	Detail string
	cause  error
}

func New(kind Kind, op string, detail ...any) *Error {
	e := &Error{Kind: kind, Op: op}
	if len(detail) > 0 {
		e.Detail = fmt.Sprint(detail...)
	}
	return e
}

func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind.String(), e.Detail)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind.String(), e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind.String())
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

//
// convenience constructors mirroring the error-handling design's table
//

func NotFoundGroup(op, name string) *Error    { return New(KindNotFoundGroup, op, name) }
func NotFoundChannel(op, name string) *Error  { return New(KindNotFoundChannel, op, name) }
func NotFoundConsumer(op, name string) *Error { return New(KindNotFoundConsumer, op, name) }
func NotFoundProducer(op, name string) *Error { return New(KindNotFoundProducer, op, name) }
func NotFoundSession(op string) *Error        { return New(KindNotFoundSession, op) }

func DuplicateGroup(op, name string) *Error    { return New(KindDuplicateGroup, op, name) }
func DuplicateChannel(op, name string) *Error  { return New(KindDuplicateChannel, op, name) }
func DuplicateConsumer(op, name string) *Error { return New(KindDuplicateConsumer, op, name) }
func DuplicateProducer(op, name string) *Error { return New(KindDuplicateProducer, op, name) }
func DuplicateSession(op string) *Error        { return New(KindDuplicateSession, op) }
func DuplicateUUID(op, uuid string) *Error     { return New(KindDuplicateUUID, op, uuid) }

func WrongPassword(op string) *Error       { return New(KindWrongPassword, op) }
func WrongParam(op, detail string) *Error  { return New(KindWrongParam, op, detail) }
func ExceedLimit(op string) *Error         { return New(KindExceedLimit, op) }
func AccessDeny(op string) *Error          { return New(KindAccessDeny, op) }

// IsSessionThreatening reports whether a Kind must close the session
// outright (authentication/consistency failures) as opposed to merely
// answering with SEND_ERROR and staying connected (validation/admission
// failures). Transport-layer kinds (KindSocket) are handled separately:
// they skip straight to CLOSE without even attempting to send.
func (k Kind) IsSessionThreatening() bool {
	switch k {
	case KindWrongPassword, KindDuplicateSession, KindNotFoundSession, KindAccessDeny:
		return true
	default:
		return false
	}
}
