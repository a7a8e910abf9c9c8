package topicsync

import "errors"

var (
	// ErrConnectionClosed is returned by every operation on a connection,
	// map or list whose registration has been removed.
	ErrConnectionClosed = errors.New("topicsync: connection closed")
	// ErrEngineClosed is returned once Engine.Close has been called.
	ErrEngineClosed = errors.New("topicsync: engine closed")
	// ErrInvalidArgument reports a missing or malformed argument.
	ErrInvalidArgument = errors.New("topicsync: invalid argument")
	// ErrAdmissionRejected is the reason carried by a ConnectionFailedEvent
	// when admission control refused the user.
	ErrAdmissionRejected = errors.New("topicsync: admission rejected")
)
