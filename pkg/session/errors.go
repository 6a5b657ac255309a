package session

import "errors"

var (
	// ErrSessionClosed is returned by any operation attempted after the
	// session closed, rather than hanging.
	ErrSessionClosed = errors.New("session is closed")

	// ErrDeliveryFailure reports that a Reliable sample could not reach
	// a still-registered remote subscriber due to a transport failure.
	ErrDeliveryFailure = errors.New("reliable delivery failed")

	// ErrProtocolViolation reports that a responder broke the reply
	// contract, such as a Delete reply carrying a payload. It fails the
	// specific query interaction, not the session.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrQueryTimeout reports that a query's overall wait exceeded the
	// caller-supplied bound. Already-received replies are retained.
	ErrQueryTimeout = errors.New("query timed out")
)
