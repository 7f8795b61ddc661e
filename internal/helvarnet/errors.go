package helvarnet

import "errors"

// Domain errors for the helvarnet package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, helvarnet.ErrQueryTimeout) {
//	    // handle timeout case
//	}
var (
	// ErrConnectionFailed is returned when the initial connection to the
	// router cannot be established.
	ErrConnectionFailed = errors.New("helvar: connection to router failed")

	// ErrNotConnected is returned when an operation requires a connection
	// but the client is not connected.
	ErrNotConnected = errors.New("helvar: not connected to router")

	// ErrConnectionLost is returned to in-flight queries when the
	// connection drops mid-session.
	ErrConnectionLost = errors.New("helvar: connection lost")

	// ErrMalformedFrame is returned when received bytes cannot be parsed
	// as a HelvarNet frame.
	ErrMalformedFrame = errors.New("helvar: malformed frame")

	// ErrQueryTimeout is returned when no reply arrives within the query
	// deadline. The pending query is removed; there is no automatic retry.
	ErrQueryTimeout = errors.New("helvar: query timed out")

	// ErrUnknownAddress is returned when a notification references an
	// address that has not been discovered. Callers log and ignore it.
	ErrUnknownAddress = errors.New("helvar: unknown address")

	// ErrUnknownGroup is returned when a group ID has not been discovered.
	ErrUnknownGroup = errors.New("helvar: unknown group")

	// ErrInvalidAddress is returned when a device address string cannot
	// be parsed or is out of range.
	ErrInvalidAddress = errors.New("helvar: invalid address")

	// ErrSendFailed is returned when handing a frame to the transport fails.
	ErrSendFailed = errors.New("helvar: send failed")

	// ErrRouterError is returned when the router answers a query with an
	// error reply ("!…=code#").
	ErrRouterError = errors.New("helvar: router reported error")
)
