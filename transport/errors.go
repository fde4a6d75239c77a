package transport

import "errors"

// Sentinel errors for transport operations. These enable reliable error
// classification by the session controllers using errors.Is().

// Address and connection errors.
var (
	// ErrInvalidAddress indicates the stream URL or device address could
	// not be parsed into a usable host/port/path.
	ErrInvalidAddress = errors.New("invalid device address")

	// ErrConnectionFailed indicates the TCP or UDP connection could not be
	// established. It always wraps the underlying network error.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrDeviceBusy indicates the embedded server refused the connection.
	// This is a transient condition handled by the local recovery loop and
	// only surfaces when recovery retries are exhausted.
	ErrDeviceBusy = errors.New("device busy")
)

// Protocol errors.
var (
	// ErrProtocolViolation indicates the device response was not a usable
	// multipart stream (bad status, wrong content type, missing boundary).
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrStreamTerminated indicates the peer closed the stream, cleanly or
	// not. The controller converts it into a reconnect cycle.
	ErrStreamTerminated = errors.New("stream terminated")

	// ErrParse indicates a response header the handshake needs could not
	// be parsed at all, as opposed to parsing into something unusable.
	ErrParse = errors.New("parse error")

	// ErrTimeout indicates the device accepted the connection but did not
	// complete the response headers within the handshake deadline.
	ErrTimeout = errors.New("timeout")
)

// Transport lifecycle errors.
var (
	// ErrTransportClosed indicates an operation on a transport after Close.
	ErrTransportClosed = errors.New("transport closed")

	// ErrPacketTooLarge indicates an audio payload above MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
)
