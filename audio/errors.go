package audio

import "errors"

// Sentinel errors for audio session operations.
var (
	// ErrNotConnected indicates an operation before Connect succeeded.
	ErrNotConnected = errors.New("audio session not connected")

	// ErrAlreadyConnected indicates Connect on a live session.
	ErrAlreadyConnected = errors.New("audio session already connected")

	// ErrNotTalking indicates capture data pushed while the session is not
	// in the talking state.
	ErrNotTalking = errors.New("audio session not talking")

	// ErrSessionFailed indicates the session is in the terminal failed
	// state and needs a fresh Connect.
	ErrSessionFailed = errors.New("audio session failed")
)
