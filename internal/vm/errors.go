package vm

import "errors"

var (
	// ErrChannelNotFound is returned when a message targets a channel that no
	// longer exists, e.g. a late response for an activity that was terminated.
	ErrChannelNotFound = errors.New("channel not found")

	ErrFrameNotFound  = errors.New("frame not found")
	ErrAlreadyWaiting = errors.New("frame is already waiting")
	ErrReaderConflict = errors.New("channel already has a reader")
)
