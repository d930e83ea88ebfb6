package bridge

import "errors"

var (
	// ErrDeliveryFailure wraps the last transport error of a command that
	// could not be delivered within the retry budget.
	ErrDeliveryFailure = errors.New("bridge: delivery failed")

	// ErrQueueFull is reported when a device's worker queue has no room.
	ErrQueueFull = errors.New("bridge: queue full")

	// ErrStopped is reported for commands published after Stop.
	ErrStopped = errors.New("bridge: stopped")

	// ErrInvalidReport is returned for inbound messages that carry no usable field.
	ErrInvalidReport = errors.New("bridge: invalid report")
)
