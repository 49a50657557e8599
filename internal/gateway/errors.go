package gateway

import "errors"

var (
	// ErrUnknownTarget is returned when a command names no configured device or group.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrNotDimmable is returned for a dim command to a device not configured as dimmable.
	ErrNotDimmable = errors.New("device is not dimmable")
	// ErrInvalidAction is returned for an action the target does not support.
	ErrInvalidAction = errors.New("invalid action")
	// ErrNoFrame is returned by LastFrame before anything was transmitted.
	ErrNoFrame = errors.New("no frame transmitted yet")
	// ErrInvalidConfig is returned when the device or group list cannot be registered.
	ErrInvalidConfig = errors.New("invalid device config")
)
