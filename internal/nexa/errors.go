package nexa

import "errors"

var (
	// ErrInvalidFieldWidth is returned when a value does not fit its message field.
	ErrInvalidFieldWidth = errors.New("value exceeds field width")
	// ErrInvalidDimLevel is returned for dim levels outside 0-100.
	ErrInvalidDimLevel = errors.New("dim level must be 0-100")
	// ErrNilHAL is returned by New when no hardware layer is given.
	ErrNilHAL = errors.New("nil hal")
	// ErrMalformedFrame is returned by Decode for pulse data that is not a Nexa frame.
	ErrMalformedFrame = errors.New("malformed frame")
)
