// Package hal defines the hardware primitives the Nexa transmitter consumes:
// digital pin I/O, a busy-wait delay and an interrupt-mask scope.
// Backends: Serial (USB-serial modem-control lines) and Recorder (host fake).
package hal

import "time"

// Pin identifies a digital line on the backend.
type Pin uint8

// Mode is the direction a pin is configured for.
type Mode uint8

const (
	ModeInput Mode = iota
	ModeOutput
)

func (m Mode) String() string {
	switch m {
	case ModeInput:
		return "input"
	case ModeOutput:
		return "output"
	default:
		return "unknown"
	}
}

// HAL is the abstract interface for the timing-critical hardware layer.
// Pin writes and delays have no error channel; backends that can fail
// internally report it through their own logging.
type HAL interface {
	// Pins
	Configure(pin Pin, mode Mode)
	Set(pin Pin)
	Reset(pin Pin)
	Get(pin Pin) bool

	// Delay blocks the caller for d without yielding.
	Delay(d time.Duration)

	// DisableInterrupts masks asynchronous interruption of the calling
	// execution context. The returned func restores it and must always be called.
	DisableInterrupts() (restore func())
}
