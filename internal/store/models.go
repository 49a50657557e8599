package store

import "time"

// Switch states as reported to clients.
const (
	StateOn  = "ON"
	StateOff = "OFF"
)

// DeviceState is the last state commanded to a receiver. Nexa receivers
// never report back, so this is what was sent, not what was observed.
type DeviceState struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Brightness *uint8    `json:"brightness,omitempty"` // 0-100, dimmable devices only
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsOn reports whether the last command switched the device on.
func (s *DeviceState) IsOn() bool { return s.State == StateOn }
