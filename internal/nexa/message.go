// Package nexa encodes and transmits commands for Nexa/HomeEasy 433 MHz
// self-learning power switches.
//
// A message is 32 logical bits (36 for absolute dim):
//
//	bits 0-25:  controller id
//	bit 26:     group flag
//	bit 27:     on/off flag (dim marker on dim frames)
//	bits 28-31: device id
//	bits 32-35: dim level
//
// Every logical bit goes on the wire as two symbols, each a fixed high pulse
// followed by a short or long low pulse.
package nexa

import (
	"fmt"
	"time"
)

// Wire timing.
const (
	PulseHigh     = 275 * time.Microsecond
	PulseLow0     = 275 * time.Microsecond
	PulseLow1     = 1225 * time.Microsecond
	Latch1Low     = 9900 * time.Microsecond
	Latch2Low     = 2675 * time.Microsecond
	InterFrameGap = 10000 * time.Microsecond
	FrameRepeat   = 2
)

// Field layout (bit offset, width).
const (
	ControllerIDOffset = 0
	ControllerIDWidth  = 26
	GroupFlagOffset    = 26
	OnFlagOffset       = 27
	DeviceIDOffset     = 28
	DeviceIDWidth      = 4
	DimLevelOffset     = 32
	DimLevelWidth      = 4
)

// Frame sizes.
const (
	StandardBits   = 32
	DimBits        = StandardBits + DimLevelWidth
	StandardPulses = 2 * StandardBits
	DimPulses      = 2 * DimBits
	MaxPulses      = DimPulses
)

// Limits accepted by the command API.
const (
	MaxControllerID = 1<<ControllerIDWidth - 1
	MaxDeviceID     = 1<<DeviceIDWidth - 1
	MaxDimLevel     = 100
)

// Message is the logical content of one frame.
type Message struct {
	ControllerID uint32 `json:"controller_id"`
	Group        bool   `json:"group"`
	On           bool   `json:"on"`
	DeviceID     uint8  `json:"device_id"`
	// Dim marks an absolute-dim frame; On is not transmitted and
	// DimLevel holds the 4-bit wire value.
	Dim      bool  `json:"dim"`
	DimLevel uint8 `json:"dim_level,omitempty"`
}

// Bits returns the number of logical bits the message occupies.
func (m Message) Bits() int {
	if m.Dim {
		return DimBits
	}
	return StandardBits
}

// Pulses returns the number of pulse entries the message occupies.
func (m Message) Pulses() int { return 2 * m.Bits() }

// Validate checks every field against its width.
func (m Message) Validate() error {
	if err := checkWidth("controller_id", uint64(m.ControllerID), ControllerIDWidth); err != nil {
		return err
	}
	if err := checkWidth("device_id", uint64(m.DeviceID), DeviceIDWidth); err != nil {
		return err
	}
	if m.Dim {
		return checkWidth("dim_level", uint64(m.DimLevel), DimLevelWidth)
	}
	return nil
}

func (m Message) String() string {
	switch {
	case m.Dim:
		return fmt.Sprintf("controller=%d device=%d dim=%d", m.ControllerID, m.DeviceID, m.DimLevel)
	case m.Group:
		return fmt.Sprintf("controller=%d group on=%t", m.ControllerID, m.On)
	default:
		return fmt.Sprintf("controller=%d device=%d on=%t", m.ControllerID, m.DeviceID, m.On)
	}
}

func checkWidth(field string, v uint64, width int) error {
	if v>>width != 0 {
		return fmt.Errorf("%s %d does not fit %d bits: %w", field, v, width, ErrInvalidFieldWidth)
	}
	return nil
}

// ScaleDimLevel maps a 0-100 level onto the 4-bit wire range 0-15,
// rounding half up: 50 -> 8, 100 -> 15.
func ScaleDimLevel(level uint8) (uint8, error) {
	if level > MaxDimLevel {
		return 0, fmt.Errorf("dim level %d: %w", level, ErrInvalidDimLevel)
	}
	return uint8((uint32(level)*MaxDimWire + MaxDimLevel/2) / MaxDimLevel), nil
}

// MaxDimWire is the largest dim value the 4-bit field carries.
const MaxDimWire = 1<<DimLevelWidth - 1
