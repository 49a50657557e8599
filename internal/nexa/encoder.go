package nexa

import (
	"fmt"
	"time"
)

// PulseSequence holds the low-pulse duration of every wire symbol of a frame.
// Entries 2i and 2i+1 carry logical bit i.
type PulseSequence [MaxPulses]time.Duration

// SetBit writes logical bit index: 0 as [Low0, Low1], 1 as [Low1, Low0].
func (p *PulseSequence) SetBit(index int, value bool) {
	if value {
		p[2*index] = PulseLow1
		p[2*index+1] = PulseLow0
		return
	}
	p[2*index] = PulseLow0
	p[2*index+1] = PulseLow1
}

// SetField writes the low width bits of value MSB first starting at offset.
func (p *PulseSequence) SetField(offset, width int, value uint32) {
	for i := 0; i < width; i++ {
		p.SetBit(offset+i, (value>>(width-1-i))&1 == 1)
	}
}

// SetDimMarker forces both symbols of the on/off flag to Low0, the pattern
// receivers read as "absolute dim follows".
func (p *PulseSequence) SetDimMarker() {
	p[2*OnFlagOffset] = PulseLow0
	p[2*OnFlagOffset+1] = PulseLow0
}

// Encode writes m into p and returns the number of pulse entries used.
// Field order matters for dim frames: the marker goes in after the group flag
// and before the device id and level.
func (p *PulseSequence) Encode(m Message) int {
	p.SetField(ControllerIDOffset, ControllerIDWidth, m.ControllerID)
	p.SetBit(GroupFlagOffset, m.Group)
	if m.Dim {
		p.SetDimMarker()
	} else {
		p.SetBit(OnFlagOffset, m.On)
	}
	p.SetField(DeviceIDOffset, DeviceIDWidth, uint32(m.DeviceID))
	if m.Dim {
		p.SetField(DimLevelOffset, DimLevelWidth, uint32(m.DimLevel))
	}
	return m.Pulses()
}

// symbol values of one logical bit
type bitPattern uint8

const (
	patternZero bitPattern = iota
	patternOne
	patternDim
)

func readBit(pulses []time.Duration, index int) (bitPattern, error) {
	a, b := pulses[2*index], pulses[2*index+1]
	switch {
	case a == PulseLow0 && b == PulseLow1:
		return patternZero, nil
	case a == PulseLow1 && b == PulseLow0:
		return patternOne, nil
	case a == PulseLow0 && b == PulseLow0:
		return patternDim, nil
	default:
		return 0, fmt.Errorf("bit %d: pulses [%v %v]: %w", index, a, b, ErrMalformedFrame)
	}
}

func readField(pulses []time.Duration, offset, width int) (uint32, error) {
	var v uint32
	for i := 0; i < width; i++ {
		bp, err := readBit(pulses, offset+i)
		if err != nil {
			return 0, err
		}
		if bp == patternDim {
			return 0, fmt.Errorf("bit %d: unexpected dim marker: %w", offset+i, ErrMalformedFrame)
		}
		v = v<<1 | uint32(bp)
	}
	return v, nil
}

// Decode parses the low-pulse entries of a 64- or 72-entry frame back into
// a Message.
func Decode(pulses []time.Duration) (Message, error) {
	var m Message
	switch len(pulses) {
	case StandardPulses:
	case DimPulses:
		m.Dim = true
	default:
		return m, fmt.Errorf("%d pulses: %w", len(pulses), ErrMalformedFrame)
	}

	cid, err := readField(pulses, ControllerIDOffset, ControllerIDWidth)
	if err != nil {
		return m, err
	}
	m.ControllerID = cid

	group, err := readField(pulses, GroupFlagOffset, 1)
	if err != nil {
		return m, err
	}
	m.Group = group == 1

	flag, err := readBit(pulses, OnFlagOffset)
	if err != nil {
		return m, err
	}
	if (flag == patternDim) != m.Dim {
		return m, fmt.Errorf("dim marker does not match frame length %d: %w", len(pulses), ErrMalformedFrame)
	}
	m.On = flag == patternOne

	dev, err := readField(pulses, DeviceIDOffset, DeviceIDWidth)
	if err != nil {
		return m, err
	}
	m.DeviceID = uint8(dev)

	if m.Dim {
		lvl, err := readField(pulses, DimLevelOffset, DimLevelWidth)
		if err != nil {
			return m, err
		}
		m.DimLevel = uint8(lvl)
	}
	return m, nil
}
