package nexa

import (
	"time"

	"nexa-go-home/internal/hal"
)

// Transmitter drives the radio pin from its pulse buffer.
// It is not safe for concurrent use.
type Transmitter struct {
	hal          hal.HAL
	txPin        hal.Pin
	indicator    hal.Pin
	hasIndicator bool

	pulses PulseSequence
}

// Pulses exposes the buffer for in-place encoding.
func (t *Transmitter) Pulses() *PulseSequence { return &t.pulses }

// Transmit sends the first pulseCount buffer entries FrameRepeat times.
// Interrupts stay masked for the whole call.
func (t *Transmitter) Transmit(pulseCount int) {
	restore := t.hal.DisableInterrupts()
	defer restore()

	for repeat := 0; repeat < FrameRepeat; repeat++ {
		if t.hasIndicator {
			t.hal.Set(t.indicator)
		}

		t.symbol(Latch1Low)
		t.symbol(Latch2Low)
		for i := 0; i < pulseCount; i++ {
			t.symbol(t.pulses[i])
		}
		// closing latch
		t.symbol(Latch2Low)

		if t.hasIndicator {
			t.hal.Reset(t.indicator)
		}

		t.hal.Delay(InterFrameGap)
	}
}

func (t *Transmitter) symbol(low time.Duration) {
	t.hal.Set(t.txPin)
	t.hal.Delay(PulseHigh)
	t.hal.Reset(t.txPin)
	t.hal.Delay(low)
}

// FrameDuration is the time a Transmit call spends on the given data pulses,
// ignoring pin-toggle overhead.
func FrameDuration(pulses []time.Duration) time.Duration {
	var d time.Duration
	for _, low := range pulses {
		d += PulseHigh + low
	}
	d += 3*PulseHigh + Latch1Low + 2*Latch2Low
	return FrameRepeat * (d + InterFrameGap)
}
