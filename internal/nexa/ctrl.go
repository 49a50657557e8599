package nexa

import (
	"log/slog"
	"time"

	"nexa-go-home/internal/hal"
)

// Option configures a Ctrl.
type Option func(*Ctrl)

// WithIndicator lights pin for the duration of every frame.
func WithIndicator(pin hal.Pin) Option {
	return func(c *Ctrl) {
		c.tx.indicator = pin
		c.tx.hasIndicator = true
	}
}

// WithLogger sets the logger used for per-frame debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Ctrl) {
		c.logger = logger
	}
}

// Ctrl builds and transmits Nexa commands.
//
// All methods share one pulse buffer and block for the full transmission
// (about 180 ms); callers must serialize access.
type Ctrl struct {
	tx     Transmitter
	rxPin  hal.Pin
	logger *slog.Logger

	lastPulses int
}

// New configures txPin (and the indicator, if any) as outputs and rxPin as input.
func New(h hal.HAL, txPin, rxPin hal.Pin, opts ...Option) (*Ctrl, error) {
	if h == nil {
		return nil, ErrNilHAL
	}
	c := &Ctrl{
		tx:     Transmitter{hal: h, txPin: txPin},
		rxPin:  rxPin,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	h.Configure(txPin, hal.ModeOutput)
	h.Configure(rxPin, hal.ModeInput)
	if c.tx.hasIndicator {
		h.Configure(c.tx.indicator, hal.ModeOutput)
	}
	h.Reset(txPin)
	return c, nil
}

// DeviceOn switches one device on.
func (c *Ctrl) DeviceOn(controllerID uint32, deviceID uint8) error {
	return c.Send(Message{ControllerID: controllerID, DeviceID: deviceID, On: true})
}

// DeviceOff switches one device off.
func (c *Ctrl) DeviceOff(controllerID uint32, deviceID uint8) error {
	return c.Send(Message{ControllerID: controllerID, DeviceID: deviceID})
}

// DeviceDim sets an absolute dim level, 0-100.
func (c *Ctrl) DeviceDim(controllerID uint32, deviceID uint8, level uint8) error {
	wire, err := ScaleDimLevel(level)
	if err != nil {
		return err
	}
	return c.Send(Message{ControllerID: controllerID, DeviceID: deviceID, Dim: true, DimLevel: wire})
}

// GroupOn switches every device learned to controllerID on.
func (c *Ctrl) GroupOn(controllerID uint32) error {
	return c.Send(Message{ControllerID: controllerID, Group: true, On: true})
}

// GroupOff switches every device learned to controllerID off.
func (c *Ctrl) GroupOff(controllerID uint32) error {
	return c.Send(Message{ControllerID: controllerID, Group: true})
}

// Send validates, encodes and transmits m. Group messages always carry
// device id 0. Nothing is transmitted when validation fails.
func (c *Ctrl) Send(m Message) error {
	if m.Group {
		m.DeviceID = 0
	}
	if err := m.Validate(); err != nil {
		return err
	}

	n := c.tx.Pulses().Encode(m)
	c.lastPulses = n

	start := time.Now()
	c.tx.Transmit(n)
	c.logger.Debug("nexa frame sent", "msg", m.String(), "pulses", n, "took", time.Since(start))
	return nil
}

// LastFrame returns a copy of the pulse entries of the last transmitted frame.
func (c *Ctrl) LastFrame() []time.Duration {
	out := make([]time.Duration, c.lastPulses)
	copy(out, c.tx.pulses[:c.lastPulses])
	return out
}

// RxPin returns the receiver pin. The library is transmit-only; the pin is
// configured as an input and otherwise left alone.
func (c *Ctrl) RxPin() hal.Pin { return c.rxPin }
