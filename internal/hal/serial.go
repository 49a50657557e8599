package hal

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Modem-control lines of a serial adapter, addressable as pins.
// RTS and DTR are outputs; CTS, DSR, RI and DCD are inputs.
const (
	LineRTS Pin = iota + 1
	LineDTR
	LineCTS
	LineDSR
	LineRI
	LineDCD
)

var lineNames = map[string]Pin{
	"rts": LineRTS,
	"dtr": LineDTR,
	"cts": LineCTS,
	"dsr": LineDSR,
	"ri":  LineRI,
	"dcd": LineDCD,
}

// ParseLine maps a modem-control line name ("rts", "dtr", "cts", ...) to a Pin.
func ParseLine(name string) (Pin, error) {
	p, ok := lineNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown serial line %q (supported: rts, dtr, cts, dsr, ri, dcd)", name)
	}
	return p, nil
}

func isOutputLine(p Pin) bool { return p == LineRTS || p == LineDTR }

// modemPort is the subset of serial.Port used to key the transmitter.
type modemPort interface {
	SetRTS(rts bool) error
	SetDTR(dtr bool) error
	GetModemStatusBits() (*serial.ModemStatusBits, error)
	Close() error
}

// SerialConfig holds the serial adapter settings.
type SerialConfig struct {
	Port string
	Baud int
	// Invert flips output levels for adapters whose line drivers invert
	// (RS-232 level shifters drive a negative voltage for "asserted").
	Invert bool
}

// Serial keys a 433 MHz transmitter module wired to the RTS/DTR lines of
// a USB-serial adapter.
type Serial struct {
	port     modemPort
	portName string
	invert   bool
	logger   *slog.Logger

	mu    sync.Mutex
	modes map[Pin]Mode
}

// OpenSerial opens the serial port and drives both output lines low.
func OpenSerial(cfg SerialConfig, logger *slog.Logger) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("serial hal: open %s: %w", cfg.Port, err)
	}
	return newSerial(port, cfg.Port, cfg.Invert, logger), nil
}

func newSerial(port modemPort, name string, invert bool, logger *slog.Logger) *Serial {
	s := &Serial{
		port:     port,
		portName: name,
		invert:   invert,
		logger:   logger.With("component", "hal", "port", name),
		modes:    make(map[Pin]Mode),
	}
	s.write(LineRTS, false)
	s.write(LineDTR, false)
	return s
}

func (s *Serial) Configure(pin Pin, mode Mode) {
	if mode == ModeOutput && !isOutputLine(pin) {
		s.logger.Warn("line cannot be driven, ignoring output mode", "pin", pin)
		return
	}
	if mode == ModeInput && isOutputLine(pin) {
		s.logger.Warn("line cannot be read, ignoring input mode", "pin", pin)
		return
	}
	s.mu.Lock()
	s.modes[pin] = mode
	s.mu.Unlock()
	s.logger.Debug("line configured", "pin", pin, "mode", mode)
}

func (s *Serial) Set(pin Pin)   { s.write(pin, true) }
func (s *Serial) Reset(pin Pin) { s.write(pin, false) }

func (s *Serial) write(pin Pin, level bool) {
	if s.invert {
		level = !level
	}
	var err error
	switch pin {
	case LineRTS:
		err = s.port.SetRTS(level)
	case LineDTR:
		err = s.port.SetDTR(level)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("set modem line failed", "pin", pin, "err", err)
	}
}

func (s *Serial) Get(pin Pin) bool {
	bits, err := s.port.GetModemStatusBits()
	if err != nil {
		s.logger.Warn("read modem status failed", "err", err)
		return false
	}
	switch pin {
	case LineCTS:
		return bits.CTS
	case LineDSR:
		return bits.DSR
	case LineRI:
		return bits.RI
	case LineDCD:
		return bits.DCD
	default:
		return false
	}
}

func (s *Serial) Delay(d time.Duration) { busyWait(d) }

func (s *Serial) DisableInterrupts() func() { return hostCriticalSection() }

// Close releases both output lines and closes the port.
func (s *Serial) Close() error {
	s.write(LineRTS, false)
	s.write(LineDTR, false)
	return s.port.Close()
}
