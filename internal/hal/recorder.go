package hal

import (
	"sync"
	"time"
)

// EventKind classifies a recorded HAL call.
type EventKind uint8

const (
	EventConfigure EventKind = iota
	EventSet
	EventReset
	EventDelay
	EventMask
	EventUnmask
)

func (k EventKind) String() string {
	switch k {
	case EventConfigure:
		return "configure"
	case EventSet:
		return "set"
	case EventReset:
		return "reset"
	case EventDelay:
		return "delay"
	case EventMask:
		return "mask"
	case EventUnmask:
		return "unmask"
	default:
		return "unknown"
	}
}

// Event is one recorded HAL call.
type Event struct {
	Kind     EventKind
	Pin      Pin
	Mode     Mode
	Duration time.Duration
}

// Symbol is one high pulse followed by one low pulse on a pin.
type Symbol struct {
	High time.Duration
	Low  time.Duration
}

// Recorder is a host-side HAL that records every call instead of touching
// hardware. Delays return immediately and are accumulated as simulated time.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	modes   map[Pin]Mode
	levels  map[Pin]bool
	inputs  map[Pin]bool
	masked  int
	elapsed time.Duration
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		modes:  make(map[Pin]Mode),
		levels: make(map[Pin]bool),
		inputs: make(map[Pin]bool),
	}
}

func (r *Recorder) Configure(pin Pin, mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[pin] = mode
	r.events = append(r.events, Event{Kind: EventConfigure, Pin: pin, Mode: mode})
}

func (r *Recorder) Set(pin Pin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[pin] = true
	r.events = append(r.events, Event{Kind: EventSet, Pin: pin})
}

func (r *Recorder) Reset(pin Pin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[pin] = false
	r.events = append(r.events, Event{Kind: EventReset, Pin: pin})
}

func (r *Recorder) Get(pin Pin) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modes[pin] == ModeOutput {
		return r.levels[pin]
	}
	return r.inputs[pin]
}

func (r *Recorder) Delay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elapsed += d
	r.events = append(r.events, Event{Kind: EventDelay, Duration: d})
}

func (r *Recorder) DisableInterrupts() func() {
	r.mu.Lock()
	r.masked++
	r.events = append(r.events, Event{Kind: EventMask})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.masked--
			r.events = append(r.events, Event{Kind: EventUnmask})
			r.mu.Unlock()
		})
	}
}

// SetInput sets the level returned by Get for an input pin.
func (r *Recorder) SetInput(pin Pin, level bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[pin] = level
}

// Mode returns the mode a pin was last configured with.
func (r *Recorder) Mode(pin Pin) (Mode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modes[pin]
	return m, ok
}

// Masked reports whether a DisableInterrupts scope is still open.
func (r *Recorder) Masked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.masked > 0
}

// Elapsed returns the sum of all recorded delays.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// Events returns a copy of the recorded calls.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Clear drops recorded events and simulated time but keeps pin state.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
	r.elapsed = 0
}

// Symbols reconstructs the high/low waveform of pin from the recorded calls.
// Delays are attributed to the current level of pin; a symbol closes on the
// next rising edge, or at the end of the recording.
func (r *Recorder) Symbols(pin Pin) []Symbol {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		out    []Symbol
		cur    Symbol
		active bool
		high   bool
	)
	for _, ev := range r.events {
		switch ev.Kind {
		case EventSet:
			if ev.Pin != pin {
				continue
			}
			if active && !high {
				out = append(out, cur)
				cur = Symbol{}
			}
			active = true
			high = true
		case EventReset:
			if ev.Pin == pin {
				high = false
			}
		case EventDelay:
			if !active {
				continue
			}
			if high {
				cur.High += ev.Duration
			} else {
				cur.Low += ev.Duration
			}
		}
	}
	if active {
		out = append(out, cur)
	}
	return out
}
