// Package gateway exposes named Nexa devices and groups to the rest of the
// program. It serializes access to the single radio, tracks the last
// commanded state of every device and publishes events for each command.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nexa-go-home/internal/nexa"
	"nexa-go-home/internal/store"
)

// Commander is the subset of *nexa.Ctrl the gateway drives.
type Commander interface {
	DeviceOn(controllerID uint32, deviceID uint8) error
	DeviceOff(controllerID uint32, deviceID uint8) error
	DeviceDim(controllerID uint32, deviceID uint8, level uint8) error
	GroupOn(controllerID uint32) error
	GroupOff(controllerID uint32) error
	LastFrame() []time.Duration
}

// Action is what a command asks the receiver to do.
type Action string

const (
	ActionOn     Action = "on"
	ActionOff    Action = "off"
	ActionToggle Action = "toggle"
	ActionDim    Action = "dim"
)

// Command addresses a device, or a group when Group is set.
type Command struct {
	Target string `json:"target"`
	Group  bool   `json:"group,omitempty"`
	Action Action `json:"action"`
	Level  uint8  `json:"level,omitempty"` // 0-100, dim only
}

func (c Command) String() string {
	kind := "device"
	if c.Group {
		kind = "group"
	}
	if c.Action == ActionDim {
		return fmt.Sprintf("%s %s dim %d", kind, c.Target, c.Level)
	}
	return fmt.Sprintf("%s %s %s", kind, c.Target, c.Action)
}

// CommandSent is the payload of EventCommandSent.
type CommandSent struct {
	Command
	Message    nexa.Message `json:"message"`
	Pulses     int          `json:"pulses"`
	DurationMS float64      `json:"duration_ms"`
}

// CommandFailed is the payload of EventCommandFailed.
type CommandFailed struct {
	Command
	Error string `json:"error"`
}

// Frame is the most recently transmitted frame.
type Frame struct {
	Pulses  []time.Duration `json:"-"`
	Message nexa.Message    `json:"message"`
	SentAt  time.Time       `json:"sent_at"`
}

// Gateway owns the transmitter.
type Gateway struct {
	ctrl     Commander
	registry *Registry
	store    store.Store
	events   *EventBus
	logger   *slog.Logger

	// sem is a single-slot semaphore guarding ctrl.
	sem chan struct{}

	mu         sync.RWMutex
	lastSent   time.Time
	lastMsg    nexa.Message
	lastPulses []time.Duration
	hasFrame   bool
}

// New creates a Gateway. States persisted for devices that are no longer
// configured are dropped.
func New(ctrl Commander, registry *Registry, st store.Store, events *EventBus, logger *slog.Logger) *Gateway {
	g := &Gateway{
		ctrl:     ctrl,
		registry: registry,
		store:    st,
		events:   events,
		logger:   logger.With("component", "gateway"),
		sem:      make(chan struct{}, 1),
	}
	g.pruneStates()
	return g
}

func (g *Gateway) pruneStates() {
	states, err := g.store.ListStates()
	if err != nil {
		g.logger.Warn("list states", "err", err)
		return
	}
	for _, st := range states {
		if _, ok := g.registry.Device(st.Name); ok {
			continue
		}
		if err := g.store.DeleteState(st.Name); err != nil {
			g.logger.Warn("delete stale state", "device", st.Name, "err", err)
			continue
		}
		g.logger.Info("dropped state of unconfigured device", "device", st.Name)
	}
}

// Events returns the gateway's event bus.
func (g *Gateway) Events() *EventBus { return g.events }

// Devices returns the configured devices.
func (g *Gateway) Devices() []Device { return g.registry.Devices() }

// Groups returns the configured groups.
func (g *Gateway) Groups() []Group { return g.registry.Groups() }

// Device looks up a configured device.
func (g *Gateway) Device(name string) (Device, error) {
	d, ok := g.registry.Device(name)
	if !ok {
		return Device{}, fmt.Errorf("device %q: %w", name, ErrUnknownTarget)
	}
	return d, nil
}

// Group looks up a configured group.
func (g *Gateway) Group(name string) (Group, error) {
	gr, ok := g.registry.Group(name)
	if !ok {
		return Group{}, fmt.Errorf("group %q: %w", name, ErrUnknownTarget)
	}
	return gr, nil
}

// Members returns the devices addressed by a group command.
func (g *Gateway) Members(gr Group) []Device { return g.registry.Members(gr) }

// State returns the last commanded state of a device. A device that was
// never commanded has an empty State.
func (g *Gateway) State(name string) (*store.DeviceState, error) {
	if _, err := g.Device(name); err != nil {
		return nil, err
	}
	st, err := g.store.GetState(name)
	if errors.Is(err, store.ErrNotFound) {
		return &store.DeviceState{Name: name}, nil
	}
	return st, err
}

// States returns the state of every configured device in configuration order.
func (g *Gateway) States() ([]*store.DeviceState, error) {
	stored, err := g.store.ListStates()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*store.DeviceState, len(stored))
	for _, st := range stored {
		byName[st.Name] = st
	}
	devices := g.registry.Devices()
	out := make([]*store.DeviceState, 0, len(devices))
	for _, d := range devices {
		if st, ok := byName[d.Name]; ok {
			out = append(out, st)
		} else {
			out = append(out, &store.DeviceState{Name: d.Name})
		}
	}
	return out, nil
}

// Transmissions returns the number of commands sent over the lifetime of the store.
func (g *Gateway) Transmissions() (uint64, error) { return g.store.Transmissions() }

// LastFrame returns the pulses and decoded content of the last transmitted frame.
func (g *Gateway) LastFrame() (Frame, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.hasFrame {
		return Frame{}, ErrNoFrame
	}
	pulses := make([]time.Duration, len(g.lastPulses))
	copy(pulses, g.lastPulses)
	return Frame{Pulses: pulses, Message: g.lastMsg, SentAt: g.lastSent}, nil
}

// Send resolves and transmits cmd. The context bounds the wait for the
// radio; once transmission has started it runs to completion.
func (g *Gateway) Send(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.Group {
		if _, err := g.Group(cmd.Target); err != nil {
			return err
		}
	} else {
		if _, err := g.Device(cmd.Target); err != nil {
			return err
		}
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.sem }()

	err := g.send(cmd)
	if err != nil && !errors.Is(err, ErrUnknownTarget) {
		g.events.Emit(Event{Type: EventCommandFailed, Data: CommandFailed{Command: cmd, Error: err.Error()}})
	}
	return err
}

// send runs with the semaphore held.
func (g *Gateway) send(cmd Command) error {
	var (
		msg     nexa.Message
		err     error
		start   time.Time
		updates []*store.DeviceState
	)

	if cmd.Group {
		gr, _ := g.registry.Group(cmd.Target)
		msg = nexa.Message{ControllerID: gr.ControllerID, Group: true}
		start = time.Now()
		switch cmd.Action {
		case ActionOn:
			msg.On = true
			err = g.ctrl.GroupOn(gr.ControllerID)
		case ActionOff:
			err = g.ctrl.GroupOff(gr.ControllerID)
		default:
			return fmt.Errorf("group %q: %w %q", cmd.Target, ErrInvalidAction, cmd.Action)
		}
		if err == nil {
			for _, d := range g.registry.Members(gr) {
				updates = append(updates, &store.DeviceState{Name: d.Name, State: onOff(msg.On)})
			}
		}
	} else {
		d, _ := g.registry.Device(cmd.Target)
		action := cmd.Action
		if action == ActionToggle {
			action = ActionOn
			if st, err := g.store.GetState(d.Name); err == nil && st.IsOn() {
				action = ActionOff
			}
		}
		msg = nexa.Message{ControllerID: d.ControllerID, DeviceID: d.DeviceID}
		start = time.Now()
		switch action {
		case ActionOn:
			msg.On = true
			err = g.ctrl.DeviceOn(d.ControllerID, d.DeviceID)
		case ActionOff:
			err = g.ctrl.DeviceOff(d.ControllerID, d.DeviceID)
		case ActionDim:
			if !d.Dimmable {
				return fmt.Errorf("device %q: %w", d.Name, ErrNotDimmable)
			}
			msg.Dim = true
			msg.DimLevel, err = nexa.ScaleDimLevel(cmd.Level)
			if err == nil {
				err = g.ctrl.DeviceDim(d.ControllerID, d.DeviceID, cmd.Level)
			}
		default:
			return fmt.Errorf("device %q: %w %q", cmd.Target, ErrInvalidAction, cmd.Action)
		}
		if err == nil {
			st := &store.DeviceState{Name: d.Name, State: onOff(action != ActionOff)}
			if action == ActionDim {
				level := cmd.Level
				st.Brightness = &level
			}
			updates = append(updates, st)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	took := time.Since(start)

	// ctrl's buffer is only touched under sem; readers get this copy.
	pulses := g.ctrl.LastFrame()
	now := time.Now()
	g.mu.Lock()
	g.lastPulses = pulses
	g.lastMsg = msg
	g.lastSent = now
	g.hasFrame = true
	g.mu.Unlock()

	if _, err := g.store.IncrTransmissions(); err != nil {
		g.logger.Warn("count transmission", "err", err)
	}
	g.logger.Info("command sent", "cmd", cmd.String(), "took", took)
	g.events.Emit(Event{Type: EventCommandSent, Data: CommandSent{
		Command:    cmd,
		Message:    msg,
		Pulses:     msg.Pulses(),
		DurationMS: float64(took.Microseconds()) / 1000,
	}})

	for _, st := range updates {
		g.applyState(st, now)
	}
	return nil
}

// applyState persists st, keeping the stored brightness when the command
// carried none, and emits EventStateChanged.
func (g *Gateway) applyState(st *store.DeviceState, now time.Time) {
	var saved store.DeviceState
	err := g.store.UpdateState(st.Name, func(cur *store.DeviceState) error {
		cur.State = st.State
		if st.Brightness != nil {
			cur.Brightness = st.Brightness
		}
		cur.UpdatedAt = now
		saved = *cur
		return nil
	})
	if err != nil {
		g.logger.Error("save state", "device", st.Name, "err", err)
		return
	}
	g.events.Emit(Event{Type: EventStateChanged, Data: &saved})
}

func onOff(on bool) string {
	if on {
		return store.StateOn
	}
	return store.StateOff
}
