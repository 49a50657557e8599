package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nexa-go-home/internal/hal"
	"nexa-go-home/internal/nexa"
	"nexa-go-home/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testDevices = []Device{
	{Name: "lamp", ControllerID: 12345, DeviceID: 3, Dimmable: true},
	{Name: "heater", ControllerID: 12345, DeviceID: 4},
	{Name: "porch", ControllerID: 777, DeviceID: 0},
}

var testGroups = []Group{
	{Name: "living", ControllerID: 12345},
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "gw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestGateway(t *testing.T) (*Gateway, *store.BoltStore) {
	t.Helper()
	ctrl, err := nexa.New(hal.NewRecorder(), 1, 2, nexa.WithLogger(quietLogger))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := NewRegistry(testDevices, testGroups)
	if err != nil {
		t.Fatal(err)
	}
	st := newTestStore(t)
	return New(ctrl, reg, st, NewEventBus(quietLogger), quietLogger), st
}

// collect records every event emitted on bus.
func collect(bus *EventBus) *[]Event {
	var (
		mu     sync.Mutex
		events []Event
	)
	bus.OnAll(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	return &events
}

func TestSendDeviceOn(t *testing.T) {
	gw, st := newTestGateway(t)
	events := collect(gw.Events())

	if err := gw.Send(context.Background(), Command{Target: "lamp", Action: ActionOn}); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetState("lamp")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsOn() || got.UpdatedAt.IsZero() {
		t.Errorf("state = %+v", got)
	}

	if len(*events) != 2 {
		t.Fatalf("events = %d, want 2", len(*events))
	}
	if (*events)[0].Type != EventCommandSent || (*events)[1].Type != EventStateChanged {
		t.Errorf("event order = %s, %s", (*events)[0].Type, (*events)[1].Type)
	}
	sent := (*events)[0].Data.(CommandSent)
	if sent.Pulses != nexa.StandardPulses {
		t.Errorf("pulses = %d", sent.Pulses)
	}

	frame, err := gw.LastFrame()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := nexa.Decode(frame.Pulses)
	if err != nil {
		t.Fatal(err)
	}
	want := nexa.Message{ControllerID: 12345, DeviceID: 3, On: true}
	if decoded != want || frame.Message != want {
		t.Errorf("frame = %+v / %+v, want %+v", decoded, frame.Message, want)
	}

	if n, _ := gw.Transmissions(); n != 1 {
		t.Errorf("transmissions = %d", n)
	}
}

func TestSendDimKeepsBrightness(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	if err := gw.Send(ctx, Command{Target: "lamp", Action: ActionDim, Level: 50}); err != nil {
		t.Fatal(err)
	}
	frame, _ := gw.LastFrame()
	if len(frame.Pulses) != nexa.DimPulses || frame.Message.DimLevel != 8 {
		t.Errorf("dim frame: %d pulses, wire level %d", len(frame.Pulses), frame.Message.DimLevel)
	}

	if err := gw.Send(ctx, Command{Target: "lamp", Action: ActionOff}); err != nil {
		t.Fatal(err)
	}
	st, err := gw.State("lamp")
	if err != nil {
		t.Fatal(err)
	}
	if st.IsOn() {
		t.Error("lamp still on")
	}
	if st.Brightness == nil || *st.Brightness != 50 {
		t.Errorf("brightness = %v, want 50 retained", st.Brightness)
	}
}

func TestSendToggle(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	for i, want := range []bool{true, false, true} {
		if err := gw.Send(ctx, Command{Target: "heater", Action: ActionToggle}); err != nil {
			t.Fatal(err)
		}
		st, _ := gw.State("heater")
		if st.IsOn() != want {
			t.Errorf("toggle %d: on = %v, want %v", i, st.IsOn(), want)
		}
	}
}

func TestSendGroup(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	if err := gw.Send(ctx, Command{Target: "living", Group: true, Action: ActionOn}); err != nil {
		t.Fatal(err)
	}
	if err := gw.Send(ctx, Command{Target: "living", Group: true, Action: ActionOff}); err != nil {
		t.Fatal(err)
	}

	frame, _ := gw.LastFrame()
	want := nexa.Message{ControllerID: 12345, Group: true}
	if frame.Message != want {
		t.Errorf("group frame = %+v", frame.Message)
	}

	states, err := gw.States()
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range states {
		switch st.Name {
		case "lamp", "heater":
			if st.State != store.StateOff {
				t.Errorf("%s = %q, want OFF", st.Name, st.State)
			}
		case "porch":
			if st.State != "" {
				t.Errorf("porch touched by group command: %q", st.State)
			}
		}
	}
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want error
	}{
		{"unknown device", Command{Target: "nope", Action: ActionOn}, ErrUnknownTarget},
		{"unknown group", Command{Target: "lamp", Group: true, Action: ActionOn}, ErrUnknownTarget},
		{"not dimmable", Command{Target: "heater", Action: ActionDim, Level: 10}, ErrNotDimmable},
		{"group dim", Command{Target: "living", Group: true, Action: ActionDim}, ErrInvalidAction},
		{"group toggle", Command{Target: "living", Group: true, Action: ActionToggle}, ErrInvalidAction},
		{"bad action", Command{Target: "lamp", Action: "blink"}, ErrInvalidAction},
		{"dim level", Command{Target: "lamp", Action: ActionDim, Level: 101}, nexa.ErrInvalidDimLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, st := newTestGateway(t)
			err := gw.Send(context.Background(), tt.cmd)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if _, err := gw.LastFrame(); !errors.Is(err, ErrNoFrame) {
				t.Errorf("frame recorded after failed command: %v", err)
			}
			if list, _ := st.ListStates(); len(list) != 0 {
				t.Errorf("states written: %d", len(list))
			}
		})
	}
}

func TestSendFailedEvent(t *testing.T) {
	gw, _ := newTestGateway(t)
	var failed []CommandFailed
	gw.Events().On(EventCommandFailed, func(e Event) {
		failed = append(failed, e.Data.(CommandFailed))
	})

	gw.Send(context.Background(), Command{Target: "heater", Action: ActionDim})
	gw.Send(context.Background(), Command{Target: "ghost", Action: ActionOn})

	if len(failed) != 1 || failed[0].Target != "heater" {
		t.Errorf("failed events = %+v", failed)
	}
}

// blockingCtrl holds the radio until release is closed.
type blockingCtrl struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingCtrl) DeviceOn(uint32, uint8) error {
	close(b.started)
	<-b.release
	return nil
}
func (b *blockingCtrl) DeviceOff(uint32, uint8) error        { return nil }
func (b *blockingCtrl) DeviceDim(uint32, uint8, uint8) error { return nil }
func (b *blockingCtrl) GroupOn(uint32) error                 { return nil }
func (b *blockingCtrl) GroupOff(uint32) error                { return nil }
func (b *blockingCtrl) LastFrame() []time.Duration           { return nil }

func TestSendWaitHonoursContext(t *testing.T) {
	ctrl := &blockingCtrl{started: make(chan struct{}), release: make(chan struct{})}
	reg, _ := NewRegistry(testDevices, nil)
	gw := New(ctrl, reg, newTestStore(t), NewEventBus(quietLogger), quietLogger)

	first := make(chan error, 1)
	go func() {
		first <- gw.Send(context.Background(), Command{Target: "lamp", Action: ActionOn})
	}()
	<-ctrl.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gw.Send(ctx, Command{Target: "heater", Action: ActionOff})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second send err = %v, want deadline exceeded", err)
	}

	close(ctrl.release)
	if err := <-first; err != nil {
		t.Errorf("first send err = %v", err)
	}
}

func TestSendCancelledContext(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := gw.Send(ctx, Command{Target: "lamp", Action: ActionOn}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want canceled", err)
	}
}

func TestNewPrunesStaleStates(t *testing.T) {
	st := newTestStore(t)
	st.SaveState(&store.DeviceState{Name: "lamp", State: store.StateOn})
	st.SaveState(&store.DeviceState{Name: "removed", State: store.StateOn})

	ctrl, _ := nexa.New(hal.NewRecorder(), 1, 2)
	reg, _ := NewRegistry(testDevices, nil)
	New(ctrl, reg, st, NewEventBus(quietLogger), quietLogger)

	if _, err := st.GetState("removed"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale state kept: %v", err)
	}
	if _, err := st.GetState("lamp"); err != nil {
		t.Errorf("configured state dropped: %v", err)
	}
}

func TestStateUnknownDevice(t *testing.T) {
	gw, _ := newTestGateway(t)
	if _, err := gw.State("ghost"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("err = %v", err)
	}
	st, err := gw.State("porch")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "" {
		t.Errorf("never commanded state = %q", st.State)
	}
}

func TestLastFrameConsistentDuringSends(t *testing.T) {
	gw, _ := newTestGateway(t)
	if err := gw.Send(context.Background(), Command{Target: "heater", Action: ActionOn}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var (
		wg         sync.WaitGroup
		mismatches int
		reads      int
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			frame, err := gw.LastFrame()
			if err != nil {
				t.Error(err)
				return
			}
			reads++
			decoded, err := nexa.Decode(frame.Pulses)
			if err != nil || decoded != frame.Message {
				mismatches++
			}
		}
	}()

	cmds := []Command{
		{Target: "lamp", Action: ActionDim, Level: 60},
		{Target: "heater", Action: ActionOff},
		{Target: "living", Group: true, Action: ActionOn},
		{Target: "porch", Action: ActionOn},
	}
	for i := 0; i < 200; i++ {
		if err := gw.Send(context.Background(), cmds[i%len(cmds)]); err != nil {
			t.Fatal(err)
		}
	}
	close(done)
	wg.Wait()

	if mismatches != 0 {
		t.Errorf("%d of %d frames had pulses that disagree with their message", mismatches, reads)
	}
}

func TestLastFrameReturnsCopy(t *testing.T) {
	gw, _ := newTestGateway(t)
	if err := gw.Send(context.Background(), Command{Target: "lamp", Action: ActionOn}); err != nil {
		t.Fatal(err)
	}
	frame, _ := gw.LastFrame()
	for i := range frame.Pulses {
		frame.Pulses[i] = 0
	}
	again, _ := gw.LastFrame()
	if _, err := nexa.Decode(again.Pulses); err != nil {
		t.Errorf("caller mutation leaked into the stored frame: %v", err)
	}
}
