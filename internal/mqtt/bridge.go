//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"nexa-go-home/internal/gateway"
	"nexa-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the gateway to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	gw     *gateway.Gateway
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

func newBridge(gw *gateway.Gateway, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		gw:     gw,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(gw *gateway.Gateway, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(gw, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "nexa-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The client must be set before Connect: the connect handler publishes.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to gateway events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.gw.Events().On(gateway.EventStateChanged, b.handleStateChanged)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs on the first connect and on every reconnect.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishAllDiscovery()
	b.publishAllStates()
	b.subscribeCommands()
}

func (b *Bridge) handleStateChanged(event gateway.Event) {
	st, ok := event.Data.(*store.DeviceState)
	if !ok {
		return
	}
	b.publishState(st)
}

func (b *Bridge) publishState(st *store.DeviceState) {
	if st.State == "" {
		return // never commanded
	}
	b.publish(b.deviceTopic(st.Name), mustJSON(statePayload{State: st.State, Brightness: st.Brightness}), true)
}

func (b *Bridge) publishAllStates() {
	states, err := b.gw.States()
	if err != nil {
		b.logger.Error("list states", "err", err)
		return
	}
	for _, st := range states {
		b.publishState(st)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for _, msg := range buildDiscovery(b.gw.Devices(), b.gw.Groups(), b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "devices", len(b.gw.Devices()), "groups", len(b.gw.Groups()))
}

func (b *Bridge) subscribeCommands() {
	for _, dev := range b.gw.Devices() {
		name := dev.Name
		b.subscribe(b.deviceTopic(name)+"/set", func(payload []byte) {
			b.handleCommand(name, false, payload)
		})
	}
	for _, grp := range b.gw.Groups() {
		name := grp.Name
		b.subscribe(b.groupTopic(name)+"/set", func(payload []byte) {
			b.handleCommand(name, true, payload)
		})
	}
}

func (b *Bridge) subscribe(topic string, fn func([]byte)) {
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		fn(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) handleCommand(target string, group bool, payload []byte) {
	var dimmable bool
	if !group {
		dev, err := b.gw.Device(target)
		if err != nil {
			b.logger.Warn("command for unknown device", "device", target)
			return
		}
		dimmable = dev.Dimmable
	}

	cmd, err := parseSetPayload(target, group, dimmable, payload)
	if err != nil {
		b.logger.Warn("invalid command", "target", target, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.gw.Send(ctx, cmd); err != nil {
		b.logger.Warn("command failed", "cmd", cmd.String(), "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) deviceTopic(name string) string { return b.prefix + "/" + name }
func (b *Bridge) groupTopic(name string) string  { return b.prefix + "/group/" + name }

// statePayload is both the retained state and the command format of the
// HA JSON light schema.
type statePayload struct {
	State      string `json:"state,omitempty"`
	Brightness *uint8 `json:"brightness,omitempty"`
}

var errEmptyCommand = errors.New("neither state nor brightness given")

// parseSetPayload turns a /set message into a gateway command. A brightness
// on a dimmable device becomes an absolute dim, which also switches it on.
// Brightness sent to a non-dimmable device is ignored.
func parseSetPayload(target string, group, dimmable bool, payload []byte) (gateway.Command, error) {
	cmd := gateway.Command{Target: target, Group: group}

	var raw struct {
		State      string   `json:"state"`
		Brightness *float64 `json:"brightness"`
	}
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return cmd, fmt.Errorf("parse payload: %w", err)
		}
	} else {
		raw.State = text // plain "ON"/"OFF"
	}

	state := strings.ToUpper(raw.State)
	if raw.Brightness != nil && dimmable && !group && state != store.StateOff {
		level := *raw.Brightness
		if level < 0 || level > 100 {
			return cmd, fmt.Errorf("brightness %v out of range 0-100", level)
		}
		cmd.Action = gateway.ActionDim
		cmd.Level = uint8(level + 0.5)
		return cmd, nil
	}

	switch state {
	case store.StateOn:
		cmd.Action = gateway.ActionOn
	case store.StateOff:
		cmd.Action = gateway.ActionOff
	case "TOGGLE":
		cmd.Action = gateway.ActionToggle
	case "":
		return cmd, errEmptyCommand
	default:
		return cmd, fmt.Errorf("unknown state %q", raw.State)
	}
	return cmd, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
