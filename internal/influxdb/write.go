package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"nexa-go-home/internal/gateway"
)

// Measurement names.
const (
	MeasurementTransmission = "nexa_transmission"
	MeasurementFailure      = "nexa_command_failed"
)

func commandTags(cmd gateway.Command) map[string]string {
	kind := "device"
	if cmd.Group {
		kind = "group"
	}
	return map[string]string{
		"target": cmd.Target,
		"action": string(cmd.Action),
		"kind":   kind,
	}
}

// transmissionPoint builds the point for one sent command. level is only
// present on dim frames.
func transmissionPoint(sent gateway.CommandSent, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"on":          sent.Message.On,
		"pulses":      sent.Pulses,
		"duration_ms": sent.DurationMS,
	}
	if sent.Message.Dim {
		fields["level"] = int(sent.Level)
		fields["dim_level"] = int(sent.Message.DimLevel)
	}
	return write.NewPoint(MeasurementTransmission, commandTags(sent.Command), fields, at)
}

func failurePoint(failed gateway.CommandFailed, at time.Time) *write.Point {
	return write.NewPoint(MeasurementFailure, commandTags(failed.Command),
		map[string]interface{}{"error": failed.Error}, at)
}

// WriteTransmission records a sent command. Non-blocking.
func (c *Client) WriteTransmission(sent gateway.CommandSent) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(transmissionPoint(sent, time.Now()))
}

// WriteFailure records a command the transmitter rejected. Non-blocking.
func (c *Client) WriteFailure(failed gateway.CommandFailed) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(failurePoint(failed, time.Now()))
}

// Subscribe writes a point for every command_sent and command_failed
// event on bus. The returned function unsubscribes.
func (c *Client) Subscribe(bus *gateway.EventBus) func() {
	unsubSent := bus.On(gateway.EventCommandSent, func(e gateway.Event) {
		if sent, ok := e.Data.(gateway.CommandSent); ok {
			c.WriteTransmission(sent)
		}
	})
	unsubFailed := bus.On(gateway.EventCommandFailed, func(e gateway.Event) {
		if failed, ok := e.Data.(gateway.CommandFailed); ok {
			c.WriteFailure(failed)
		}
	})
	return func() {
		unsubSent()
		unsubFailed()
	}
}
