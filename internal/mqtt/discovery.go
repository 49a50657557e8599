//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"

	"nexa-go-home/internal/gateway"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/nexa_kitchen/light/config"
	Payload []byte // JSON
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic,omitempty"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	StateOn             string   `json:"state_on,omitempty"`
	StateOff            string   `json:"state_off,omitempty"`
	Optimistic          bool     `json:"optimistic,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

const manufacturer = "Nexa"

func deviceIdentifier(dev gateway.Device) string {
	return "nexa_" + strconv.FormatUint(uint64(dev.ControllerID), 10) + "_" + strconv.Itoa(int(dev.DeviceID))
}

func groupIdentifier(grp gateway.Group) string {
	return "nexa_" + strconv.FormatUint(uint64(grp.ControllerID), 10) + "_group"
}

// buildDiscovery generates HA discovery messages: a light for every dimmable
// device, a switch for every other device and for every group.
func buildDiscovery(devices []gateway.Device, groups []gateway.Group, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	msgs := make([]discoveryMsg, 0, len(devices)+len(groups))

	for _, dev := range devices {
		nodeID := deviceIdentifier(dev)
		haDev := haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: manufacturer,
			Model:        "self-learning receiver",
			Name:         dev.Name,
		}
		topic := prefix + "/" + dev.Name
		if dev.Dimmable {
			msgs = append(msgs, buildLight(nodeID, dev.Name, topic, avail, haDev))
		} else {
			msgs = append(msgs, buildSwitch(nodeID, dev.Name, topic, avail, haDev, false))
		}
	}

	for _, grp := range groups {
		nodeID := groupIdentifier(grp)
		haDev := haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: manufacturer,
			Model:        "group",
			Name:         grp.Name,
		}
		// Groups have no state of their own.
		msgs = append(msgs, buildSwitch(nodeID, grp.Name, prefix+"/group/"+grp.Name, avail, haDev, true))
	}
	return msgs
}

func buildLight(nodeID, name, baseTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", nodeID)
	payload := haDiscovery{
		Name:                name,
		UniqueID:            nodeID + "_light",
		StateTopic:          baseTopic,
		CommandTopic:        baseTopic + "/set",
		AvailabilityTopic:   avail,
		SupportedColorModes: []string{"brightness"},
		BrightnessScale:     100,
		Schema:              "json",
		Device:              haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, name, baseTopic, avail string, haDev haDevice, optimistic bool) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/switch/config", nodeID)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          nodeID + "_switch",
		CommandTopic:      baseTopic + "/set",
		AvailabilityTopic: avail,
		PayloadOn:         `{"state":"ON"}`,
		PayloadOff:        `{"state":"OFF"}`,
		Device:            haDev,
	}
	if optimistic {
		payload.Optimistic = true
	} else {
		payload.StateTopic = baseTopic
		payload.ValueTemplate = "{{ value_json.state }}"
		payload.StateOn = "ON"
		payload.StateOff = "OFF"
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
