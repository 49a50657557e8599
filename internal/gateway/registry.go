package gateway

import (
	"fmt"
	"regexp"

	"nexa-go-home/internal/nexa"
)

// Device is a receiver learned to one button of a remote.
type Device struct {
	Name         string `json:"name" yaml:"name"`
	ControllerID uint32 `json:"controller_id" yaml:"controller_id"`
	DeviceID     uint8  `json:"device_id" yaml:"device_id"`
	Dimmable     bool   `json:"dimmable" yaml:"dimmable"`
}

// Group addresses every receiver learned to a controller id.
type Group struct {
	Name         string `json:"name" yaml:"name"`
	ControllerID uint32 `json:"controller_id" yaml:"controller_id"`
}

// Names end up in MQTT topics and URL paths.
var validName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Registry is the immutable set of configured devices and groups.
type Registry struct {
	devices []Device
	groups  []Group
	byName  map[string]int
	groupBy map[string]int
}

// NewRegistry validates and indexes the configured devices and groups.
// Device and group names live in separate namespaces.
func NewRegistry(devices []Device, groups []Group) (*Registry, error) {
	r := &Registry{
		devices: append([]Device(nil), devices...),
		groups:  append([]Group(nil), groups...),
		byName:  make(map[string]int, len(devices)),
		groupBy: make(map[string]int, len(groups)),
	}

	for i, d := range r.devices {
		if !validName.MatchString(d.Name) {
			return nil, fmt.Errorf("%w: device %d: bad name %q", ErrInvalidConfig, i, d.Name)
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate device %q", ErrInvalidConfig, d.Name)
		}
		m := nexa.Message{ControllerID: d.ControllerID, DeviceID: d.DeviceID}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%w: device %q: %w", ErrInvalidConfig, d.Name, err)
		}
		r.byName[d.Name] = i
	}

	for i, g := range r.groups {
		if !validName.MatchString(g.Name) {
			return nil, fmt.Errorf("%w: group %d: bad name %q", ErrInvalidConfig, i, g.Name)
		}
		if _, dup := r.groupBy[g.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate group %q", ErrInvalidConfig, g.Name)
		}
		m := nexa.Message{ControllerID: g.ControllerID, Group: true}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%w: group %q: %w", ErrInvalidConfig, g.Name, err)
		}
		r.groupBy[g.Name] = i
	}
	return r, nil
}

// Device looks up a device by name.
func (r *Registry) Device(name string) (Device, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Device{}, false
	}
	return r.devices[i], true
}

// Group looks up a group by name.
func (r *Registry) Group(name string) (Group, bool) {
	i, ok := r.groupBy[name]
	if !ok {
		return Group{}, false
	}
	return r.groups[i], true
}

// Devices returns the devices in configuration order.
func (r *Registry) Devices() []Device {
	return append([]Device(nil), r.devices...)
}

// Groups returns the groups in configuration order.
func (r *Registry) Groups() []Group {
	return append([]Group(nil), r.groups...)
}

// Members returns the devices a group command reaches.
func (r *Registry) Members(g Group) []Device {
	var out []Device
	for _, d := range r.devices {
		if d.ControllerID == g.ControllerID {
			out = append(out, d)
		}
	}
	return out
}
