package gateway

import (
	"errors"
	"testing"

	"nexa-go-home/internal/nexa"
)

func TestNewRegistryErrors(t *testing.T) {
	tests := []struct {
		name    string
		devices []Device
		groups  []Group
		wantErr error
	}{
		{"duplicate device", []Device{{Name: "a"}, {Name: "a"}}, nil, ErrInvalidConfig},
		{"duplicate group", nil, []Group{{Name: "g"}, {Name: "g"}}, ErrInvalidConfig},
		{"bad name", []Device{{Name: "a/b"}}, nil, ErrInvalidConfig},
		{"empty name", nil, []Group{{Name: ""}}, ErrInvalidConfig},
		{"controller too wide", []Device{{Name: "a", ControllerID: 1 << 26}}, nil, nexa.ErrInvalidFieldWidth},
		{"device too wide", []Device{{Name: "a", DeviceID: 16}}, nil, nexa.ErrInvalidFieldWidth},
		{"group controller too wide", nil, []Group{{Name: "g", ControllerID: 1 << 26}}, nexa.ErrInvalidFieldWidth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.devices, tt.groups)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry(testDevices, testGroups)
	if err != nil {
		t.Fatal(err)
	}

	if d, ok := reg.Device("lamp"); !ok || d.DeviceID != 3 || !d.Dimmable {
		t.Errorf("lamp = %+v, %v", d, ok)
	}
	if _, ok := reg.Device("living"); ok {
		t.Error("group name resolved as device")
	}
	g, ok := reg.Group("living")
	if !ok {
		t.Fatal("group not found")
	}

	members := reg.Members(g)
	if len(members) != 2 || members[0].Name != "lamp" || members[1].Name != "heater" {
		t.Errorf("members = %+v", members)
	}

	devices := reg.Devices()
	devices[0].Name = "mutated"
	if d, _ := reg.Device("lamp"); d.Name != "lamp" {
		t.Error("Devices exposed internal slice")
	}
}

func TestRegistrySeparateNamespaces(t *testing.T) {
	// A device and a group may share a name.
	_, err := NewRegistry([]Device{{Name: "x"}}, []Group{{Name: "x"}})
	if err != nil {
		t.Errorf("err = %v", err)
	}
}
