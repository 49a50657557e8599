package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device state operations
	SaveState(st *DeviceState) error
	GetState(name string) (*DeviceState, error)
	DeleteState(name string) error
	ListStates() ([]*DeviceState, error)

	// UpdateState atomically reads, modifies, and saves a state in a single
	// transaction. A missing state is passed to fn as a zero value named name.
	UpdateState(name string, fn func(st *DeviceState) error) error

	// Transmission counter
	IncrTransmissions() (uint64, error)
	Transmissions() (uint64, error)

	// Close the store
	Close() error
}
