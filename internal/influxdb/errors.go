package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when metrics are turned off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
	// ErrConnectionFailed wraps a failed initial ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")
)
