package network

import "github.com/pkg/errors"

var (
	// ErrInvalidIndex is returned for device indices outside [0, DeviceCount).
	ErrInvalidIndex = errors.New("invalid device index")
	// ErrNotConnected is returned when a command or settings push targets a
	// device that has not completed its handshake.
	ErrNotConnected = errors.New("device not connected")
	// ErrTransport wraps socket bind, dial and send failures.
	ErrTransport = errors.New("transport error")
	// ErrConfig marks unusable network configuration.
	ErrConfig = errors.New("invalid network configuration")
	// ErrClosed is returned by connections after Clean.
	ErrClosed = errors.New("connection closed")
)
