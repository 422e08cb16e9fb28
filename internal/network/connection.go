// Package network manages the connections to depth devices and routes
// commands, settings and events between them and the player.
package network

import (
	"time"

	"github.com/babelcloud/depthstream/internal/protocol"
	"github.com/babelcloud/depthstream/internal/settings"
)

// Connection is one producer, local or remote.
type Connection interface {
	// Initialize binds transport resources. It must be called once.
	Initialize(desc DeviceDescriptor) error

	// InitConnection starts the handshake. Local connections are connected
	// immediately.
	InitConnection() error

	// ApplyCommand sends a command to a connected device.
	ApplyCommand(cmd Command) error

	// PushSettings sends a settings record to a connected device without
	// waiting for the acknowledgement.
	PushSettings(rec settings.Record) error

	IsConnected() bool

	// Events returns the event channel, closed by Clean.
	Events() <-chan Event

	Stats() ConnectionStats

	// Clean releases every resource. It is safe to call more than once.
	Clean()
}

// ConnectionStats are counters of one connection.
type ConnectionStats struct {
	Connected        bool                      `json:"connected"`
	FramesReceived   uint64                    `json:"frames_received"`
	FramesDropped    uint64                    `json:"frames_dropped"`
	Regressions      uint64                    `json:"regressions"`
	Malformed        uint64                    `json:"malformed"`
	FeedbackReceived uint64                    `json:"feedback_received"`
	DatagramsSent    uint64                    `json:"datagrams_sent"`
	SendErrors       uint64                    `json:"send_errors"`
	Handshakes       uint64                    `json:"handshakes"`
	Reassembly       protocol.ReassemblerStats `json:"reassembly"`
	LastReceive      time.Time                 `json:"last_receive"`
}

// Options tune connection behavior.
type Options struct {
	// HandshakeInterval is the period between ConnectionInit re-sends.
	HandshakeInterval time.Duration
	// HandshakeTimeout bounds how long a handshake is retried.
	HandshakeTimeout time.Duration
	// ConnectionTimeout drops a connected device that stays silent this
	// long. Zero disables the check.
	ConnectionTimeout time.Duration
	// ReadTimeout is the socket read deadline of the receive loop.
	ReadTimeout time.Duration
	// MaxDatagramSize is announced to devices in ConnectionInit.
	MaxDatagramSize int
	// EventBuffer is the capacity of each connection's event channel.
	EventBuffer int
	// MaxPendingFrames bounds frames being reassembled at once.
	MaxPendingFrames int
	// FragmentTimeout forgets incomplete frames older than this.
	FragmentTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		HandshakeInterval: 500 * time.Millisecond,
		HandshakeTimeout:  10 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		ReadTimeout:       200 * time.Millisecond,
		MaxDatagramSize:   protocol.DefaultMaxDatagramSize,
		EventBuffer:       64,
		MaxPendingFrames:  4,
		FragmentTimeout:   time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeInterval <= 0 {
		o.HandshakeInterval = def.HandshakeInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.ConnectionTimeout < 0 {
		o.ConnectionTimeout = 0
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.MaxDatagramSize <= 0 || o.MaxDatagramSize > 65507 {
		o.MaxDatagramSize = def.MaxDatagramSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = def.EventBuffer
	}
	if o.MaxPendingFrames <= 0 {
		o.MaxPendingFrames = def.MaxPendingFrames
	}
	if o.FragmentTimeout <= 0 {
		o.FragmentTimeout = def.FragmentTimeout
	}
	return o
}
