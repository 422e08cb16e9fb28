package network

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/protocol"
)

// EventKind tags an Event.
type EventKind uint8

const (
	EventFrame EventKind = iota + 1
	EventCompressedFrame
	EventFeedback
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventCompressedFrame:
		return "compressed_frame"
	case EventFeedback:
		return "feedback"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Event is something that happened on one device. Only the field matching
// Kind is set.
type Event struct {
	Kind       EventKind
	Index      int
	Frame      *frame.Frame
	Compressed *frame.CompressedFrame
	Feedback   protocol.Feedback
	Connected  bool
}

// Command is a control command for a device.
type Command uint8

const (
	CommandDisconnect Command = iota + 1
	CommandQuit
	CommandShutdown
	CommandRestart
	CommandUpdateDeviceList
)

func (c Command) String() string {
	return c.MessageType().String()
}

// MessageType returns the datagram type carrying c.
func (c Command) MessageType() protocol.MessageType {
	switch c {
	case CommandDisconnect:
		return protocol.MsgDisconnect
	case CommandQuit:
		return protocol.MsgQuit
	case CommandShutdown:
		return protocol.MsgShutdown
	case CommandRestart:
		return protocol.MsgRestart
	case CommandUpdateDeviceList:
		return protocol.MsgUpdateDeviceList
	default:
		return 0
	}
}

// EndsSession reports whether the device drops back to idle after c.
func (c Command) EndsSession() bool {
	return c >= CommandDisconnect && c <= CommandRestart
}

// eventSink owns a connection's event channel. Senders hold the read lock
// so the channel is only closed once no send is in flight.
type eventSink struct {
	mu      sync.RWMutex
	ch      chan Event
	done    <-chan struct{}
	closed  bool
	dropped atomic.Uint64
}

func newEventSink(ctx context.Context, buffer int) *eventSink {
	return &eventSink{
		ch:   make(chan Event, buffer),
		done: ctx.Done(),
	}
}

// send blocks until the event is delivered or the connection is cleaned.
func (s *eventSink) send(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// offer delivers the event only if there is room.
func (s *eventSink) offer(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close must only be called after the done channel is closed.
func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
