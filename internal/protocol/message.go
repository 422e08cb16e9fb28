// Package protocol implements the datagram protocol spoken between the
// coordinator and remote depth devices.
//
// Every datagram starts with an 8-byte big-endian header:
//
//	magic    u16  0x4453 ("DS")
//	type     u8   MessageType
//	version  u8   ProtocolVersion
//	sequence u32  per-sender counter
//
// followed by the type-specific payload.
package protocol

import (
	"encoding/binary"

	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	Magic           uint16 = 0x4453
	ProtocolVersion uint8  = 1
	HeaderSize             = 8

	// DefaultMaxDatagramSize keeps datagrams below a typical Ethernet MTU.
	DefaultMaxDatagramSize = 1400
)

// ErrMalformed marks datagrams that cannot be decoded.
var ErrMalformed = errors.New("malformed datagram")

// MessageType identifies a datagram.
type MessageType uint8

const (
	// coordinator -> device
	MsgConnectionInit MessageType = iota + 1
	MsgDisconnect
	MsgQuit
	MsgShutdown
	MsgRestart
	MsgUpdateDeviceList
	MsgDeviceSettings
	MsgColorSettings
	MsgFiltersSettings
	MsgDelaySettings

	// device -> coordinator
	MsgFeedback
	MsgFrameFragment
)

func (t MessageType) String() string {
	switch t {
	case MsgConnectionInit:
		return "connection_init"
	case MsgDisconnect:
		return "disconnect"
	case MsgQuit:
		return "quit"
	case MsgShutdown:
		return "shutdown"
	case MsgRestart:
		return "restart"
	case MsgUpdateDeviceList:
		return "update_device_list"
	case MsgDeviceSettings:
		return "device_settings"
	case MsgColorSettings:
		return "color_settings"
	case MsgFiltersSettings:
		return "filters_settings"
	case MsgDelaySettings:
		return "delay_settings"
	case MsgFeedback:
		return "feedback"
	case MsgFrameFragment:
		return "frame_fragment"
	default:
		return "unknown"
	}
}

// IsCommand reports whether t is a payload-less command.
func (t MessageType) IsCommand() bool {
	return t >= MsgDisconnect && t <= MsgUpdateDeviceList
}

// SettingsType maps a settings kind to the message carrying it. Model
// settings never leave the coordinator.
func SettingsType(kind settings.Kind) (MessageType, bool) {
	switch kind {
	case settings.KindDevice:
		return MsgDeviceSettings, true
	case settings.KindColor:
		return MsgColorSettings, true
	case settings.KindFilters:
		return MsgFiltersSettings, true
	case settings.KindDelay:
		return MsgDelaySettings, true
	default:
		return 0, false
	}
}

// FeedbackOutcome is the device's answer to a message.
type FeedbackOutcome uint8

const (
	OutcomeMessageReceived FeedbackOutcome = iota + 1
	OutcomeError
	OutcomeTimeout
	OutcomeDisconnect
	OutcomeQuit
	OutcomeShutdown
	OutcomeRestart
)

func (o FeedbackOutcome) String() string {
	switch o {
	case OutcomeMessageReceived:
		return "message_received"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeDisconnect:
		return "disconnect"
	case OutcomeQuit:
		return "quit"
	case OutcomeShutdown:
		return "shutdown"
	case OutcomeRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// EndsSession reports whether the device is leaving the session.
func (o FeedbackOutcome) EndsSession() bool {
	return o >= OutcomeDisconnect && o <= OutcomeRestart
}

// Header is the fixed datagram prefix.
type Header struct {
	Type     MessageType
	Version  uint8
	Sequence uint32
}

// Message is a decoded datagram payload.
type Message interface {
	Type() MessageType
}

// ConnectionInit opens a session and tells the device where to send.
type ConnectionInit struct {
	Session         uuid.UUID
	ReadingAddress  string
	ReadingPort     uint16
	MaxDatagramSize uint16
}

func (*ConnectionInit) Type() MessageType { return MsgConnectionInit }

// Command is a payload-less control message.
type Command struct {
	Kind MessageType
}

func (c *Command) Type() MessageType { return c.Kind }

// Settings carries one settings record.
type Settings struct {
	Record settings.Record
}

func (s *Settings) Type() MessageType {
	t, _ := SettingsType(s.Record.Kind())
	return t
}

// Feedback acknowledges a message previously sent to the device.
type Feedback struct {
	ReceivedType MessageType
	Outcome      FeedbackOutcome
}

func (*Feedback) Type() MessageType { return MsgFeedback }

// FrameFragment is one slice of a marshalled compressed frame.
type FrameFragment struct {
	CaptureID uint64
	Index     uint16
	Count     uint16
	TotalSize uint32
	Chunk     []byte
}

func (*FrameFragment) Type() MessageType { return MsgFrameFragment }

// capture id u64, index u16, count u16, total size u32
const fragmentHeaderSize = 8 + 2 + 2 + 4

// Encode builds a datagram for m.
func Encode(seq uint32, m Message) ([]byte, error) {
	t := m.Type()
	buf := make([]byte, HeaderSize, HeaderSize+64)
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = byte(t)
	buf[3] = ProtocolVersion
	binary.BigEndian.PutUint32(buf[4:8], seq)

	switch msg := m.(type) {
	case *ConnectionInit:
		if len(msg.ReadingAddress) > 0xFF {
			return nil, errors.Errorf("reading address too long: %q", msg.ReadingAddress)
		}
		buf = append(buf, msg.Session[:]...)
		buf = append(buf, byte(len(msg.ReadingAddress)))
		buf = append(buf, msg.ReadingAddress...)
		buf = binary.BigEndian.AppendUint16(buf, msg.ReadingPort)
		buf = binary.BigEndian.AppendUint16(buf, msg.MaxDatagramSize)
	case *Command:
		if !msg.Kind.IsCommand() {
			return nil, errors.Errorf("%s is not a command", msg.Kind)
		}
	case *Settings:
		if t == 0 {
			return nil, errors.Errorf("%s settings are not sent to devices", msg.Record.Kind())
		}
		payload, err := settings.Encode(msg.Record)
		if err != nil {
			return nil, err
		}
		buf = append(buf, payload...)
	case *Feedback:
		buf = append(buf, byte(msg.ReceivedType), byte(msg.Outcome))
	case *FrameFragment:
		buf = binary.BigEndian.AppendUint64(buf, msg.CaptureID)
		buf = binary.BigEndian.AppendUint16(buf, msg.Index)
		buf = binary.BigEndian.AppendUint16(buf, msg.Count)
		buf = binary.BigEndian.AppendUint32(buf, msg.TotalSize)
		buf = append(buf, msg.Chunk...)
	default:
		return nil, errors.Errorf("unsupported message %T", m)
	}
	return buf, nil
}

// Decode parses a datagram. Slices in the result alias data.
func Decode(data []byte) (Header, Message, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, nil, errors.Wrapf(ErrMalformed, "datagram too short: %d bytes", len(data))
	}
	if magic := binary.BigEndian.Uint16(data[0:2]); magic != Magic {
		return h, nil, errors.Wrapf(ErrMalformed, "bad magic 0x%04x", magic)
	}
	h.Type = MessageType(data[2])
	h.Version = data[3]
	h.Sequence = binary.BigEndian.Uint32(data[4:8])
	if h.Version != ProtocolVersion {
		return h, nil, errors.Wrapf(ErrMalformed, "unsupported protocol version %d", h.Version)
	}

	payload := data[HeaderSize:]
	switch {
	case h.Type == MsgConnectionInit:
		msg, err := decodeConnectionInit(payload)
		return h, msg, err
	case h.Type.IsCommand():
		if len(payload) != 0 {
			return h, nil, errors.Wrapf(ErrMalformed, "%s carries %d payload bytes", h.Type, len(payload))
		}
		return h, &Command{Kind: h.Type}, nil
	case h.Type >= MsgDeviceSettings && h.Type <= MsgDelaySettings:
		rec, _, err := settings.Decode(payload)
		if err != nil {
			return h, nil, errors.Wrapf(ErrMalformed, "%s: %v", h.Type, err)
		}
		msg := &Settings{Record: rec}
		if msg.Type() != h.Type {
			return h, nil, errors.Wrapf(ErrMalformed, "%s carries %s settings", h.Type, rec.Kind())
		}
		return h, msg, nil
	case h.Type == MsgFeedback:
		if len(payload) != 2 {
			return h, nil, errors.Wrapf(ErrMalformed, "feedback payload is %d bytes", len(payload))
		}
		return h, &Feedback{ReceivedType: MessageType(payload[0]), Outcome: FeedbackOutcome(payload[1])}, nil
	case h.Type == MsgFrameFragment:
		if len(payload) < fragmentHeaderSize {
			return h, nil, errors.Wrapf(ErrMalformed, "fragment header truncated: %d bytes", len(payload))
		}
		return h, &FrameFragment{
			CaptureID: binary.BigEndian.Uint64(payload[0:8]),
			Index:     binary.BigEndian.Uint16(payload[8:10]),
			Count:     binary.BigEndian.Uint16(payload[10:12]),
			TotalSize: binary.BigEndian.Uint32(payload[12:16]),
			Chunk:     payload[fragmentHeaderSize:],
		}, nil
	default:
		return h, nil, errors.Wrapf(ErrMalformed, "unknown message type %d", h.Type)
	}
}

func decodeConnectionInit(p []byte) (*ConnectionInit, error) {
	if len(p) < 17 {
		return nil, errors.Wrap(ErrMalformed, "connection init truncated")
	}
	msg := &ConnectionInit{}
	copy(msg.Session[:], p[:16])
	n := int(p[16])
	p = p[17:]
	if len(p) != n+4 {
		return nil, errors.Wrap(ErrMalformed, "connection init has bad length")
	}
	msg.ReadingAddress = string(p[:n])
	msg.ReadingPort = binary.BigEndian.Uint16(p[n : n+2])
	msg.MaxDatagramSize = binary.BigEndian.Uint16(p[n+2 : n+4])
	return msg, nil
}
