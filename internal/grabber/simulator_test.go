package grabber

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/protocol"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	t    *testing.T
	conn *net.UDPConn
	seq  uint32
}

func newPeer(t *testing.T, sim *Simulator) *peer {
	conn, err := net.DialUDP("udp4", nil, sim.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(msg protocol.Message) {
	p.seq++
	data, err := protocol.Encode(p.seq, msg)
	require.NoError(p.t, err)
	_, err = p.conn.Write(data)
	require.NoError(p.t, err)
}

func (p *peer) sendRaw(data []byte) {
	_, err := p.conn.Write(data)
	require.NoError(p.t, err)
}

func (p *peer) read() protocol.Message {
	buf := make([]byte, 65535)
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := p.conn.Read(buf)
	require.NoError(p.t, err)
	_, msg, err := protocol.Decode(buf[:n])
	require.NoError(p.t, err)
	return msg
}

func (p *peer) init() {
	local := p.conn.LocalAddr().(*net.UDPAddr)
	p.send(&protocol.ConnectionInit{
		Session:         uuid.New(),
		ReadingAddress:  local.IP.String(),
		ReadingPort:     uint16(local.Port),
		MaxDatagramSize: 600,
	})
}

func startSimulator(t *testing.T, opts Options) *Simulator {
	sim := NewSimulator(opts)
	require.NoError(t, sim.Start(context.Background()))
	t.Cleanup(sim.Stop)
	return sim
}

func TestSimulatorHandshakeAndSettings(t *testing.T) {
	sim := startSimulator(t, Options{})
	p := newPeer(t, sim)

	p.init()
	assert.Equal(t, &protocol.Feedback{ReceivedType: protocol.MsgConnectionInit, Outcome: protocol.OutcomeMessageReceived}, p.read())
	assert.True(t, sim.Connected())

	p.send(&protocol.Settings{Record: &settings.DelaySettings{DelayMs: 33}})
	assert.Equal(t, &protocol.Feedback{ReceivedType: protocol.MsgDelaySettings, Outcome: protocol.OutcomeMessageReceived}, p.read())
	assert.Equal(t, &settings.DelaySettings{DelayMs: 33}, sim.Applied(settings.KindDelay))
	assert.Equal(t, 33*time.Millisecond, sim.delay())

	p.send(&protocol.Command{Kind: protocol.MsgUpdateDeviceList})
	assert.Equal(t, &protocol.Feedback{ReceivedType: protocol.MsgUpdateDeviceList, Outcome: protocol.OutcomeMessageReceived}, p.read())

	p.send(&protocol.Command{Kind: protocol.MsgShutdown})
	assert.Equal(t, &protocol.Feedback{ReceivedType: protocol.MsgShutdown, Outcome: protocol.OutcomeShutdown}, p.read())
	assert.False(t, sim.Connected())

	assert.Equal(t, []protocol.MessageType{
		protocol.MsgConnectionInit,
		protocol.MsgDelaySettings,
		protocol.MsgUpdateDeviceList,
		protocol.MsgShutdown,
	}, sim.Received())
}

func TestSimulatorRejectsBadSettings(t *testing.T) {
	sim := startSimulator(t, Options{})
	p := newPeer(t, sim)
	p.init()
	p.read()

	data, err := protocol.Encode(1, &protocol.Settings{Record: settings.DefaultColorSettings()})
	require.NoError(t, err)
	p.sendRaw(data[:len(data)-2])

	assert.Equal(t, &protocol.Feedback{ReceivedType: protocol.MsgColorSettings, Outcome: protocol.OutcomeError}, p.read())
	assert.Equal(t, uint64(1), sim.Rejected())
	assert.Nil(t, sim.Applied(settings.KindColor))
}

func TestSimulatorIgnoreHandshake(t *testing.T) {
	sim := startSimulator(t, Options{IgnoreHandshake: true})
	p := newPeer(t, sim)
	p.init()

	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := p.conn.Read(make([]byte, 64))
	assert.Error(t, err)
	assert.False(t, sim.Connected())
}

func TestSimulatorSendFrameFragments(t *testing.T) {
	sim := startSimulator(t, Options{})
	p := newPeer(t, sim)

	assert.Error(t, sim.SendFrame(&frame.Frame{CaptureID: 1}))

	p.init()
	p.read()

	f := &frame.Frame{
		CaptureID: sim.NextCaptureID(),
		Cloud: frame.Cloud{
			Positions: make([]frame.Vec3, 400),
		},
	}
	for i := range f.Cloud.Positions {
		f.Cloud.Positions[i] = frame.Vec3{float32(i), float32(i * 7 % 13), float32(i % 5)}
	}
	require.NoError(t, sim.SendFrame(f))

	r := protocol.NewReassembler(4, time.Second)
	var blob []byte
	for blob == nil {
		frag, ok := p.read().(*protocol.FrameFragment)
		require.True(t, ok)
		if b, done := r.Add(frag); done {
			blob = b
		}
	}

	var cf frame.CompressedFrame
	require.NoError(t, cf.UnmarshalBinary(blob))
	got, err := cf.Decompress()
	require.NoError(t, err)
	assert.Equal(t, f.Cloud.Positions, got.Cloud.Positions)
	assert.Equal(t, uint64(1), sim.FramesSent())
}
