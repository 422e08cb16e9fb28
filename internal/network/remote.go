package network

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/protocol"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type connState uint8

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
)

// maxReadSize is the largest UDP payload.
const maxReadSize = 65535

// RemoteConnection talks to a device over a pair of UDP sockets: frames and
// feedback arrive on the reading socket, commands and settings leave on
// the sending socket.
type RemoteConnection struct {
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	desc          DeviceDescriptor
	initialized   bool
	cleaned       bool
	state         connState
	session       uuid.UUID
	stopHandshake context.CancelFunc
	readConn      *net.UDPConn
	sendConn      *net.UDPConn

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sink      *eventSink
	cleanOnce sync.Once
	reasm     *protocol.Reassembler
	seq       atomic.Uint32

	// receive goroutine only
	lastID  int64
	hasLast bool

	framesReceived atomic.Uint64
	regressions    atomic.Uint64
	malformed      atomic.Uint64
	feedback       atomic.Uint64
	sent           atomic.Uint64
	sendErrors     atomic.Uint64
	handshakes     atomic.Uint64
	lastReceive    atomic.Int64
}

// NewRemoteConnection creates an unbound remote connection.
func NewRemoteConnection(opts Options) *RemoteConnection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteConnection{
		opts:   opts,
		logger: util.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
		sink:   newEventSink(ctx, opts.EventBuffer),
		reasm:  protocol.NewReassembler(opts.MaxPendingFrames, opts.FragmentTimeout),
	}
}

// Initialize binds the reading socket and connects the sending socket.
func (c *RemoteConnection) Initialize(desc DeviceDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cleaned {
		return ErrClosed
	}
	if c.initialized {
		return errors.Errorf("remote device %d already initialized", desc.Index)
	}

	readAddr, err := net.ResolveUDPAddr("udp4", desc.ReadingEndpoint())
	if err != nil {
		return errors.Wrapf(ErrTransport, "device %d: bad reading endpoint %s: %v", desc.Index, desc.ReadingEndpoint(), err)
	}
	sendAddr, err := net.ResolveUDPAddr("udp4", desc.SendingEndpoint())
	if err != nil {
		return errors.Wrapf(ErrTransport, "device %d: bad sending endpoint %s: %v", desc.Index, desc.SendingEndpoint(), err)
	}

	readConn, err := net.ListenUDP("udp4", readAddr)
	if err != nil {
		return errors.Wrapf(ErrTransport, "device %d: failed to bind %s: %v", desc.Index, readAddr, err)
	}
	sendConn, err := net.DialUDP("udp4", nil, sendAddr)
	if err != nil {
		readConn.Close()
		return errors.Wrapf(ErrTransport, "device %d: failed to open sending socket to %s: %v", desc.Index, sendAddr, err)
	}

	c.desc = desc
	c.logger = util.DeviceLogger(desc.Index)
	c.readConn = readConn
	c.sendConn = sendConn
	c.initialized = true

	c.wg.Add(1)
	go c.receive(readConn)
	if c.opts.ConnectionTimeout > 0 {
		c.wg.Add(1)
		go c.monitor()
	}

	c.logger.Debug("Remote device initialized",
		"reading", readConn.LocalAddr().String(), "sending", sendAddr.String())
	return nil
}

// LocalAddr returns the bound reading address, or nil before Initialize.
func (c *RemoteConnection) LocalAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readConn == nil {
		return nil
	}
	return c.readConn.LocalAddr().(*net.UDPAddr)
}

// InitConnection sends ConnectionInit and keeps re-sending it until the
// device acknowledges it or the handshake times out.
func (c *RemoteConnection) InitConnection() error {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.initialized {
		c.mu.Unlock()
		return errors.New("device not initialized")
	}
	if c.state != stateIdle {
		c.mu.Unlock()
		return nil
	}

	c.state = stateConnecting
	c.session = uuid.New()
	hctx, hcancel := context.WithCancel(c.ctx)
	c.stopHandshake = hcancel
	init := c.connectionInit()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("Starting handshake", "session", init.Session.String())
	c.handshakes.Add(1)
	if err := c.send(init); err != nil {
		c.transition(stateConnecting, stateIdle)
		c.wg.Done()
		c.logger.Error("Failed to send connection init", "error", err)
		return err
	}

	go c.handshake(hctx, init)
	return nil
}

func (c *RemoteConnection) connectionInit() *protocol.ConnectionInit {
	local := c.readConn.LocalAddr().(*net.UDPAddr)
	addr := c.desc.ReadingAddress
	if ip := net.ParseIP(addr); addr == "" || (ip != nil && ip.IsUnspecified()) {
		// announce the interface the device is reached through
		addr = c.sendConn.LocalAddr().(*net.UDPAddr).IP.String()
	}
	return &protocol.ConnectionInit{
		Session:         c.session,
		ReadingAddress:  addr,
		ReadingPort:     uint16(local.Port),
		MaxDatagramSize: uint16(c.opts.MaxDatagramSize),
	}
}

func (c *RemoteConnection) handshake(ctx context.Context, init *protocol.ConnectionInit) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.HandshakeInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(c.opts.HandshakeTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.currentState() != stateConnecting {
				return
			}
			c.handshakes.Add(1)
			if err := c.send(init); err != nil {
				c.logger.Warn("Failed to resend connection init", "error", err)
			}
		case <-timeout.C:
			if c.transition(stateConnecting, stateIdle) {
				c.logger.Warn("Handshake timed out", "timeout", c.opts.HandshakeTimeout)
				c.sink.send(Event{Kind: EventStatus, Index: c.desc.Index, Connected: false})
			}
			return
		}
	}
}

func (c *RemoteConnection) monitor() {
	defer c.wg.Done()

	period := max(c.opts.ConnectionTimeout/4, 10*time.Millisecond)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.currentState() != stateConnected {
				continue
			}
			silent := time.Since(time.Unix(0, c.lastReceive.Load()))
			if silent > c.opts.ConnectionTimeout && c.transition(stateConnected, stateIdle) {
				c.logger.Warn("Device stopped responding", "silent", silent.Round(time.Millisecond))
				c.sink.send(Event{Kind: EventStatus, Index: c.desc.Index, Connected: false})
			}
		}
	}
}

func (c *RemoteConnection) receive(conn *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, maxReadSize)
	for {
		if c.ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("Failed to read datagram", "error", err)
			continue
		}
		c.lastReceive.Store(time.Now().UnixNano())
		c.handleDatagram(buf[:n])
	}
}

func (c *RemoteConnection) handleDatagram(data []byte) {
	_, msg, err := protocol.Decode(data)
	if err != nil {
		c.malformed.Add(1)
		c.reasm.Malformed()
		c.logger.Debug("Dropping malformed datagram", "size", len(data), "error", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Feedback:
		c.handleFeedback(*m)
	case *protocol.FrameFragment:
		c.handleFragment(m)
	default:
		c.malformed.Add(1)
		c.logger.Debug("Dropping unexpected message", "type", msg.Type().String())
	}
}

func (c *RemoteConnection) handleFeedback(fb protocol.Feedback) {
	c.feedback.Add(1)

	var status *bool
	switch {
	case fb.ReceivedType == protocol.MsgConnectionInit && fb.Outcome == protocol.OutcomeMessageReceived:
		if c.transition(stateConnecting, stateConnected) {
			c.logger.Info("Device connected")
			connected := true
			status = &connected
		}
	case fb.Outcome.EndsSession():
		if c.setIdle() {
			c.logger.Info("Device left the session", "outcome", fb.Outcome.String())
			connected := false
			status = &connected
		}
	case fb.Outcome == protocol.OutcomeError || fb.Outcome == protocol.OutcomeTimeout:
		c.logger.Warn("Device reported a failure", "message", fb.ReceivedType.String(), "outcome", fb.Outcome.String())
	}

	c.sink.send(Event{Kind: EventFeedback, Index: c.desc.Index, Feedback: fb})
	if status != nil {
		c.sink.send(Event{Kind: EventStatus, Index: c.desc.Index, Connected: *status})
	}
}

func (c *RemoteConnection) handleFragment(f *protocol.FrameFragment) {
	if c.currentState() != stateConnected {
		return
	}
	blob, ok := c.reasm.Add(f)
	if !ok {
		return
	}

	cf := &frame.CompressedFrame{}
	if err := cf.UnmarshalBinary(blob); err != nil {
		c.malformed.Add(1)
		c.logger.Debug("Dropping undecodable frame", "capture_id", f.CaptureID, "error", err)
		return
	}
	if c.hasLast && cf.CaptureID <= c.lastID {
		c.regressions.Add(1)
		return
	}
	c.lastID, c.hasLast = cf.CaptureID, true
	cf.ReceiveTime = time.Now()
	c.framesReceived.Add(1)
	c.sink.offer(Event{Kind: EventCompressedFrame, Index: c.desc.Index, Compressed: cf})
}

func (c *RemoteConnection) ApplyCommand(cmd Command) error {
	if err := c.ready(); err != nil {
		return err
	}
	t := cmd.MessageType()
	if t == 0 {
		return errors.Errorf("unknown command %d", cmd)
	}
	if c.currentState() != stateConnected {
		return errors.Wrapf(ErrNotConnected, "device %d: %s", c.desc.Index, cmd)
	}

	if err := c.send(&protocol.Command{Kind: t}); err != nil {
		c.dropAfterSendFailure(err)
		return err
	}
	if cmd.EndsSession() && c.setIdle() {
		c.logger.Info("Device disconnected", "command", cmd.String())
		c.sink.send(Event{Kind: EventStatus, Index: c.desc.Index, Connected: false})
	}
	return nil
}

func (c *RemoteConnection) PushSettings(rec settings.Record) error {
	if err := c.ready(); err != nil {
		return err
	}
	if _, ok := protocol.SettingsType(rec.Kind()); !ok {
		return errors.Errorf("%s settings are not pushed to devices", rec.Kind())
	}
	if c.currentState() != stateConnected {
		return errors.Wrapf(ErrNotConnected, "device %d: %s settings", c.desc.Index, rec.Kind())
	}

	if err := c.send(&protocol.Settings{Record: rec}); err != nil {
		c.dropAfterSendFailure(err)
		return err
	}
	return nil
}

func (c *RemoteConnection) dropAfterSendFailure(err error) {
	if c.setIdle() {
		c.logger.Error("Send failed, marking device disconnected", "error", err)
		c.sink.send(Event{Kind: EventStatus, Index: c.desc.Index, Connected: false})
	}
}

func (c *RemoteConnection) send(msg protocol.Message) error {
	data, err := protocol.Encode(c.seq.Add(1), msg)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", msg.Type())
	}
	if _, err := c.sendConn.Write(data); err != nil {
		c.sendErrors.Add(1)
		return errors.Wrapf(ErrTransport, "device %d: failed to send %s: %v", c.desc.Index, msg.Type(), err)
	}
	c.sent.Add(1)
	return nil
}

func (c *RemoteConnection) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaned {
		return ErrClosed
	}
	if !c.initialized {
		return errors.New("device not initialized")
	}
	return nil
}

func (c *RemoteConnection) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves from one state to another and reports whether it did.
func (c *RemoteConnection) transition(from, to connState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	if to == stateConnected {
		c.lastReceive.Store(time.Now().UnixNano())
	}
	if to != stateConnecting && c.stopHandshake != nil {
		c.stopHandshake()
		c.stopHandshake = nil
	}
	return true
}

func (c *RemoteConnection) setIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateIdle {
		return false
	}
	c.state = stateIdle
	if c.stopHandshake != nil {
		c.stopHandshake()
		c.stopHandshake = nil
	}
	return true
}

func (c *RemoteConnection) IsConnected() bool {
	return c.currentState() == stateConnected
}

func (c *RemoteConnection) Events() <-chan Event {
	return c.sink.ch
}

func (c *RemoteConnection) Stats() ConnectionStats {
	stats := ConnectionStats{
		Connected:        c.IsConnected(),
		FramesReceived:   c.framesReceived.Load(),
		FramesDropped:    c.sink.dropped.Load(),
		Regressions:      c.regressions.Load(),
		Malformed:        c.malformed.Load(),
		FeedbackReceived: c.feedback.Load(),
		DatagramsSent:    c.sent.Load(),
		SendErrors:       c.sendErrors.Load(),
		Handshakes:       c.handshakes.Load(),
		Reassembly:       c.reasm.Stats(),
	}
	if ns := c.lastReceive.Load(); ns != 0 {
		stats.LastReceive = time.Unix(0, ns)
	}
	return stats
}

// Clean stops every goroutine, closes both sockets and the event channel.
func (c *RemoteConnection) Clean() {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaned = true
		c.state = stateIdle
		if c.stopHandshake != nil {
			c.stopHandshake()
			c.stopHandshake = nil
		}
		readConn, sendConn := c.readConn, c.sendConn
		c.mu.Unlock()

		c.cancel()
		if readConn != nil {
			readConn.Close()
		}
		if sendConn != nil {
			sendConn.Close()
		}
		c.wg.Wait()
		c.sink.close()
		c.logger.Debug("Remote device cleaned")
	})
}
