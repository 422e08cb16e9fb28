// Package grabber emulates the device side of the datagram protocol: it
// answers commands, stores applied settings and streams synthetic frames.
package grabber

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/protocol"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/source"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Options configure a Simulator.
type Options struct {
	// Addr is the command address to listen on, e.g. "127.0.0.1:0".
	Addr string
	// FPS of the synthetic stream. Zero disables streaming.
	FPS int
	// Width and Height of the synthetic grid.
	Width  int
	Height int
	// IgnoreHandshake makes the simulator drop ConnectionInit, emulating a
	// device that never connects.
	IgnoreHandshake bool
	// Name tags log lines.
	Name string
}

// Simulator is an emulated remote device.
type Simulator struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	peer      *net.UDPAddr
	session   uuid.UUID
	maxDgram  int
	connected bool
	applied   map[settings.Kind]settings.Record
	received  []protocol.MessageType
	cancel    context.CancelFunc

	seq      atomic.Uint32
	nextID   atomic.Uint64
	sent     atomic.Uint64
	rejected atomic.Uint64
	wg       sync.WaitGroup
}

// NewSimulator creates a stopped simulator.
func NewSimulator(opts Options) *Simulator {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Width <= 0 {
		opts.Width = 32
	}
	if opts.Height <= 0 {
		opts.Height = 24
	}
	if opts.Name == "" {
		opts.Name = "simulator"
	}
	s := &Simulator{
		opts:     opts,
		logger:   util.GetLogger().With("simulator", opts.Name),
		maxDgram: protocol.DefaultMaxDatagramSize,
		applied:  make(map[settings.Kind]settings.Record),
	}
	return s
}

// Start binds the command socket and starts the command and stream loops.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return errors.New("simulator already started")
	}
	addr, err := net.ResolveUDPAddr("udp4", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "bad simulator address %s", s.opts.Addr)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	s.conn = conn

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.commandLoop(ctx, conn)
	if s.opts.FPS > 0 {
		s.wg.Add(1)
		go s.streamLoop(ctx)
	}

	s.logger.Info("Simulator listening", "addr", conn.LocalAddr().String(), "fps", s.opts.FPS)
	return nil
}

// Addr returns the command address, or nil before Start.
func (s *Simulator) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the command port, or 0 before Start.
func (s *Simulator) Port() int {
	if addr := s.Addr(); addr != nil {
		return addr.Port
	}
	return 0
}

// Stop closes the socket and waits for the loops to exit.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel, conn := s.cancel, s.conn
	s.cancel, s.conn = nil, nil
	s.connected = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	conn.Close()
	s.wg.Wait()
	s.logger.Info("Simulator stopped", "frames_sent", s.sent.Load())
}

// Connected reports whether a coordinator session is active.
func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Session returns the id of the current or last session.
func (s *Simulator) Session() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Applied returns the last settings of a kind received from the coordinator.
func (s *Simulator) Applied(kind settings.Kind) settings.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[kind]
}

// Received returns the type of every decoded message in arrival order.
func (s *Simulator) Received() []protocol.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.MessageType(nil), s.received...)
}

// FramesSent returns the number of frames streamed.
func (s *Simulator) FramesSent() uint64 {
	return s.sent.Load()
}

// Rejected returns the number of undecodable datagrams received.
func (s *Simulator) Rejected() uint64 {
	return s.rejected.Load()
}

func (s *Simulator) commandLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to read command", "error", err)
			continue
		}
		s.handle(buf[:n])
	}
}

func (s *Simulator) handle(data []byte) {
	h, msg, err := protocol.Decode(data)
	if err != nil {
		s.rejected.Add(1)
		s.logger.Debug("Rejecting datagram", "error", err)
		if h.Type >= protocol.MsgDeviceSettings && h.Type <= protocol.MsgDelaySettings {
			s.reply(h.Type, protocol.OutcomeError)
		}
		return
	}

	s.mu.Lock()
	s.received = append(s.received, msg.Type())
	s.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.ConnectionInit:
		if s.opts.IgnoreHandshake {
			return
		}
		peer, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(m.ReadingAddress, strconv.Itoa(int(m.ReadingPort))))
		if err != nil {
			s.logger.Warn("Bad reading address in connection init", "error", err)
			return
		}
		s.mu.Lock()
		s.peer = peer
		if s.session != m.Session {
			s.logger.Info("Coordinator connected", "peer", peer.String(), "session", m.Session.String())
		}
		s.session = m.Session
		s.connected = true
		if m.MaxDatagramSize > 0 {
			s.maxDgram = int(m.MaxDatagramSize)
		}
		s.mu.Unlock()
		s.reply(protocol.MsgConnectionInit, protocol.OutcomeMessageReceived)

	case *protocol.Command:
		outcome := protocol.OutcomeMessageReceived
		switch m.Kind {
		case protocol.MsgDisconnect:
			outcome = protocol.OutcomeDisconnect
		case protocol.MsgQuit:
			outcome = protocol.OutcomeQuit
		case protocol.MsgShutdown:
			outcome = protocol.OutcomeShutdown
		case protocol.MsgRestart:
			outcome = protocol.OutcomeRestart
		}
		s.reply(m.Kind, outcome)
		if outcome.EndsSession() {
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			s.logger.Info("Coordinator ended the session", "command", m.Kind.String())
		}

	case *protocol.Settings:
		s.mu.Lock()
		s.applied[m.Record.Kind()] = m.Record
		s.mu.Unlock()
		s.logger.Debug("Settings applied", "kind", m.Record.Kind().String())
		s.reply(m.Type(), protocol.OutcomeMessageReceived)

	default:
		s.rejected.Add(1)
	}
}

func (s *Simulator) reply(t protocol.MessageType, outcome protocol.FeedbackOutcome) {
	if err := s.SendFeedback(t, outcome); err != nil {
		s.logger.Warn("Failed to send feedback", "message", t.String(), "error", err)
	}
}

func (s *Simulator) target() (*net.UDPConn, *net.UDPAddr, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.peer, s.maxDgram, s.connected
}

func (s *Simulator) write(conn *net.UDPConn, peer *net.UDPAddr, msg protocol.Message) error {
	data, err := protocol.Encode(s.seq.Add(1), msg)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(data, peer); err != nil {
		return errors.Wrapf(err, "failed to send %s", msg.Type())
	}
	return nil
}

// SendFeedback sends a feedback datagram to the coordinator.
func (s *Simulator) SendFeedback(t protocol.MessageType, outcome protocol.FeedbackOutcome) error {
	conn, peer, _, _ := s.target()
	if conn == nil || peer == nil {
		return errors.New("no coordinator known")
	}
	return s.write(conn, peer, &protocol.Feedback{ReceivedType: t, Outcome: outcome})
}

// SendFrame compresses f and sends it fragmented to the coordinator.
func (s *Simulator) SendFrame(f *frame.Frame) error {
	conn, peer, maxDgram, connected := s.target()
	if !connected || peer == nil {
		return errors.New("not connected")
	}

	cf, err := frame.Compress(f)
	if err != nil {
		return err
	}
	blob, err := cf.MarshalBinary()
	if err != nil {
		return err
	}
	frags, err := protocol.Fragment(uint64(f.CaptureID), blob, maxDgram)
	if err != nil {
		return err
	}
	for _, frag := range frags {
		if err := s.write(conn, peer, frag); err != nil {
			return err
		}
	}
	s.sent.Add(1)
	return nil
}

// NextCaptureID returns a capture id that keeps increasing across sessions.
func (s *Simulator) NextCaptureID() int64 {
	return int64(s.nextID.Add(1))
}

func (s *Simulator) delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.applied[settings.KindDelay].(*settings.DelaySettings); ok && d.DelayMs > 0 {
		return d.Delay()
	}
	return 0
}

func (s *Simulator) streamLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.Connected() {
			continue
		}

		f := source.GenerateGrid(s.NextCaptureID(), s.opts.Width, s.opts.Height, time.Now())
		if d := s.delay(); d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
		if err := s.SendFrame(f); err != nil {
			s.logger.Debug("Failed to stream frame", "capture_id", f.CaptureID, "error", err)
		}
	}
}
