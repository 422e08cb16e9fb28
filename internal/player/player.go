// Package player is the consumer-facing facade over the device registry and
// the frame cache. One goroutine calls Update and the accessors once per tick
// while devices deliver frames in the background.
package player

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/depthstream/internal/cache"
	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/network"
	"github.com/babelcloud/depthstream/internal/protocol"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// State is the connection state of one device as seen by the facade.
type State uint8

const (
	StateUninitialized State = iota
	StateIdle
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "uninitialized"
	}
}

// Options configure a Player.
type Options struct {
	Network network.Options
	// Factory builds device connections. Nil uses network.DefaultConnectionFactory.
	Factory network.ConnectionFactory
	// Resolver maps interface indices of the network config to addresses.
	Resolver network.InterfaceResolver
	// ResyncOnConnect pushes the stored device, color, filters and delay
	// settings to a device when Update sees its connection acknowledged.
	ResyncOnConnect bool
	// StartReading makes Initialize leave reading enabled.
	StartReading bool
	// DecompressWorkers caps concurrent frame decompressions.
	DecompressWorkers int
	// TickInterval is the consumer cadence used by server.Loop.
	TickInterval time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Network:      network.DefaultOptions(),
		Resolver:     network.HostInterfaceAddress,
		TickInterval: 33 * time.Millisecond,
	}
}

type indexedFeedback struct {
	index    int
	feedback protocol.Feedback
}

// Player coordinates every device of one network configuration.
type Player struct {
	opts     Options
	registry *network.Registry
	cache    *cache.Cache
	reading  atomic.Bool

	// written by the event goroutine and the control methods
	stateMu sync.Mutex
	states  []State

	fbMu     sync.Mutex
	fbQueue  []indexedFeedback
	received atomic.Uint64
	ignored  atomic.Uint64

	// consumer goroutine only
	initialized  bool
	frames       []*frame.Frame
	records      map[settings.Kind][]settings.Record
	lastFeedback []*protocol.Feedback
	handler      func(int, protocol.Feedback)
	copiers      []*vertexCopier

	eventsDone chan struct{}
}

// New creates an uninitialized player and starts its event goroutine.
func New(opts Options) *Player {
	def := DefaultOptions()
	if opts.Resolver == nil {
		opts.Resolver = def.Resolver
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}

	regOpts := []network.RegistryOption{}
	if opts.Factory != nil {
		regOpts = append(regOpts, network.WithConnectionFactory(opts.Factory))
	}

	p := &Player{
		opts:       opts,
		registry:   network.NewRegistry(opts.Network, regOpts...),
		cache:      cache.New(cache.Options{DecompressWorkers: opts.DecompressWorkers}),
		eventsDone: make(chan struct{}),
	}
	go p.consumeEvents()
	return p
}

// Options returns the options the player was created with.
func (p *Player) Options() Options {
	return p.opts
}

// Initialize loads the network configuration at path, builds a connection
// per declared device and sizes the frame cache. On failure the player stays
// uninitialized and usable.
func (p *Player) Initialize(path string) error {
	logger := util.GetLogger()

	if p.initialized {
		p.Clean()
	}

	descs, err := network.LoadDescriptors(path, p.opts.Resolver)
	if err != nil {
		logger.Error("Failed to load network configuration", "path", path, "error", err)
		return err
	}
	if err := p.registry.Initialize(descs); err != nil {
		logger.Error("Failed to initialize devices", "path", path, "error", err)
		return err
	}

	count := p.registry.DeviceCount()
	p.cache.Initialize(count)

	p.stateMu.Lock()
	p.states = make([]State, count)
	for i := range p.states {
		p.states[i] = StateIdle
	}
	p.stateMu.Unlock()

	p.frames = make([]*frame.Frame, count)
	p.lastFeedback = make([]*protocol.Feedback, count)
	p.copiers = make([]*vertexCopier, count)
	p.records = make(map[settings.Kind][]settings.Record, len(settings.Kinds))
	for _, kind := range settings.Kinds {
		p.records[kind] = settings.Defaults(kind, count)
	}
	p.initialized = true
	p.reading.Store(p.opts.StartReading)

	logger.Info("Player initialized", "path", path, "devices", count)
	return nil
}

// Clean tears every device down and returns the player to the
// uninitialized state.
func (p *Player) Clean() {
	p.reading.Store(false)
	p.registry.Clean()
	p.cache.Clean()

	p.stateMu.Lock()
	p.states = nil
	p.stateMu.Unlock()

	p.fbMu.Lock()
	p.fbQueue = nil
	p.fbMu.Unlock()

	p.frames = nil
	p.lastFeedback = nil
	p.copiers = nil
	p.records = nil
	p.initialized = false
}

// Close cleans the player and stops its event goroutine. The player cannot
// be used afterwards.
func (p *Player) Close() {
	p.Clean()
	p.registry.Close()
	<-p.eventsDone
}

// DeviceCount returns the number of devices, 0 when uninitialized.
func (p *Player) DeviceCount() int {
	return len(p.frames)
}

func (p *Player) validIndex(index int) bool {
	return index >= 0 && index < len(p.frames)
}

func (p *Player) checkIndex(index int, op string) error {
	if !p.validIndex(index) {
		util.GetLogger().Error("Invalid device index", "device", index, "operation", op)
		return errors.Wrapf(network.ErrInvalidIndex, "index %d, %d devices", index, len(p.frames))
	}
	return nil
}

// IsConnected reports whether the device at index completed its handshake.
func (p *Player) IsConnected(index int) bool {
	if !p.validIndex(index) {
		util.GetLogger().Error("Invalid device index", "device", index, "operation", "is_connected")
		return false
	}
	return p.registry.IsConnected(index)
}

// DeviceState returns the state of the device at index.
func (p *Player) DeviceState(index int) State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if index < 0 || index >= len(p.states) {
		return StateUninitialized
	}
	return p.states[index]
}

func (p *Player) setState(index int, s State) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if index >= 0 && index < len(p.states) {
		p.states[index] = s
	}
}

func (p *Player) compareAndSetState(index int, from, to State) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if index >= 0 && index < len(p.states) && p.states[index] == from {
		p.states[index] = to
	}
}

// ConnectToDevices starts the handshake with every device. Devices that
// fail do not stop the others; every failure is returned.
func (p *Player) ConnectToDevices() error {
	var errs error
	for i := 0; i < p.DeviceCount(); i++ {
		if p.registry.IsConnected(i) {
			continue
		}
		p.setState(i, StateConnecting)
		if err := p.registry.InitConnection(i); err != nil {
			p.compareAndSetState(i, StateConnecting, StateIdle)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (p *Player) broadcast(cmd network.Command) error {
	err := p.registry.ApplyCommandAll(cmd)
	if err != nil {
		util.GetLogger().Warn("Command did not reach every device",
			"command", cmd.String(), "failures", len(multierr.Errors(err)))
	}
	return err
}

// DisconnectFromDevices ends the session with every device.
func (p *Player) DisconnectFromDevices() error {
	return p.broadcast(network.CommandDisconnect)
}

// ShutdownDevices asks every device to power off.
func (p *Player) ShutdownDevices() error {
	return p.broadcast(network.CommandShutdown)
}

// RestartDevices asks every device to reboot.
func (p *Player) RestartDevices() error {
	return p.broadcast(network.CommandRestart)
}

// QuitDevices asks every device to stop its grabber process.
func (p *Player) QuitDevices() error {
	return p.broadcast(network.CommandQuit)
}

// StartReading lets incoming frames into the cache.
func (p *Player) StartReading() {
	p.reading.Store(true)
}

// StopReading discards incoming frames until StartReading.
func (p *Player) StopReading() {
	p.reading.Store(false)
}

// IsReading reports whether incoming frames are cached.
func (p *Player) IsReading() bool {
	return p.reading.Load()
}

// SetFeedbackHandler installs fn to observe every feedback drained by Update.
// It runs on the consumer goroutine.
func (p *Player) SetFeedbackHandler(fn func(index int, fb protocol.Feedback)) {
	p.handler = fn
}

// Update runs one consumer tick: it drains the feedback queue, optionally
// re-sends settings to devices that just connected, and refreshes the
// current frame of every device.
func (p *Player) Update() {
	p.fbMu.Lock()
	queue := p.fbQueue
	p.fbQueue = nil
	p.fbMu.Unlock()

	for _, item := range queue {
		if !p.validIndex(item.index) {
			continue
		}
		fb := item.feedback
		p.lastFeedback[item.index] = &fb
		if p.handler != nil {
			p.handler(item.index, fb)
		}
		if p.opts.ResyncOnConnect &&
			fb.ReceivedType == protocol.MsgConnectionInit &&
			fb.Outcome == protocol.OutcomeMessageReceived {
			p.resync(item.index)
		}
	}

	for i := range p.frames {
		p.frames[i] = p.cache.Frame(i)
	}
}

// LastFeedback returns the most recent feedback Update drained for index.
func (p *Player) LastFeedback(index int) (protocol.Feedback, bool) {
	if !p.validIndex(index) || p.lastFeedback[index] == nil {
		return protocol.Feedback{}, false
	}
	return *p.lastFeedback[index], true
}

// DeviceStats is the monitor view of one device.
type DeviceStats struct {
	Index        int                      `json:"index"`
	State        string                   `json:"state"`
	Descriptor   network.DeviceDescriptor `json:"descriptor"`
	FrameID      int64                    `json:"frame_id"`
	CloudSize    int                      `json:"cloud_size"`
	Connection   network.ConnectionStats  `json:"connection"`
	Cache        cache.SlotStats          `json:"cache"`
	LastFeedback *protocol.Feedback       `json:"last_feedback,omitempty"`
}

// Stats is the monitor view of the player.
type Stats struct {
	Reading          bool          `json:"reading"`
	FeedbackReceived uint64        `json:"feedback_received"`
	EventsIgnored    uint64        `json:"events_ignored"`
	Devices          []DeviceStats `json:"devices"`
}

// Stats snapshots every device. It runs on the consumer goroutine.
func (p *Player) Stats() Stats {
	s := Stats{
		Reading:          p.IsReading(),
		FeedbackReceived: p.received.Load(),
		EventsIgnored:    p.ignored.Load(),
		Devices:          make([]DeviceStats, 0, p.DeviceCount()),
	}
	for i, desc := range p.registry.Descriptors() {
		d := DeviceStats{
			Index:      i,
			State:      p.DeviceState(i).String(),
			Descriptor: desc,
			FrameID:    p.CurrentFrameID(i),
			CloudSize:  p.CurrentFrameCloudSize(i),
		}
		d.Connection, _ = p.registry.Stats(i)
		d.Cache, _ = p.cache.Stats(i)
		if fb, ok := p.LastFeedback(i); ok {
			d.LastFeedback = &fb
		}
		s.Devices = append(s.Devices, d)
	}
	return s
}
