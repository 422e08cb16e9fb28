package network

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/source"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/keymutex"
)

// ConnectionFactory builds the connection for one descriptor.
type ConnectionFactory func(desc DeviceDescriptor, opts Options) (Connection, error)

// Local devices without a factory get a synthetic grid source.
const (
	defaultLocalWidth  = 64
	defaultLocalHeight = 48
	defaultLocalFPS    = 30
)

// DefaultConnectionFactory picks the local or remote variant from the
// descriptor.
func DefaultConnectionFactory(desc DeviceDescriptor, opts Options) (Connection, error) {
	if desc.Local {
		src := source.NewSynthetic(fmt.Sprintf("local-%d", desc.Index), defaultLocalWidth, defaultLocalHeight, defaultLocalFPS)
		return NewLocalConnection(src, opts), nil
	}
	return NewRemoteConnection(opts), nil
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithConnectionFactory replaces the connection factory.
func WithConnectionFactory(factory ConnectionFactory) RegistryOption {
	return func(r *Registry) {
		r.factory = factory
	}
}

// WithEventBuffer sets the capacity of the aggregated event channel.
func WithEventBuffer(size int) RegistryOption {
	return func(r *Registry) {
		if size > 0 {
			r.eventBuffer = size
		}
	}
}

// Registry owns the connections and routes by device index. Events of every
// connection are re-emitted on one channel tagged with their index.
type Registry struct {
	opts        Options
	factory     ConnectionFactory
	eventBuffer int

	mu        sync.RWMutex
	conns     []Connection
	descs     []DeviceDescriptor
	endpoints *bimap.BiMap[string, int]
	stop      chan struct{}
	closed    bool

	// serializes outbound operations per device
	deviceLock keymutex.KeyMutex
	events     chan Event
	pumps      sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, options ...RegistryOption) *Registry {
	r := &Registry{
		opts:        opts.withDefaults(),
		factory:     DefaultConnectionFactory,
		eventBuffer: 256,
		endpoints:   bimap.NewBiMap[string, int](),
		deviceLock:  keymutex.NewHashed(0),
	}
	for _, o := range options {
		o(r)
	}
	r.events = make(chan Event, r.eventBuffer)
	return r
}

// Initialize builds and initializes one connection per descriptor. On any
// failure every connection built so far is cleaned and the registry stays
// empty.
func (r *Registry) Initialize(descs []DeviceDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if len(r.conns) > 0 {
		return errors.New("registry already initialized")
	}
	if len(descs) == 0 {
		return errors.Wrap(ErrConfig, "no devices declared")
	}

	logger := util.GetLogger()
	endpoints := bimap.NewBiMap[string, int]()
	descs = append([]DeviceDescriptor(nil), descs...)
	for i := range descs {
		descs[i].Index = i
		if descs[i].Local || descs[i].ReadingPort == 0 {
			continue
		}
		ep := descs[i].ReadingEndpoint()
		if other, dup := endpoints.Get(ep); dup {
			return errors.Wrapf(ErrConfig, "devices %d and %d share reading endpoint %s", other, i, ep)
		}
		endpoints.Insert(ep, i)
	}

	conns := make([]Connection, 0, len(descs))
	cleanup := func() {
		for _, c := range conns {
			c.Clean()
		}
	}
	for _, d := range descs {
		conn, err := r.factory(d, r.opts)
		if err != nil {
			cleanup()
			return errors.Wrapf(err, "device %d", d.Index)
		}
		conns = append(conns, conn)
		if err := conn.Initialize(d); err != nil {
			cleanup()
			logger.Error("Device initialization failed, cleaning up", "device", d.Index, "error", err)
			return errors.Wrapf(err, "device %d", d.Index)
		}
	}

	r.conns = conns
	r.descs = descs
	r.endpoints = endpoints
	r.stop = make(chan struct{})
	for i, c := range conns {
		r.pumps.Add(1)
		go r.pump(i, c.Events(), r.stop)
	}

	logger.Info("Device registry initialized", "devices", len(conns))
	return nil
}

func (r *Registry) pump(index int, in <-chan Event, stop <-chan struct{}) {
	defer r.pumps.Done()
	for ev := range in {
		ev.Index = index
		select {
		case r.events <- ev:
		case <-stop:
			return
		}
	}
}

// Events returns the aggregated event channel. It stays open across
// Clean and Initialize and is closed by Close.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// DeviceCount returns the number of devices.
func (r *Registry) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connection returns the connection at index.
func (r *Registry) Connection(index int) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.conns) {
		return nil, errors.Wrapf(ErrInvalidIndex, "index %d, %d devices", index, len(r.conns))
	}
	return r.conns[index], nil
}

// Descriptor returns the descriptor at index.
func (r *Registry) Descriptor(index int) (DeviceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.descs) {
		return DeviceDescriptor{}, false
	}
	return r.descs[index], true
}

// Descriptors returns a copy of every descriptor.
func (r *Registry) Descriptors() []DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DeviceDescriptor(nil), r.descs...)
}

// IndexOfEndpoint finds the remote device reading on endpoint (host:port).
func (r *Registry) IndexOfEndpoint(endpoint string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints.Get(endpoint)
}

// IsConnected reports whether the device at index completed its handshake.
// Invalid indices are logged and report false.
func (r *Registry) IsConnected(index int) bool {
	c, err := r.Connection(index)
	if err != nil {
		util.GetLogger().Error("Invalid device index", "device", index, "operation", "is_connected")
		return false
	}
	return c.IsConnected()
}

// Stats returns the counters of the device at index.
func (r *Registry) Stats(index int) (ConnectionStats, error) {
	c, err := r.Connection(index)
	if err != nil {
		return ConnectionStats{}, err
	}
	return c.Stats(), nil
}

// forward runs op on the connection at index while holding that device's
// lock. Failures are logged and returned.
func (r *Registry) forward(index int, op string, fn func(Connection) error) error {
	c, err := r.Connection(index)
	if err != nil {
		util.GetLogger().Error("Invalid device index", "device", index, "operation", op)
		return err
	}

	key := strconv.Itoa(index)
	r.deviceLock.LockKey(key)
	defer r.deviceLock.UnlockKey(key)

	if err := fn(c); err != nil {
		util.DeviceLogger(index).Error("Device operation failed", "operation", op, "error", err)
		return err
	}
	return nil
}

func (r *Registry) InitConnection(index int) error {
	return r.forward(index, "init_connection", func(c Connection) error {
		return c.InitConnection()
	})
}

func (r *Registry) ApplyCommand(index int, cmd Command) error {
	return r.forward(index, cmd.String(), func(c Connection) error {
		return c.ApplyCommand(cmd)
	})
}

// PushSettings sends any pushable settings record to the device at index.
func (r *Registry) PushSettings(index int, rec settings.Record) error {
	if rec == nil {
		return errors.New("nil settings record")
	}
	return r.forward(index, rec.Kind().String()+"_settings", func(c Connection) error {
		return c.PushSettings(rec)
	})
}

func (r *Registry) UpdateDeviceSettings(index int, s *settings.DeviceSettings) error {
	return r.PushSettings(index, s)
}

func (r *Registry) UpdateColorSettings(index int, s *settings.ColorSettings) error {
	return r.PushSettings(index, s)
}

func (r *Registry) UpdateFiltersSettings(index int, s *settings.FiltersSettings) error {
	return r.PushSettings(index, s)
}

func (r *Registry) UpdateDelaySettings(index int, s *settings.DelaySettings) error {
	return r.PushSettings(index, s)
}

// InitConnectionAll starts the handshake on every device. A failing device
// does not stop the others; all failures are returned together.
func (r *Registry) InitConnectionAll() error {
	var errs error
	for i := 0; i < r.DeviceCount(); i++ {
		errs = multierr.Append(errs, r.InitConnection(i))
	}
	return errs
}

// ApplyCommandAll sends cmd to every device, continuing past failures.
func (r *Registry) ApplyCommandAll(cmd Command) error {
	var errs error
	for i := 0; i < r.DeviceCount(); i++ {
		errs = multierr.Append(errs, r.ApplyCommand(i, cmd))
	}
	return errs
}

// Clean cleans every connection and empties the registry. It is safe on an
// empty registry.
func (r *Registry) Clean() {
	r.mu.Lock()
	conns, stop := r.conns, r.stop
	r.conns = nil
	r.descs = nil
	r.endpoints = bimap.NewBiMap[string, int]()
	r.stop = nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.Clean()
			return nil
		})
	}
	_ = g.Wait()
	r.pumps.Wait()

	if len(conns) > 0 {
		util.GetLogger().Info("Device registry cleaned", "devices", len(conns))
	}
}

// Close cleans the registry and closes the event channel. The registry
// cannot be initialized again.
func (r *Registry) Close() {
	r.Clean()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}
