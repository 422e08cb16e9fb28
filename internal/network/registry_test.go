package network

import (
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/depthstream/internal/grabber"
	"github.com/babelcloud/depthstream/internal/protocol"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/source"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type fakeConnection struct {
	mu        sync.Mutex
	initErr   error
	connected bool
	cleaned   bool
	commands  []Command
	pushed    []settings.Record
	events    chan Event
}

func newFakeConnection(initErr error) *fakeConnection {
	return &fakeConnection{initErr: initErr, events: make(chan Event, 8)}
}

func (f *fakeConnection) Initialize(DeviceDescriptor) error { return f.initErr }

func (f *fakeConnection) InitConnection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.events <- Event{Kind: EventStatus, Index: -1, Connected: true}
	return nil
}

func (f *fakeConnection) ApplyCommand(cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeConnection) PushSettings(rec settings.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.pushed = append(f.pushed, rec)
	return nil
}

func (f *fakeConnection) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnection) Events() <-chan Event   { return f.events }
func (f *fakeConnection) Stats() ConnectionStats { return ConnectionStats{Connected: f.IsConnected()} }

func (f *fakeConnection) Clean() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cleaned {
		f.cleaned = true
		close(f.events)
	}
}

type fakeFactory struct {
	mu      sync.Mutex
	failAt  int
	created []*fakeConnection
}

func (ff *fakeFactory) build(desc DeviceDescriptor, _ Options) (Connection, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	var err error
	if desc.Index == ff.failAt {
		err = errors.Wrap(ErrTransport, "bind failed")
	}
	c := newFakeConnection(err)
	ff.created = append(ff.created, c)
	return c, nil
}

func localDescriptors(n int) []DeviceDescriptor {
	descs := make([]DeviceDescriptor, n)
	for i := range descs {
		descs[i] = DeviceDescriptor{Local: true, ReadingInterface: -1}
	}
	return descs
}

func TestRegistryInitializeIsAllOrNothing(t *testing.T) {
	ff := &fakeFactory{failAt: 2}
	r := NewRegistry(testOptions(), WithConnectionFactory(ff.build))
	defer r.Close()

	err := r.Initialize(localDescriptors(4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Equal(t, 0, r.DeviceCount())
	assert.Empty(t, r.Descriptors())

	require.Len(t, ff.created, 3)
	for _, c := range ff.created {
		assert.True(t, c.cleaned)
	}

	ff.failAt = -1
	require.NoError(t, r.Initialize(localDescriptors(2)))
	assert.Equal(t, 2, r.DeviceCount())
	assert.Error(t, r.Initialize(localDescriptors(2)))

	descs := r.Descriptors()
	require.Len(t, descs, 2)
	descs[0].Local = false
	d, ok := r.Descriptor(0)
	require.True(t, ok)
	assert.True(t, d.Local, "Descriptors must return a copy")
}

func TestRegistryRejectsDuplicateEndpoints(t *testing.T) {
	ff := &fakeFactory{failAt: -1}
	r := NewRegistry(testOptions(), WithConnectionFactory(ff.build))
	defer r.Close()

	descs := []DeviceDescriptor{
		{ReadingAddress: "127.0.0.1", ReadingPort: 5000, SendingAddress: "127.0.0.1", SendingPort: 6000},
		{ReadingAddress: "127.0.0.1", ReadingPort: 5001, SendingAddress: "127.0.0.1", SendingPort: 6001},
		{ReadingAddress: "127.0.0.1", ReadingPort: 5000, SendingAddress: "127.0.0.1", SendingPort: 6002},
	}
	err := r.Initialize(descs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Empty(t, ff.created)

	require.NoError(t, r.Initialize(descs[:2]))
	idx, ok := r.IndexOfEndpoint("127.0.0.1:5001")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	_, ok = r.IndexOfEndpoint("127.0.0.1:5002")
	assert.False(t, ok)
}

func TestRegistryIndexValidation(t *testing.T) {
	ff := &fakeFactory{failAt: -1}
	r := NewRegistry(testOptions(), WithConnectionFactory(ff.build))
	defer r.Close()
	require.NoError(t, r.Initialize(localDescriptors(2)))

	for _, idx := range []int{-1, 2, 100} {
		assert.False(t, r.IsConnected(idx))
		assert.True(t, errors.Is(r.InitConnection(idx), ErrInvalidIndex))
		assert.True(t, errors.Is(r.ApplyCommand(idx, CommandDisconnect), ErrInvalidIndex))
		assert.True(t, errors.Is(r.UpdateDelaySettings(idx, &settings.DelaySettings{}), ErrInvalidIndex))
		_, err := r.Stats(idx)
		assert.True(t, errors.Is(err, ErrInvalidIndex))
		_, ok := r.Descriptor(idx)
		assert.False(t, ok)
	}
}

func TestRegistryTagsEvents(t *testing.T) {
	ff := &fakeFactory{failAt: -1}
	r := NewRegistry(testOptions(), WithConnectionFactory(ff.build))
	defer r.Close()
	require.NoError(t, r.Initialize(localDescriptors(3)))

	require.NoError(t, r.InitConnection(2))
	require.NoError(t, r.InitConnection(0))

	seen := map[int]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-r.Events():
			assert.Equal(t, EventStatus, ev.Kind)
			seen[ev.Index] = true
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
		}
	}
	assert.Equal(t, map[int]bool{0: true, 2: true}, seen)

	require.NoError(t, r.UpdateColorSettings(2, settings.DefaultColorSettings()))
	assert.Len(t, ff.created[2].pushed, 1)
	assert.True(t, errors.Is(r.UpdateFiltersSettings(1, settings.DefaultFiltersSettings()), ErrNotConnected))
}

func TestRegistryCleanAndClose(t *testing.T) {
	ff := &fakeFactory{failAt: -1}
	r := NewRegistry(testOptions(), WithConnectionFactory(ff.build))

	r.Clean()
	require.NoError(t, r.Initialize(localDescriptors(2)))
	r.Clean()
	assert.Equal(t, 0, r.DeviceCount())
	for _, c := range ff.created {
		assert.True(t, c.cleaned)
	}
	r.Clean()

	require.NoError(t, r.Initialize(localDescriptors(1)))
	r.Close()
	_, ok := <-r.Events()
	assert.False(t, ok)
	assert.True(t, errors.Is(r.Initialize(localDescriptors(1)), ErrClosed))
	r.Close()
}

func TestRegistryPartialBroadcast(t *testing.T) {
	online := startSimulator(t, grabber.Options{})
	offline := startSimulator(t, grabber.Options{IgnoreHandshake: true})

	local := source.NewManual()
	factory := func(desc DeviceDescriptor, opts Options) (Connection, error) {
		if desc.Local {
			return NewLocalConnection(local, opts), nil
		}
		return DefaultConnectionFactory(desc, opts)
	}

	r := NewRegistry(testOptions(), WithConnectionFactory(factory))
	defer r.Close()
	require.NoError(t, r.Initialize([]DeviceDescriptor{
		{Local: true, ReadingInterface: -1},
		remoteDescriptor(1, online),
		remoteDescriptor(2, offline),
	}))

	require.NoError(t, r.InitConnectionAll())
	require.Eventually(t, func() bool {
		return r.IsConnected(0) && r.IsConnected(1)
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, r.IsConnected(2))

	err := r.ApplyCommandAll(CommandDisconnect)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrNotConnected))

	assert.False(t, r.IsConnected(0))
	assert.False(t, r.IsConnected(1))
	require.Eventually(t, func() bool {
		for _, m := range online.Received() {
			if m == protocol.MsgDisconnect {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}
