package player

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/grabber"
	"github.com/babelcloud/depthstream/internal/network"
	"github.com/babelcloud/depthstream/internal/protocol"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/source"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type harness struct {
	t      *testing.T
	player *Player
	local  *source.Manual
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Network.HandshakeInterval = 20 * time.Millisecond
	opts.Network.HandshakeTimeout = 2 * time.Second
	opts.Network.ConnectionTimeout = 0
	opts.Network.ReadTimeout = 20 * time.Millisecond
	return opts
}

func newHarness(t *testing.T, opts Options) *harness {
	h := &harness{t: t, local: source.NewManual()}
	opts.Factory = func(desc network.DeviceDescriptor, netOpts network.Options) (network.Connection, error) {
		if desc.Local {
			return network.NewLocalConnection(h.local, netOpts), nil
		}
		return network.DefaultConnectionFactory(desc, netOpts)
	}
	h.player = New(opts)
	t.Cleanup(h.player.Close)
	return h
}

func startSimulator(t *testing.T, opts grabber.Options) *grabber.Simulator {
	t.Helper()
	sim := grabber.NewSimulator(opts)
	require.NoError(t, sim.Start(context.Background()))
	t.Cleanup(sim.Stop)
	return sim
}

func remoteLine(sim *grabber.Simulator) string {
	return fmt.Sprintf("remote 127.0.0.1 0 localhost %d", sim.Port())
}

func writeConfig(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "network.cfg")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func (h *harness) waitConnected(indices ...int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, i := range indices {
			if !h.player.IsConnected(i) {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func (h *harness) waitFrameIDs(want map[int]int64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.player.Update()
		for i, id := range want {
			if h.player.CurrentFrameID(i) != id {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPlayerLocalAndRemoteScenario(t *testing.T) {
	sim := startSimulator(t, grabber.Options{})
	h := newHarness(t, testOptions())
	p := h.player

	require.NoError(t, p.Initialize(writeConfig(t, "local", remoteLine(sim))))
	assert.Equal(t, 2, p.DeviceCount())
	assert.Equal(t, StateIdle, p.DeviceState(1))

	require.NoError(t, p.ConnectToDevices())
	assert.True(t, p.IsConnected(0))
	h.waitConnected(1)
	require.Eventually(t, func() bool {
		return p.DeviceState(0) == StateConnected && p.DeviceState(1) == StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	p.StartReading()
	require.True(t, h.local.Push(&frame.Frame{CaptureID: 5}))
	require.NoError(t, sim.SendFrame(&frame.Frame{
		CaptureID: 7,
		Cloud:     frame.Cloud{Positions: make([]frame.Vec3, 32)},
	}))

	h.waitFrameIDs(map[int]int64{0: 5, 1: 7})
	assert.Equal(t, 32, p.CurrentFrameCloudSize(1))
	assert.Equal(t, 0, p.CurrentFrameCloudSize(0))

	stats := p.Stats()
	require.Len(t, stats.Devices, 2)
	assert.True(t, stats.Reading)
	assert.Equal(t, int64(7), stats.Devices[1].FrameID)
	assert.True(t, stats.Devices[0].Descriptor.Local)
	assert.False(t, stats.Devices[1].Descriptor.Local)
	assert.Equal(t, sim.Port(), stats.Devices[1].Descriptor.SendingPort)
	assert.Equal(t, "connected", stats.Devices[1].State)
	assert.GreaterOrEqual(t, stats.Devices[1].Connection.FramesReceived, uint64(1))

	require.NoError(t, p.DisconnectFromDevices())
	assert.False(t, p.IsConnected(0))
	assert.False(t, p.IsConnected(1))
	require.Eventually(t, func() bool {
		return p.DeviceState(0) == StateIdle && p.DeviceState(1) == StateIdle
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPlayerInitializeFailures(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.player

	tests := []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"missing file", filepath.Join(t.TempDir(), "nope.cfg")},
		{"no devices", writeConfig(t, "# nothing here")},
		{"bad line", writeConfig(t, "remote x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Initialize(tt.path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, network.ErrConfig), "got %v", err)
			assert.Equal(t, 0, p.DeviceCount())
		})
	}

	// still usable afterwards
	require.NoError(t, p.Initialize(writeConfig(t, "local")))
	assert.Equal(t, 1, p.DeviceCount())
	assert.Equal(t, StateIdle, p.DeviceState(0))

	p.Clean()
	assert.Equal(t, 0, p.DeviceCount())
	assert.Equal(t, StateUninitialized, p.DeviceState(0))
	p.Clean()
}

func TestPlayerIndexSafety(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.player
	require.NoError(t, p.Initialize(writeConfig(t, "local")))

	buf := make([]Vertex, 8)
	for _, idx := range []int{-1, 1, 42} {
		assert.False(t, p.IsConnected(idx))
		assert.Nil(t, p.CurrentFrame(idx))
		assert.Equal(t, int64(0), p.CurrentFrameID(idx))
		assert.Equal(t, 0, p.CurrentFrameCloudSize(idx))
		assert.Equal(t, 0, p.CopyCurrentFrameVertices(idx, buf))
		assert.Equal(t, settings.IdentityTransform, p.DeviceModelTransform(idx))
		assert.Equal(t, StateUninitialized, p.DeviceState(idx))

		err := p.UpdateDelay(idx, &settings.DelaySettings{DelayMs: 3})
		assert.True(t, errors.Is(err, network.ErrInvalidIndex))
		_, ok := p.LastFeedback(idx)
		assert.False(t, ok)
	}
	assert.Equal(t, 0, p.CopyCurrentFrameVertices(0, buf))
}

func TestPlayerCopyVertices(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.player
	require.NoError(t, p.Initialize(writeConfig(t, "local")))
	require.NoError(t, p.ConnectToDevices())
	p.StartReading()

	f := &frame.Frame{CaptureID: 1}
	for i := 0; i < 10; i++ {
		f.Cloud.Positions = append(f.Cloud.Positions, frame.Vec3{float32(i), 1, 2})
		f.Cloud.Colors = append(f.Cloud.Colors, frame.Vec3{1, 0.5, -1})
	}
	require.True(t, h.local.Push(f))
	h.waitFrameIDs(map[int]int64{0: 1})

	sentinel := Vertex{Position: [3]float32{-7, -7, -7}}
	tests := []struct {
		name string
		size int
		want int
	}{
		{"smaller buffer", 4, 4},
		{"exact buffer", 10, 10},
		{"larger buffer", 16, 10},
		{"empty buffer", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]Vertex, tt.size)
			for i := range dst {
				dst[i] = sentinel
			}
			require.Equal(t, tt.want, p.CopyCurrentFrameVertices(0, dst))
			for i := 0; i < tt.want; i++ {
				assert.Equal(t, [3]float32{float32(i), 1, 2}, dst[i].Position)
				assert.Equal(t, [3]uint8{255, 128, 0}, dst[i].Color)
			}
			for i := tt.want; i < tt.size; i++ {
				assert.Equal(t, sentinel, dst[i])
			}
		})
	}
}

func TestPlayerFirstFrameWithZeroCaptureID(t *testing.T) {
	sim := startSimulator(t, grabber.Options{})
	h := newHarness(t, testOptions())
	p := h.player
	require.NoError(t, p.Initialize(writeConfig(t, "local", remoteLine(sim))))
	require.NoError(t, p.ConnectToDevices())
	h.waitConnected(0, 1)
	p.StartReading()

	cloud := frame.Cloud{Positions: []frame.Vec3{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}}
	require.True(t, h.local.Push(&frame.Frame{CaptureID: 0, Cloud: cloud}))
	require.NoError(t, sim.SendFrame(&frame.Frame{CaptureID: 0, Cloud: cloud}))

	require.Eventually(t, func() bool {
		p.Update()
		return p.CurrentFrame(0) != nil && p.CurrentFrame(1) != nil
	}, 3*time.Second, 10*time.Millisecond)

	for _, index := range []int{0, 1} {
		t.Run(fmt.Sprintf("device %d", index), func(t *testing.T) {
			assert.Equal(t, int64(0), p.CurrentFrameID(index))
			assert.Equal(t, 3, p.CurrentFrameCloudSize(index))
			dst := make([]Vertex, 3)
			require.Equal(t, 3, p.CopyCurrentFrameVertices(index, dst))
			assert.Equal(t, [3]float32{7, 8, 9}, dst[2].Position)
		})
	}

	// a repeated zero is a regression, the next id is not
	require.True(t, h.local.Push(&frame.Frame{CaptureID: 0}))
	require.True(t, h.local.Push(&frame.Frame{CaptureID: 1, Cloud: cloud}))
	h.waitFrameIDs(map[int]int64{0: 1})
	assert.Equal(t, 3, p.CurrentFrameCloudSize(0))
}

func TestPlayerCopyVerticesParallel(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.player
	require.NoError(t, p.Initialize(writeConfig(t, "local")))
	require.NoError(t, p.ConnectToDevices())
	p.StartReading()

	n := parallelCopyThreshold + vertexChunkSize/2 + 3
	f := &frame.Frame{CaptureID: 2, Cloud: frame.Cloud{Positions: make([]frame.Vec3, n)}}
	for i := range f.Cloud.Positions {
		f.Cloud.Positions[i] = frame.Vec3{float32(i), float32(-i), 0}
	}
	require.True(t, h.local.Push(f))
	h.waitFrameIDs(map[int]int64{0: 2})

	for round := 0; round < 2; round++ {
		dst := make([]Vertex, n+5)
		require.Equal(t, n, p.CopyCurrentFrameVertices(0, dst))
		for i := 0; i < n; i++ {
			if dst[i].Position != [3]float32{float32(i), float32(-i), 0} || dst[i].Color != [3]uint8{255, 255, 255} {
				t.Fatalf("vertex %d: got %+v", i, dst[i])
			}
		}
		assert.Equal(t, Vertex{}, dst[n])
	}

	// the worker group and chunk list are kept for the next tick
	c := p.copiers[0]
	require.NotNil(t, c)
	assert.Len(t, c.spans, (n+vertexChunkSize-1)/vertexChunkSize)
	dst := make([]Vertex, n)
	require.Equal(t, n, p.CopyCurrentFrameVertices(0, dst))
	assert.Same(t, c, p.copiers[0])
	assert.Equal(t, [3]float32{float32(n - 1), float32(1 - n), 0}, dst[n-1].Position)
}

func TestPlayerReadingGate(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.player
	require.NoError(t, p.Initialize(writeConfig(t, "local")))
	require.NoError(t, p.ConnectToDevices())
	assert.False(t, p.IsReading())

	require.True(t, h.local.Push(&frame.Frame{CaptureID: 3}))
	require.Eventually(t, func() bool {
		return p.Stats().EventsIgnored == 1
	}, 3*time.Second, 10*time.Millisecond)
	p.Update()
	assert.Equal(t, int64(0), p.CurrentFrameID(0))

	p.StartReading()
	require.True(t, h.local.Push(&frame.Frame{CaptureID: 8}))
	h.waitFrameIDs(map[int]int64{0: 8})

	// older captures never replace the current frame
	require.True(t, h.local.Push(&frame.Frame{CaptureID: 6}))
	require.True(t, h.local.Push(&frame.Frame{CaptureID: 9}))
	h.waitFrameIDs(map[int]int64{0: 9})

	p.StopReading()
	require.True(t, h.local.Push(&frame.Frame{CaptureID: 12}))
	require.Eventually(t, func() bool {
		return p.Stats().EventsIgnored >= 2
	}, 3*time.Second, 10*time.Millisecond)
	p.Update()
	assert.Equal(t, int64(9), p.CurrentFrameID(0))
}

func TestPlayerPartialBroadcast(t *testing.T) {
	deaf := startSimulator(t, grabber.Options{IgnoreHandshake: true})
	online := startSimulator(t, grabber.Options{})

	opts := testOptions()
	opts.Network.HandshakeTimeout = 300 * time.Millisecond
	h := newHarness(t, opts)
	p := h.player
	require.NoError(t, p.Initialize(writeConfig(t, "local", remoteLine(deaf), remoteLine(online))))
	require.Equal(t, 3, p.DeviceCount())

	require.NoError(t, p.ConnectToDevices())
	h.waitConnected(0, 2)
	assert.False(t, p.IsConnected(1))
	require.Eventually(t, func() bool {
		return p.DeviceState(1) == StateIdle
	}, 3*time.Second, 10*time.Millisecond)

	err := p.ShutdownDevices()
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 1)
	assert.True(t, errors.Is(err, network.ErrNotConnected))
	require.Eventually(t, func() bool {
		for _, m := range online.Received() {
			if m == protocol.MsgShutdown {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPlayerDelayRoundTrip(t *testing.T) {
	sim := startSimulator(t, grabber.Options{})
	h := newHarness(t, testOptions())
	p := h.player
	require.NoError(t, p.Initialize(writeConfig(t, remoteLine(sim))))

	require.NoError(t, p.UpdateDelay(0, &settings.DelaySettings{DelayMs: 11}))
	assert.Nil(t, sim.Applied(settings.KindDelay))
	rec, ok := p.Settings(settings.KindDelay, 0)
	require.True(t, ok)
	assert.Equal(t, &settings.DelaySettings{DelayMs: 11}, rec)

	require.NoError(t, p.ConnectToDevices())
	h.waitConnected(0)

	var fbs []protocol.Feedback
	p.SetFeedbackHandler(func(index int, fb protocol.Feedback) {
		assert.Equal(t, 0, index)
		fbs = append(fbs, fb)
	})

	want := &settings.DelaySettings{DelayMs: 42}
	require.NoError(t, p.UpdateDelay(0, want))
	require.Eventually(t, func() bool {
		p.Update()
		fb, ok := p.LastFeedback(0)
		return ok && fb.ReceivedType == protocol.MsgDelaySettings
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, want, sim.Applied(settings.KindDelay))
	assert.Contains(t, fbs, protocol.Feedback{ReceivedType: protocol.MsgDelaySettings, Outcome: protocol.OutcomeMessageReceived})
	assert.Contains(t, fbs, protocol.Feedback{ReceivedType: protocol.MsgConnectionInit, Outcome: protocol.OutcomeMessageReceived})
}

func TestPlayerResyncOnConnect(t *testing.T) {
	tests := []struct {
		name   string
		resync bool
	}{
		{"disabled", false},
		{"enabled", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := startSimulator(t, grabber.Options{})
			opts := testOptions()
			opts.ResyncOnConnect = tt.resync
			h := newHarness(t, opts)
			p := h.player
			require.NoError(t, p.Initialize(writeConfig(t, remoteLine(sim))))
			require.NoError(t, p.UpdateDelay(0, &settings.DelaySettings{DelayMs: 5}))

			require.NoError(t, p.ConnectToDevices())
			h.waitConnected(0)

			if !tt.resync {
				for i := 0; i < 10; i++ {
					p.Update()
					time.Sleep(10 * time.Millisecond)
				}
				assert.Nil(t, sim.Applied(settings.KindDelay))
				assert.Nil(t, sim.Applied(settings.KindDevice))
				return
			}

			require.Eventually(t, func() bool {
				p.Update()
				return sim.Applied(settings.KindDelay) != nil
			}, 3*time.Second, 10*time.Millisecond)
			assert.Equal(t, &settings.DelaySettings{DelayMs: 5}, sim.Applied(settings.KindDelay))
			assert.Equal(t, settings.DefaultDeviceSettings(), sim.Applied(settings.KindDevice))
			assert.Equal(t, settings.DefaultColorSettings(), sim.Applied(settings.KindColor))
			assert.Equal(t, settings.DefaultFiltersSettings(), sim.Applied(settings.KindFilters))
		})
	}
}

func TestPlayerSettingsFiles(t *testing.T) {
	sim := startSimulator(t, grabber.Options{})
	h := newHarness(t, testOptions())
	p := h.player

	assert.Error(t, p.UpdateColorSettings("whatever.toml"))

	require.NoError(t, p.Initialize(writeConfig(t, "local", remoteLine(sim))))
	require.NoError(t, p.ConnectToDevices())
	h.waitConnected(0, 1)

	dir := t.TempDir()

	model := settings.DefaultModelSettings()
	model.Transform[3] = 1.5
	modelPath := filepath.Join(dir, "model.toml")
	require.NoError(t, settings.SaveAllToFile(modelPath, []settings.Record{model}))
	require.NoError(t, p.UpdateModelSettings(modelPath))
	assert.Equal(t, model.Transform, p.DeviceModelTransform(0))
	assert.Equal(t, settings.IdentityTransform, p.DeviceModelTransform(1))
	assert.Nil(t, sim.Applied(settings.KindModel))

	color0, color1 := settings.DefaultColorSettings(), settings.DefaultColorSettings()
	color0.Brightness = 10
	color1.Brightness = 20
	colorPath := filepath.Join(dir, "color.bin")
	require.NoError(t, settings.SaveAllToFile(colorPath, []settings.Record{color0, color1}))
	require.NoError(t, p.UpdateColorSettings(colorPath))

	assert.Equal(t, color0, h.local.Applied(settings.KindColor))
	require.Eventually(t, func() bool {
		return sim.Applied(settings.KindColor) != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, color1, sim.Applied(settings.KindColor))

	err := p.UpdateFiltersSettings(colorPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, settings.ErrConfig))
	assert.Error(t, p.UpdateDeviceSettings(filepath.Join(dir, "missing.toml")))
}
