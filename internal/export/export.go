// Package export is the handle based consumer API. Every function takes a
// Handle returned by Create and reports failure with a sentinel value
// instead of an error; the cause is logged where it happens.
package export

import (
	"sync"

	"github.com/babelcloud/depthstream/config"
	"github.com/babelcloud/depthstream/internal/player"
	"github.com/babelcloud/depthstream/internal/util"
)

// Handle identifies a player created by Create. Zero is never valid.
type Handle uint64

type entry struct {
	// serializes callers sharing one handle
	mu     sync.Mutex
	player *player.Player
}

var (
	mu      sync.Mutex
	next    Handle
	players = map[Handle]*entry{}
)

// Create makes a new uninitialized player configured from config.
func Create() Handle {
	return CreateWithOptions(config.PlayerOptions())
}

// CreateWithOptions makes a player with explicit options.
func CreateWithOptions(opts player.Options) Handle {
	p := player.New(opts)

	mu.Lock()
	defer mu.Unlock()
	next++
	players[next] = &entry{player: p}
	util.GetLogger().Debug("Player created", "handle", uint64(next))
	return next
}

// Destroy stops and releases the player. Unknown handles are ignored.
func Destroy(h Handle) {
	mu.Lock()
	e, ok := players[h]
	delete(players, h)
	mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.player.Close()
	util.GetLogger().Debug("Player destroyed", "handle", uint64(h))
}

// with runs fn on the player of h while holding its lock.
func with(h Handle, fn func(p *player.Player)) bool {
	mu.Lock()
	e, ok := players[h]
	mu.Unlock()
	if !ok {
		util.GetLogger().Warn("Unknown player handle", "handle", uint64(h))
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.player)
	return true
}

// Initialize loads the network config at path and binds the devices.
func Initialize(h Handle, path string) bool {
	var err error
	if !with(h, func(p *player.Player) { err = p.Initialize(path) }) {
		return false
	}
	return err == nil
}

// ConnectToDevices starts the handshake with every device.
func ConnectToDevices(h Handle) bool {
	var err error
	if !with(h, func(p *player.Player) { err = p.ConnectToDevices() }) {
		return false
	}
	return err == nil
}

// DisconnectFromDevices asks every connected device to disconnect.
func DisconnectFromDevices(h Handle) bool {
	var err error
	if !with(h, func(p *player.Player) { err = p.DisconnectFromDevices() }) {
		return false
	}
	return err == nil
}

func StartReading(h Handle) {
	with(h, func(p *player.Player) { p.StartReading() })
}

func StopReading(h Handle) {
	with(h, func(p *player.Player) { p.StopReading() })
}

// Update drains feedback and refreshes the current frames.
func Update(h Handle) {
	with(h, func(p *player.Player) { p.Update() })
}

// DeviceCount returns the number of devices, or -1 for an unknown handle.
func DeviceCount(h Handle) int {
	n := -1
	with(h, func(p *player.Player) { n = p.DeviceCount() })
	return n
}

func IsDeviceConnected(h Handle, index int) bool {
	var connected bool
	with(h, func(p *player.Player) { connected = p.IsConnected(index) })
	return connected
}

// CurrentFrameID returns 0 when there is no frame.
func CurrentFrameID(h Handle, index int) int64 {
	var id int64
	with(h, func(p *player.Player) { id = p.CurrentFrameID(index) })
	return id
}

// CurrentFrameCloudSize returns 0 when there is no frame.
func CurrentFrameCloudSize(h Handle, index int) int {
	var n int
	with(h, func(p *player.Player) { n = p.CurrentFrameCloudSize(index) })
	return n
}

// CopyCurrentFrameVertices fills buf and returns the number of vertices
// written.
func CopyCurrentFrameVertices(h Handle, index int, buf []player.Vertex) int {
	var n int
	with(h, func(p *player.Player) { n = p.CopyCurrentFrameVertices(index, buf) })
	return n
}

// CopyDeviceModelTransform writes the row-major model matrix of a
// device into out.
func CopyDeviceModelTransform(h Handle, index int, out *[16]float32) bool {
	if out == nil {
		return false
	}
	var ok bool
	with(h, func(p *player.Player) {
		if index < 0 || index >= p.DeviceCount() {
			util.DeviceLogger(index).Warn("Model transform requested for invalid index")
			return
		}
		*out = p.DeviceModelTransform(index)
		ok = true
	})
	return ok
}

func UpdateDeviceSettings(h Handle, path string) bool {
	return updateSettings(h, path, (*player.Player).UpdateDeviceSettings)
}

func UpdateColorSettings(h Handle, path string) bool {
	return updateSettings(h, path, (*player.Player).UpdateColorSettings)
}

func UpdateFiltersSettings(h Handle, path string) bool {
	return updateSettings(h, path, (*player.Player).UpdateFiltersSettings)
}

func UpdateModelSettings(h Handle, path string) bool {
	return updateSettings(h, path, (*player.Player).UpdateModelSettings)
}

func updateSettings(h Handle, path string, fn func(*player.Player, string) error) bool {
	var err error
	if !with(h, func(p *player.Player) { err = fn(p, path) }) {
		return false
	}
	return err == nil
}
