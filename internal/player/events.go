package player

import (
	"github.com/babelcloud/depthstream/internal/network"
	"github.com/babelcloud/depthstream/internal/util"
)

// consumeEvents routes registry events until the registry is closed. Frames
// only reach the cache while reading; feedback is queued for Update.
func (p *Player) consumeEvents() {
	defer close(p.eventsDone)

	for ev := range p.registry.Events() {
		switch ev.Kind {
		case network.EventFrame:
			if !p.reading.Load() || !p.cache.NewFrame(ev.Index, ev.Frame) {
				p.ignored.Add(1)
			}

		case network.EventCompressedFrame:
			if !p.reading.Load() || !p.cache.NewCompressedFrame(ev.Index, ev.Compressed) {
				p.ignored.Add(1)
			}

		case network.EventFeedback:
			p.received.Add(1)
			p.fbMu.Lock()
			p.fbQueue = append(p.fbQueue, indexedFeedback{index: ev.Index, feedback: ev.Feedback})
			p.fbMu.Unlock()

		case network.EventStatus:
			state := StateIdle
			if ev.Connected {
				state = StateConnected
			}
			p.setState(ev.Index, state)
			util.DeviceLogger(ev.Index).Info("Device state changed", "state", state.String())
		}
	}
}
