package source

import (
	"sync"
	"sync/atomic"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/util"
)

// Pipeline fans captured frames out to subscribers.
type Pipeline struct {
	mu      sync.RWMutex
	subs    map[string]chan *frame.Frame
	dropped atomic.Uint64
}

// NewPipeline creates a new pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		subs: make(map[string]chan *frame.Frame),
	}
}

// Subscribe adds a frame subscriber.
func (p *Pipeline) Subscribe(id string, bufferSize int) <-chan *frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, exists := p.subs[id]; exists {
		close(old)
	}
	ch := make(chan *frame.Frame, bufferSize)
	p.subs[id] = ch
	util.GetLogger().Debug("Frame subscriber added", "id", id, "total", len(p.subs))
	return ch
}

// Unsubscribe removes a frame subscriber.
func (p *Pipeline) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, exists := p.subs[id]; exists {
		close(ch)
		delete(p.subs, id)
		util.GetLogger().Debug("Frame subscriber removed", "id", id, "total", len(p.subs))
	}
}

// Publish sends a frame to every subscriber without blocking. Subscribers
// whose buffer is full miss the frame.
func (p *Pipeline) Publish(f *frame.Frame) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for id, ch := range p.subs {
		select {
		case ch <- f:
		default:
			p.dropped.Add(1)
			util.GetLogger().Debug("Frame channel full, dropping frame", "subscriber", id, "capture_id", f.CaptureID)
		}
	}
}

// Close removes every subscriber.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
}

// Dropped returns how many frame deliveries were skipped.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}
