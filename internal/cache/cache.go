// Package cache holds the most recent frame of every device. Producers write
// from their own goroutines while a single consumer reads; each device slot
// has its own lock so one device never stalls another.
package cache

import (
	"context"
	"sync"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/util"
	"golang.org/x/sync/semaphore"
)

// SlotStats are the counters of one device slot.
type SlotStats struct {
	Stored             uint64 `json:"stored"`
	Regressions        uint64 `json:"regressions"`
	Compressed         uint64 `json:"compressed"`
	DecompressFailures uint64 `json:"decompress_failures"`
	Skipped            uint64 `json:"skipped"`
}

// Options configure a Cache.
type Options struct {
	// DecompressWorkers caps concurrent decompressions across all slots.
	// Zero or less means one per slot.
	DecompressWorkers int
}

type slot struct {
	mu      sync.Mutex
	current *frame.Frame
	pending *frame.CompressedFrame
	stats   SlotStats
	wake    chan struct{}
}

// Cache is the per-device frame store.
type Cache struct {
	opts Options

	// guards the slot slice, not slot contents
	mu     sync.RWMutex
	slots  []*slot
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty cache. Call Initialize before use.
func New(opts Options) *Cache {
	return &Cache{opts: opts}
}

// Initialize sizes the cache to count slots and starts their decompression
// workers. Frames stored before the call are dropped.
func (c *Cache) Initialize(count int) {
	c.Clean()
	if count <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	workers := c.opts.DecompressWorkers
	if workers <= 0 || workers > count {
		workers = count
	}
	sem := semaphore.NewWeighted(int64(workers))

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.slots = make([]*slot, count)
	for i := range c.slots {
		s := &slot{wake: make(chan struct{}, 1)}
		c.slots[i] = s
		c.wg.Add(1)
		go c.decompressLoop(ctx, i, s, sem)
	}
}

// Clean stops the workers and drops every slot. It is safe on an empty cache.
func (c *Cache) Clean() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.slots = nil
	c.mu.Unlock()

	c.wg.Wait()
}

// Size returns the number of slots.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}

func (c *Cache) slot(index int) *slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.slots) {
		return nil
	}
	return c.slots[index]
}

// NewFrame makes f the current frame of index unless f is older than the
// current one. It reports whether f was stored.
func (c *Cache) NewFrame(index int, f *frame.Frame) bool {
	s := c.slot(index)
	if s == nil || f == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(f)
}

func (s *slot) store(f *frame.Frame) bool {
	if s.current != nil && f.CaptureID < s.current.CaptureID {
		s.stats.Regressions++
		return false
	}
	s.current = f
	s.stats.Stored++
	return true
}

// NewCompressedFrame queues cf for decompression on the slot's worker. A
// payload still waiting when a newer one arrives is skipped.
func (c *Cache) NewCompressedFrame(index int, cf *frame.CompressedFrame) bool {
	s := c.slot(index)
	if s == nil || cf == nil {
		return false
	}
	s.mu.Lock()
	if s.pending != nil {
		s.stats.Skipped++
	}
	s.pending = cf
	s.stats.Compressed++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Cache) decompressLoop(ctx context.Context, index int, s *slot, sem *semaphore.Weighted) {
	defer c.wg.Done()
	logger := util.DeviceLogger(index)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		cf := s.pending
		s.pending = nil
		s.mu.Unlock()
		if cf == nil {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		f, err := cf.Decompress()
		sem.Release(1)

		s.mu.Lock()
		if err != nil {
			s.stats.DecompressFailures++
		} else {
			s.store(f)
		}
		s.mu.Unlock()

		if err != nil {
			logger.Warn("Dropping undecodable frame", "capture_id", cf.CaptureID, "error", err)
		}
	}
}

// Frame returns the current frame of index, or nil when nothing was stored
// yet or the index is out of range.
func (c *Cache) Frame(index int) *frame.Frame {
	s := c.slot(index)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stats returns the counters of index.
func (c *Cache) Stats(index int) (SlotStats, bool) {
	s := c.slot(index)
	if s == nil {
		return SlotStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, true
}
