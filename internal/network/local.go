package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/protocol"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/source"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/pkg/errors"
)

// LocalConnection wraps an in-process frame source. Commands and settings
// are applied synchronously; frames cross from the source's capture
// goroutine to the connection's forwarding goroutine.
type LocalConnection struct {
	src  source.Source
	opts Options

	mu          sync.Mutex
	desc        DeviceDescriptor
	initialized bool
	cleaned     bool
	subID       string

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sink      *eventSink
	cleanOnce sync.Once

	framesReceived atomic.Uint64
	regressions    atomic.Uint64
	feedback       atomic.Uint64
	lastReceive    atomic.Int64
}

// NewLocalConnection creates a connection around src.
func NewLocalConnection(src source.Source, opts Options) *LocalConnection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalConnection{
		src:    src,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		sink:   newEventSink(ctx, opts.EventBuffer),
	}
}

func (c *LocalConnection) Initialize(desc DeviceDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cleaned {
		return ErrClosed
	}
	if c.initialized {
		return errors.Errorf("local device %d already initialized", desc.Index)
	}
	if c.src == nil {
		return errors.Wrapf(ErrConfig, "local device %d has no frame source", desc.Index)
	}

	c.desc = desc
	c.subID = fmt.Sprintf("device-%d", desc.Index)
	frames := c.src.Subscribe(c.subID, c.opts.EventBuffer)
	if err := c.src.Start(c.ctx); err != nil {
		c.src.Unsubscribe(c.subID)
		return errors.Wrapf(err, "failed to start frame source for device %d", desc.Index)
	}

	c.wg.Add(1)
	go c.forward(frames)

	c.initialized = true
	util.DeviceLogger(desc.Index).Debug("Local device initialized")
	return nil
}

func (c *LocalConnection) forward(frames <-chan *frame.Frame) {
	defer c.wg.Done()

	var (
		lastID  int64
		hasLast bool
	)
	for {
		select {
		case <-c.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if !c.connected.Load() {
				continue
			}
			if hasLast && f.CaptureID <= lastID {
				c.regressions.Add(1)
				continue
			}
			lastID, hasLast = f.CaptureID, true
			c.framesReceived.Add(1)
			c.lastReceive.Store(time.Now().UnixNano())
			c.sink.offer(Event{Kind: EventFrame, Index: c.desc.Index, Frame: f})
		}
	}
}

func (c *LocalConnection) ready() error {
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

func (c *LocalConnection) InitConnection() error {
	if err := c.ready(); err != nil {
		return err
	}
	if c.connected.Swap(true) {
		return nil
	}

	util.DeviceLogger(c.desc.Index).Info("Local device connected")
	c.emitFeedback(protocol.MsgConnectionInit, protocol.OutcomeMessageReceived)
	c.sink.send(Event{Kind: EventStatus, Index: c.desc.Index, Connected: true})
	return nil
}

func (c *LocalConnection) ApplyCommand(cmd Command) error {
	if err := c.ready(); err != nil {
		return err
	}
	if !c.connected.Load() {
		return errors.Wrapf(ErrNotConnected, "device %d: %s", c.desc.Index, cmd)
	}

	logger := util.DeviceLogger(c.desc.Index)
	if !cmd.EndsSession() {
		logger.Debug("Command has no effect on a local device", "command", cmd.String())
		c.emitFeedback(cmd.MessageType(), protocol.OutcomeMessageReceived)
		return nil
	}

	if c.connected.Swap(false) {
		logger.Info("Local device disconnected", "command", cmd.String())
		c.sink.send(Event{Kind: EventStatus, Index: c.desc.Index, Connected: false})
	}
	return nil
}

func (c *LocalConnection) PushSettings(rec settings.Record) error {
	if err := c.ready(); err != nil {
		return err
	}
	if !c.connected.Load() {
		return errors.Wrapf(ErrNotConnected, "device %d: %s settings", c.desc.Index, rec.Kind())
	}
	msgType, ok := protocol.SettingsType(rec.Kind())
	if !ok {
		return errors.Errorf("%s settings are not pushed to devices", rec.Kind())
	}

	if err := c.src.ApplySettings(rec); err != nil {
		c.emitFeedback(msgType, protocol.OutcomeError)
		return errors.Wrapf(err, "device %d: failed to apply %s settings", c.desc.Index, rec.Kind())
	}
	c.emitFeedback(msgType, protocol.OutcomeMessageReceived)
	return nil
}

func (c *LocalConnection) emitFeedback(t protocol.MessageType, outcome protocol.FeedbackOutcome) {
	c.feedback.Add(1)
	c.sink.send(Event{
		Kind:     EventFeedback,
		Index:    c.desc.Index,
		Feedback: protocol.Feedback{ReceivedType: t, Outcome: outcome},
	})
}

func (c *LocalConnection) IsConnected() bool {
	return c.connected.Load()
}

func (c *LocalConnection) Events() <-chan Event {
	return c.sink.ch
}

func (c *LocalConnection) Stats() ConnectionStats {
	stats := ConnectionStats{
		Connected:        c.connected.Load(),
		FramesReceived:   c.framesReceived.Load(),
		FramesDropped:    c.sink.dropped.Load(),
		Regressions:      c.regressions.Load(),
		FeedbackReceived: c.feedback.Load(),
	}
	if ns := c.lastReceive.Load(); ns != 0 {
		stats.LastReceive = time.Unix(0, ns)
	}
	return stats
}

func (c *LocalConnection) Clean() {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaned = true
		initialized := c.initialized
		c.mu.Unlock()

		c.connected.Store(false)
		c.cancel()
		if initialized {
			c.src.Unsubscribe(c.subID)
			if err := c.src.Stop(); err != nil {
				util.DeviceLogger(c.desc.Index).Warn("Failed to stop frame source", "error", err)
			}
		}
		c.wg.Wait()
		c.sink.close()
	})
}
