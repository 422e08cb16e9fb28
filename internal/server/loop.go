package server

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/babelcloud/depthstream/internal/pipeline"
	"github.com/babelcloud/depthstream/internal/player"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/pkg/errors"
)

// ErrLoopStopped is returned by Do once the loop has exited.
var ErrLoopStopped = errors.New("consumer loop stopped")

// Tick is the snapshot published after every Update.
type Tick struct {
	Seq    uint64       `json:"seq"`
	Time   time.Time    `json:"time"`
	Player player.Stats `json:"player"`
}

type operation struct {
	fn   func(*player.Player) error
	done chan error
}

// Loop is the only goroutine that touches the player once it runs. Other
// goroutines reach the player through Do.
type Loop struct {
	player      *player.Player
	interval    time.Duration
	broadcaster *pipeline.Broadcaster

	ops     chan operation
	started atomic.Bool
	stopped chan struct{}
	seq     atomic.Uint64
}

// NewLoop creates a loop ticking p every interval and publishing snapshots
// to b. A nil b disables publishing.
func NewLoop(p *player.Player, interval time.Duration, b *pipeline.Broadcaster) *Loop {
	if interval <= 0 {
		interval = player.DefaultOptions().TickInterval
	}
	return &Loop{
		player:      p,
		interval:    interval,
		broadcaster: b,
		ops:         make(chan operation),
		stopped:     make(chan struct{}),
	}
}

// Run ticks until ctx is done. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("consumer loop already running")
	}
	defer close(l.stopped)

	logger := util.GetLogger()
	logger.Info("Consumer loop started", "interval", l.interval.String())

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Consumer loop stopped", "ticks", l.seq.Load())
			return nil
		case op := <-l.ops:
			op.done <- op.fn(l.player)
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	l.player.Update()
	if l.broadcaster == nil {
		return
	}

	t := Tick{
		Seq:    l.seq.Add(1),
		Time:   time.Now(),
		Player: l.player.Stats(),
	}
	data, err := json.Marshal(t)
	if err != nil {
		util.GetLogger().Error("Failed to encode tick", "error", err)
		return
	}
	l.broadcaster.Broadcast(data)
}

// Do runs fn on the loop goroutine between ticks and returns its error.
func (l *Loop) Do(ctx context.Context, fn func(*player.Player) error) error {
	op := operation{fn: fn, done: make(chan error, 1)}
	select {
	case l.ops <- op:
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-op.done
}

// Ticks returns the number of published snapshots.
func (l *Loop) Ticks() uint64 {
	return l.seq.Load()
}
