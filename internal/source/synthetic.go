package source

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/pkg/errors"
)

// Synthetic generates a colored, slowly waving point grid.
type Synthetic struct {
	*Pipeline

	mu      sync.RWMutex
	width   int
	height  int
	fps     int
	delay   time.Duration
	applied map[settings.Kind]settings.Record
	nextID  int64
	cancel  context.CancelFunc
	done    chan struct{}
	name    string
}

// NewSynthetic creates a grid source of width x height points.
func NewSynthetic(name string, width, height, fps int) *Synthetic {
	if fps <= 0 {
		fps = 30
	}
	return &Synthetic{
		Pipeline: NewPipeline(),
		width:    width,
		height:   height,
		fps:      fps,
		applied:  make(map[settings.Kind]settings.Record),
		nextID:   1,
		name:     name,
	}
}

// Start begins the capture goroutine.
func (s *Synthetic) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("source already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	util.GetLogger().Debug("Synthetic source started", "source", s.name, "fps", s.fps)
	return nil
}

// Stop stops the capture goroutine and waits for it to exit.
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	util.GetLogger().Debug("Synthetic source stopped", "source", s.name)
	return nil
}

// ApplySettings updates the capture rate and delay from device and delay
// settings. Other kinds are stored only.
func (s *Synthetic) ApplySettings(rec settings.Record) error {
	if rec == nil {
		return errors.New("nil settings record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r := rec.(type) {
	case *settings.DeviceSettings:
		if r.FPS > 0 {
			s.fps = int(r.FPS)
		}
	case *settings.DelaySettings:
		if r.DelayMs < 0 {
			return errors.Errorf("negative delay %dms", r.DelayMs)
		}
		s.delay = r.Delay()
	}
	s.applied[rec.Kind()] = rec
	return nil
}

// Applied returns the last applied record of a kind.
func (s *Synthetic) Applied(kind settings.Kind) settings.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[kind]
}

func (s *Synthetic) interval() (time.Duration, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Second / time.Duration(s.fps), s.delay
}

func (s *Synthetic) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	period, _ := s.interval()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, delay := s.interval()
		if next != period {
			period = next
			ticker.Reset(period)
		}

		f := GenerateGrid(s.nextID, s.width, s.height, time.Now())
		s.nextID++

		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		s.Publish(f)
	}
}

// GenerateGrid builds a width x height grid frame one meter in front of the
// camera. The depth of each point oscillates with the capture time.
func GenerateGrid(captureID int64, width, height int, captureTime time.Time) *frame.Frame {
	n := width * height
	f := &frame.Frame{
		CaptureID:   captureID,
		CaptureTime: captureTime,
		Cloud: frame.Cloud{
			Positions: make([]frame.Vec3, 0, n),
			Colors:    make([]frame.Vec3, 0, n),
		},
	}

	phase := float64(captureTime.UnixNano()%int64(2*time.Second)) / float64(2*time.Second) * 2 * math.Pi
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			u := float32(x) / float32(max(width-1, 1))
			v := float32(y) / float32(max(height-1, 1))
			z := 1 + 0.1*float32(math.Sin(phase+float64(u)*2*math.Pi))
			f.Cloud.Positions = append(f.Cloud.Positions, frame.Vec3{u - 0.5, v - 0.5, z})
			f.Cloud.Colors = append(f.Cloud.Colors, frame.Vec3{u, v, 1 - u})
		}
	}
	return f
}
