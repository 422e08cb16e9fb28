package source

import (
	"context"
	"sync"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/pkg/errors"
)

// Manual is a source whose frames are pushed by the caller.
type Manual struct {
	*Pipeline

	mu       sync.Mutex
	running  bool
	applied  map[settings.Kind]settings.Record
	history  []settings.Record
	applyErr error
}

func NewManual() *Manual {
	return &Manual{
		Pipeline: NewPipeline(),
		applied:  make(map[settings.Kind]settings.Record),
	}
}

func (m *Manual) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

func (m *Manual) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

// Running reports whether the source has been started.
func (m *Manual) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Push publishes a frame when the source is running.
func (m *Manual) Push(f *frame.Frame) bool {
	if !m.Running() {
		return false
	}
	m.Publish(f)
	return true
}

// FailApply makes subsequent ApplySettings calls return err. A nil err
// restores normal behavior.
func (m *Manual) FailApply(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

func (m *Manual) ApplySettings(rec settings.Record) error {
	if rec == nil {
		return errors.New("nil settings record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied[rec.Kind()] = rec
	m.history = append(m.history, rec)
	return nil
}

// Applied returns the last applied record of a kind.
func (m *Manual) Applied(kind settings.Kind) settings.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[kind]
}

// History returns every applied record in order.
func (m *Manual) History() []settings.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]settings.Record(nil), m.history...)
}
