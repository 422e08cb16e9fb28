// Package pipeline fans serialized snapshots out to monitor subscribers.
package pipeline

import (
	"sync"

	"github.com/babelcloud/depthstream/internal/util"
)

// Broadcaster provides a pub/sub mechanism that remembers the last message
// and hands it to new subscribers first.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- []byte
	latest      []byte
	closed      bool
	dropped     uint64
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan<- []byte),
	}
}

// Subscribe adds a new subscriber with the given ID and returns a channel
// that will receive broadcasted data. The latest message, if any, is queued
// immediately.
func (b *Broadcaster) Subscribe(subscriberID string, bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan []byte)
		close(ch)
		return ch
	}
	if bufferSize < 1 {
		bufferSize = 1
	}

	if old, exists := b.subscribers[subscriberID]; exists {
		close(old)
	}
	ch := make(chan []byte, bufferSize)
	b.subscribers[subscriberID] = ch
	if len(b.latest) > 0 {
		ch <- b.latest
	}

	util.GetLogger().Info("New subscriber added", "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subscribers[subscriberID]; exists {
		close(ch)
		delete(b.subscribers, subscriberID)
		util.GetLogger().Info("Subscriber removed", "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast sends data to all current subscribers. A subscriber whose
// channel is full is dropped; its channel is closed.
func (b *Broadcaster) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = data

	for id, ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			close(ch)
			delete(b.subscribers, id)
			b.dropped++
			util.GetLogger().Warn("Dropping subscriber due to full channel", "id", id)
		}
	}
}

// Latest returns the last broadcast message.
func (b *Broadcaster) Latest() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		util.GetLogger().Debug("Closed subscriber channel", "id", id)
	}
	b.subscribers = make(map[string]chan<- []byte)
	util.GetLogger().Info("Broadcaster closed")
}

// GetSubscriberCount returns the current number of subscribers.
func (b *Broadcaster) GetSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many subscribers were dropped for falling behind.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
