package protocol

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MaxFrameSize bounds the reassembled size of one frame.
const MaxFrameSize = 64 << 20

// Fragment splits a marshalled compressed frame into fragments that fit
// into datagrams of maxDatagram bytes.
func Fragment(captureID uint64, blob []byte, maxDatagram int) ([]*FrameFragment, error) {
	chunkSize := maxDatagram - HeaderSize - fragmentHeaderSize
	if chunkSize <= 0 {
		return nil, errors.Errorf("datagram size %d too small", maxDatagram)
	}
	if len(blob) > MaxFrameSize {
		return nil, errors.Errorf("frame too large: %d bytes", len(blob))
	}

	count := (len(blob) + chunkSize - 1) / chunkSize
	if count == 0 {
		count = 1
	}
	if count > 0xFFFF {
		return nil, errors.Errorf("frame needs %d fragments", count)
	}

	frags := make([]*FrameFragment, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*chunkSize, len(blob))
		frags = append(frags, &FrameFragment{
			CaptureID: captureID,
			Index:     uint16(i),
			Count:     uint16(count),
			TotalSize: uint32(len(blob)),
			Chunk:     blob[i*chunkSize : end],
		})
	}
	return frags, nil
}

// ReassemblerStats counts what happened to incoming fragments.
type ReassemblerStats struct {
	Completed  uint64 `json:"completed"`
	Regressed  uint64 `json:"regressed"`
	Malformed  uint64 `json:"malformed"`
	Evicted    uint64 `json:"evicted"`
	Duplicates uint64 `json:"duplicates"`
}

type partialFrame struct {
	count     uint16
	totalSize uint32
	chunks    [][]byte
	received  int
	size      int
	firstSeen time.Time
}

// Reassembler rebuilds frames from fragments of one device. Frames older
// than the last completed one are dropped; incomplete older frames are
// evicted when a newer frame completes.
type Reassembler struct {
	mu           sync.Mutex
	maxPending   int
	timeout      time.Duration
	pending      map[uint64]*partialFrame
	lastComplete uint64
	hasComplete  bool
	stats        ReassemblerStats
	now          func() time.Time
}

// NewReassembler keeps at most maxPending incomplete frames and forgets
// any incomplete frame older than timeout.
func NewReassembler(maxPending int, timeout time.Duration) *Reassembler {
	if maxPending <= 0 {
		maxPending = 4
	}
	return &Reassembler{
		maxPending: maxPending,
		timeout:    timeout,
		pending:    make(map[uint64]*partialFrame),
		now:        time.Now,
	}
}

// Add consumes one fragment. It returns the reassembled blob once every
// fragment of a frame has arrived.
func (r *Reassembler) Add(f *FrameFragment) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expire(now)

	if r.hasComplete && f.CaptureID <= r.lastComplete {
		r.stats.Regressed++
		return nil, false
	}
	if f.Count == 0 || f.Index >= f.Count || f.TotalSize > MaxFrameSize || len(f.Chunk) > int(f.TotalSize) {
		r.stats.Malformed++
		return nil, false
	}

	p, ok := r.pending[f.CaptureID]
	if !ok {
		if len(r.pending) >= r.maxPending {
			r.evictOldest()
		}
		p = &partialFrame{
			count:     f.Count,
			totalSize: f.TotalSize,
			chunks:    make([][]byte, f.Count),
			firstSeen: now,
		}
		r.pending[f.CaptureID] = p
	} else if p.count != f.Count || p.totalSize != f.TotalSize {
		r.stats.Malformed++
		delete(r.pending, f.CaptureID)
		return nil, false
	}

	if p.chunks[f.Index] != nil {
		r.stats.Duplicates++
		return nil, false
	}
	if p.size+len(f.Chunk) > int(p.totalSize) {
		r.stats.Malformed++
		delete(r.pending, f.CaptureID)
		return nil, false
	}
	// Chunks alias the receive buffer otherwise.
	p.chunks[f.Index] = append([]byte{}, f.Chunk...)
	p.received++
	p.size += len(f.Chunk)
	if p.received < int(p.count) {
		return nil, false
	}

	delete(r.pending, f.CaptureID)
	blob := make([]byte, 0, p.totalSize)
	for _, c := range p.chunks {
		blob = append(blob, c...)
	}
	if len(blob) != int(p.totalSize) {
		r.stats.Malformed++
		return nil, false
	}

	r.lastComplete = f.CaptureID
	r.hasComplete = true
	r.stats.Completed++
	for id := range r.pending {
		if id < f.CaptureID {
			delete(r.pending, id)
			r.stats.Evicted++
		}
	}
	return blob, true
}

// Malformed records a datagram that could not be decoded at all.
func (r *Reassembler) Malformed() {
	r.mu.Lock()
	r.stats.Malformed++
	r.mu.Unlock()
}

// Pending returns the capture ids of incomplete frames in ascending order.
func (r *Reassembler) Pending() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Reassembler) Stats() ReassemblerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reassembler) expire(now time.Time) {
	if r.timeout <= 0 {
		return
	}
	for id, p := range r.pending {
		if now.Sub(p.firstSeen) > r.timeout {
			delete(r.pending, id)
			r.stats.Evicted++
		}
	}
}

func (r *Reassembler) evictOldest() {
	var (
		oldest uint64
		found  bool
	)
	for id := range r.pending {
		if !found || id < oldest {
			oldest, found = id, true
		}
	}
	if found {
		delete(r.pending, oldest)
		r.stats.Evicted++
	}
}
