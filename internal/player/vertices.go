package player

import (
	"runtime"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/util"
	"golang.org/x/sync/errgroup"
)

// Vertex is one point handed to consumers: a position and an 8-bit color.
type Vertex struct {
	Position [3]float32
	Color    [3]uint8
}

const (
	// copies below this many vertices run on the calling goroutine
	parallelCopyThreshold = 1 << 16
	vertexChunkSize       = 1 << 14
)

type span struct {
	start, end int
}

// vertexCopier keeps the chunk list and worker group of one device
// between ticks. Only the consumer goroutine uses it.
type vertexCopier struct {
	spans []span
	group errgroup.Group
}

func newVertexCopier() *vertexCopier {
	c := &vertexCopier{}
	c.group.SetLimit(runtime.GOMAXPROCS(0))
	return c
}

// run fans the spans of n vertices out over the group and waits.
func (c *vertexCopier) run(dst []Vertex, cloud *frame.Cloud, n int) {
	for _, s := range c.split(n) {
		s := s
		c.group.Go(func() error {
			copyVertices(dst, cloud, s.start, s.end)
			return nil
		})
	}
	_ = c.group.Wait()
}

func (c *vertexCopier) split(n int) []span {
	c.spans = c.spans[:0]
	for start := 0; start < n; start += vertexChunkSize {
		c.spans = append(c.spans, span{start: start, end: min(start+vertexChunkSize, n)})
	}
	return c.spans
}

// CurrentFrame returns the frame Update last picked for index, or nil.
func (p *Player) CurrentFrame(index int) *frame.Frame {
	if !p.validIndex(index) {
		return nil
	}
	return p.frames[index]
}

// CurrentFrameID returns the capture id of the current frame of index, or 0
// when there is none.
func (p *Player) CurrentFrameID(index int) int64 {
	if f := p.CurrentFrame(index); f != nil {
		return f.CaptureID
	}
	return 0
}

// CurrentFrameCloudSize returns the point count of the current frame of
// index, or 0.
func (p *Player) CurrentFrameCloudSize(index int) int {
	return p.CurrentFrame(index).CloudSize()
}

// CopyCurrentFrameVertices copies up to len(dst) vertices of the current
// frame of index into dst and returns how many were written.
//
// Clouds of parallelCopyThreshold vertices or more are copied in chunks on
// a per-device worker group that lives across calls. Each chunk still
// costs one goroutine and closure, a few allocations per call that are
// small next to copying tens of thousands of vertices.
func (p *Player) CopyCurrentFrameVertices(index int, dst []Vertex) int {
	if !p.validIndex(index) {
		util.GetLogger().Error("Invalid device index", "device", index, "operation", "copy_vertices")
		return 0
	}
	f := p.frames[index]
	n := min(f.CloudSize(), len(dst))
	if n == 0 {
		return 0
	}

	cloud := &f.Cloud
	if n < parallelCopyThreshold {
		copyVertices(dst, cloud, 0, n)
		return n
	}

	c := p.copiers[index]
	if c == nil {
		c = newVertexCopier()
		p.copiers[index] = c
	}
	c.run(dst, cloud, n)
	return n
}

func copyVertices(dst []Vertex, cloud *frame.Cloud, start, end int) {
	colored := cloud.HasColors()
	for i := start; i < end; i++ {
		v := &dst[i]
		v.Position = cloud.Positions[i]
		if colored {
			c := cloud.Colors[i]
			v.Color = [3]uint8{quantize(c[0]), quantize(c[1]), quantize(c[2])}
		} else {
			v.Color = [3]uint8{255, 255, 255}
		}
	}
}

func quantize(c float32) uint8 {
	switch {
	case c <= 0:
		return 0
	case c >= 1:
		return 255
	default:
		return uint8(c*255 + 0.5)
	}
}
