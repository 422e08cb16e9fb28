// Package frame defines captured depth frames and their compressed form.
package frame

import "time"

// Vec3 is a point, color or normal. Colors are in [0,1].
type Vec3 [3]float32

// Cloud is the point cloud of one capture. Colors and Normals are either
// empty or have one entry per position.
type Cloud struct {
	Positions []Vec3
	Colors    []Vec3
	Normals   []Vec3
}

// Size returns the number of points.
func (c *Cloud) Size() int {
	return len(c.Positions)
}

// HasColors reports whether every point carries a color.
func (c *Cloud) HasColors() bool {
	return len(c.Colors) > 0 && len(c.Colors) == len(c.Positions)
}

// Image is a raw image plane.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pixels   []byte
}

// Frame is one decoded capture. Frames are not modified after they are
// published; holders share them by pointer.
type Frame struct {
	CaptureID   int64
	CaptureTime time.Time
	ReceiveTime time.Time
	Cloud       Cloud

	Color *Image
	Depth *Image
	Infra *Image
}

// CloudSize returns the point count, or 0 for a nil frame.
func (f *Frame) CloudSize() int {
	if f == nil {
		return 0
	}
	return f.Cloud.Size()
}
