package frame

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame() *Frame {
	return &Frame{
		CaptureID:   7,
		CaptureTime: time.Unix(1700000000, 12345),
		Cloud: Cloud{
			Positions: []Vec3{{0, 0, 1}, {0.5, -0.25, 2}, {1, 1, 3}},
			Colors:    []Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		},
		Depth: &Image{Width: 2, Height: 2, Channels: 2, Pixels: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}
}

func TestCloudSize(t *testing.T) {
	var nilFrame *Frame
	assert.Equal(t, 0, nilFrame.CloudSize())
	assert.Equal(t, 3, testFrame().CloudSize())
	assert.True(t, testFrame().Cloud.HasColors())
}

func TestCompressRoundTrip(t *testing.T) {
	f := testFrame()

	cf, err := Compress(f)
	require.NoError(t, err)
	require.Len(t, cf.Planes, 3)

	blob, err := cf.MarshalBinary()
	require.NoError(t, err)

	var decoded CompressedFrame
	require.NoError(t, decoded.UnmarshalBinary(blob))
	assert.Equal(t, f.CaptureID, decoded.CaptureID)
	assert.True(t, f.CaptureTime.Equal(decoded.CaptureTime))

	decoded.ReceiveTime = time.Unix(1700000001, 0)
	got, err := decoded.Decompress()
	require.NoError(t, err)
	assert.Equal(t, f.Cloud, got.Cloud)
	assert.Equal(t, f.Depth, got.Depth)
	assert.Nil(t, got.Color)
	assert.Equal(t, decoded.ReceiveTime, got.ReceiveTime)
}

func TestDecompressRejectsCorruptPlanes(t *testing.T) {
	enc, err := getEncoder()
	require.NoError(t, err)

	tests := []struct {
		name   string
		planes []CompressedPlane
	}{
		{"not zstd", []CompressedPlane{{Kind: PlanePositions, Data: []byte("plain bytes")}}},
		{"partial vector", []CompressedPlane{{Kind: PlanePositions, Data: enc.EncodeAll(make([]byte, 13), nil)}}},
		{"color count mismatch", []CompressedPlane{
			{Kind: PlanePositions, Data: enc.EncodeAll(make([]byte, 24), nil)},
			{Kind: PlaneColors, Data: enc.EncodeAll(make([]byte, 12), nil)},
		}},
		{"image size mismatch", []CompressedPlane{
			{Kind: PlaneDepthImage, Width: 4, Height: 4, Channels: 2, Data: enc.EncodeAll(make([]byte, 10), nil)},
		}},
		{"unknown plane", []CompressedPlane{{Kind: 99, Data: enc.EncodeAll(nil, nil)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf := &CompressedFrame{CaptureID: 1, Planes: tt.planes}
			_, err := cf.Decompress()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
		})
	}
}

func TestUnmarshalBinaryTruncated(t *testing.T) {
	cf, err := Compress(testFrame())
	require.NoError(t, err)
	blob, err := cf.MarshalBinary()
	require.NoError(t, err)

	for _, n := range []int{0, headerSize - 1, headerSize + 3, len(blob) - 1} {
		var decoded CompressedFrame
		err := decoded.UnmarshalBinary(blob[:n])
		assert.True(t, errors.Is(err, ErrCorrupt), "length %d: %v", n, err)
	}

	var decoded CompressedFrame
	assert.Error(t, decoded.UnmarshalBinary(append(blob, 0)))
}
