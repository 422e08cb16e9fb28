package frame

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// ErrCorrupt marks compressed frames that cannot be turned into a Frame.
var ErrCorrupt = errors.New("corrupt compressed frame")

// PlaneKind identifies a compressed plane.
type PlaneKind uint8

const (
	PlanePositions PlaneKind = iota + 1
	PlaneColors
	PlaneNormals
	PlaneColorImage
	PlaneDepthImage
	PlaneInfraImage
)

func (k PlaneKind) String() string {
	switch k {
	case PlanePositions:
		return "positions"
	case PlaneColors:
		return "colors"
	case PlaneNormals:
		return "normals"
	case PlaneColorImage:
		return "color_image"
	case PlaneDepthImage:
		return "depth_image"
	case PlaneInfraImage:
		return "infra_image"
	default:
		return "unknown"
	}
}

// CompressedPlane is one zstd-compressed plane. Width, Height and Channels
// are only meaningful for image planes.
type CompressedPlane struct {
	Kind     PlaneKind
	Width    int
	Height   int
	Channels int
	Data     []byte
}

// CompressedFrame is a capture as it travels from a remote device.
type CompressedFrame struct {
	CaptureID   int64
	CaptureTime time.Time
	ReceiveTime time.Time
	Planes      []CompressedPlane
}

const (
	vec3Size = 12
	// Upper bound for a single decompressed plane.
	maxPlaneSize = 256 << 20
)

var (
	getEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	getDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPlaneSize))
	})
)

// Compress builds the compressed form of f.
func Compress(f *Frame) (*CompressedFrame, error) {
	if f == nil {
		return nil, errors.New("nil frame")
	}
	enc, err := getEncoder()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd encoder")
	}

	cf := &CompressedFrame{
		CaptureID:   f.CaptureID,
		CaptureTime: f.CaptureTime,
	}
	addVecs := func(kind PlaneKind, vecs []Vec3) {
		if len(vecs) == 0 {
			return
		}
		cf.Planes = append(cf.Planes, CompressedPlane{
			Kind: kind,
			Data: enc.EncodeAll(packVec3(vecs), nil),
		})
	}
	addImage := func(kind PlaneKind, img *Image) {
		if img == nil {
			return
		}
		cf.Planes = append(cf.Planes, CompressedPlane{
			Kind:     kind,
			Width:    img.Width,
			Height:   img.Height,
			Channels: img.Channels,
			Data:     enc.EncodeAll(img.Pixels, nil),
		})
	}

	addVecs(PlanePositions, f.Cloud.Positions)
	addVecs(PlaneColors, f.Cloud.Colors)
	addVecs(PlaneNormals, f.Cloud.Normals)
	addImage(PlaneColorImage, f.Color)
	addImage(PlaneDepthImage, f.Depth)
	addImage(PlaneInfraImage, f.Infra)
	return cf, nil
}

// Decompress decodes every plane into a new Frame.
func (cf *CompressedFrame) Decompress() (*Frame, error) {
	dec, err := getDecoder()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}

	f := &Frame{
		CaptureID:   cf.CaptureID,
		CaptureTime: cf.CaptureTime,
		ReceiveTime: cf.ReceiveTime,
	}
	for _, p := range cf.Planes {
		raw, err := dec.DecodeAll(p.Data, nil)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s plane: %v", p.Kind, err)
		}

		switch p.Kind {
		case PlanePositions, PlaneColors, PlaneNormals:
			vecs, err := unpackVec3(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "%s plane", p.Kind)
			}
			switch p.Kind {
			case PlanePositions:
				f.Cloud.Positions = vecs
			case PlaneColors:
				f.Cloud.Colors = vecs
			default:
				f.Cloud.Normals = vecs
			}
		case PlaneColorImage, PlaneDepthImage, PlaneInfraImage:
			if p.Width*p.Height*p.Channels != len(raw) {
				return nil, errors.Wrapf(ErrCorrupt, "%s plane is %d bytes, want %dx%dx%d",
					p.Kind, len(raw), p.Width, p.Height, p.Channels)
			}
			img := &Image{Width: p.Width, Height: p.Height, Channels: p.Channels, Pixels: raw}
			switch p.Kind {
			case PlaneColorImage:
				f.Color = img
			case PlaneDepthImage:
				f.Depth = img
			default:
				f.Infra = img
			}
		default:
			return nil, errors.Wrapf(ErrCorrupt, "unknown plane kind %d", p.Kind)
		}
	}

	n := len(f.Cloud.Positions)
	if len(f.Cloud.Colors) != 0 && len(f.Cloud.Colors) != n {
		return nil, errors.Wrapf(ErrCorrupt, "%d colors for %d points", len(f.Cloud.Colors), n)
	}
	if len(f.Cloud.Normals) != 0 && len(f.Cloud.Normals) != n {
		return nil, errors.Wrapf(ErrCorrupt, "%d normals for %d points", len(f.Cloud.Normals), n)
	}
	return f, nil
}

func packVec3(vecs []Vec3) []byte {
	out := make([]byte, 0, len(vecs)*vec3Size)
	for _, v := range vecs {
		for _, c := range v {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(c))
		}
	}
	return out
}

func unpackVec3(raw []byte) ([]Vec3, error) {
	if len(raw)%vec3Size != 0 {
		return nil, errors.Wrapf(ErrCorrupt, "%d bytes is not a whole number of vectors", len(raw))
	}
	vecs := make([]Vec3, len(raw)/vec3Size)
	for i := range vecs {
		off := i * vec3Size
		for c := 0; c < 3; c++ {
			vecs[i][c] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off+c*4:]))
		}
	}
	return vecs, nil
}

// compressed frame header: capture id i64, capture time unix nanos i64,
// plane count u8
const headerSize = 8 + 8 + 1

// plane header: kind u8, width u16, height u16, channels u8, data length u32
const planeHeaderSize = 1 + 2 + 2 + 1 + 4

// MarshalBinary encodes the frame in the big-endian form carried by
// reassembled FrameFragment datagrams. ReceiveTime is not encoded.
func (cf *CompressedFrame) MarshalBinary() ([]byte, error) {
	if len(cf.Planes) > math.MaxUint8 {
		return nil, errors.Errorf("too many planes: %d", len(cf.Planes))
	}
	size := headerSize
	for _, p := range cf.Planes {
		if p.Width > math.MaxUint16 || p.Height > math.MaxUint16 || p.Channels > math.MaxUint8 {
			return nil, errors.Errorf("%s plane dimensions out of range", p.Kind)
		}
		size += planeHeaderSize + len(p.Data)
	}

	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint64(out, uint64(cf.CaptureID))
	var nanos int64
	if !cf.CaptureTime.IsZero() {
		nanos = cf.CaptureTime.UnixNano()
	}
	out = binary.BigEndian.AppendUint64(out, uint64(nanos))
	out = append(out, byte(len(cf.Planes)))
	for _, p := range cf.Planes {
		out = append(out, byte(p.Kind))
		out = binary.BigEndian.AppendUint16(out, uint16(p.Width))
		out = binary.BigEndian.AppendUint16(out, uint16(p.Height))
		out = append(out, byte(p.Channels))
		out = binary.BigEndian.AppendUint32(out, uint32(len(p.Data)))
		out = append(out, p.Data...)
	}
	return out, nil
}

// UnmarshalBinary decodes data produced by MarshalBinary. Plane data
// aliases data.
func (cf *CompressedFrame) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return errors.Wrapf(ErrCorrupt, "header truncated: %d bytes", len(data))
	}
	cf.CaptureID = int64(binary.BigEndian.Uint64(data[0:8]))
	if nanos := int64(binary.BigEndian.Uint64(data[8:16])); nanos != 0 {
		cf.CaptureTime = time.Unix(0, nanos)
	} else {
		cf.CaptureTime = time.Time{}
	}
	count := int(data[16])
	rest := data[headerSize:]

	cf.Planes = make([]CompressedPlane, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < planeHeaderSize {
			return errors.Wrapf(ErrCorrupt, "plane %d header truncated", i)
		}
		p := CompressedPlane{
			Kind:     PlaneKind(rest[0]),
			Width:    int(binary.BigEndian.Uint16(rest[1:3])),
			Height:   int(binary.BigEndian.Uint16(rest[3:5])),
			Channels: int(rest[5]),
		}
		n := int(binary.BigEndian.Uint32(rest[6:10]))
		rest = rest[planeHeaderSize:]
		if len(rest) < n {
			return errors.Wrapf(ErrCorrupt, "plane %d data truncated", i)
		}
		p.Data = rest[:n:n]
		rest = rest[n:]
		cf.Planes = append(cf.Planes, p)
	}
	if len(rest) != 0 {
		return errors.Wrapf(ErrCorrupt, "%d trailing bytes", len(rest))
	}
	return nil
}
