package settings

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrConfig marks settings data that cannot be used: empty or missing
// files, undecodable content and unsupported versions.
var ErrConfig = errors.New("invalid settings")

// tagSize is kind u8 + version u16 + payload length u16.
const tagSize = 5

func marshalFixed(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
		return nil, errors.Wrap(err, "failed to encode settings payload")
	}
	return buf.Bytes(), nil
}

func unmarshalFixed(data []byte, v any) error {
	if size := binary.Size(v); len(data) != size {
		return errors.Wrapf(ErrConfig, "payload is %d bytes, want %d", len(data), size)
	}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, v); err != nil {
		return errors.Wrap(err, "failed to decode settings payload")
	}
	return nil
}

// Encode returns the tagged binary form of a record: kind, version,
// payload length and payload, big-endian.
func Encode(rec Record) ([]byte, error) {
	payload, err := rec.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if len(payload) > 0xFFFF {
		return nil, errors.Errorf("%s settings payload too large: %d bytes", rec.Kind(), len(payload))
	}

	out := make([]byte, tagSize, tagSize+len(payload))
	out[0] = byte(rec.Kind())
	binary.BigEndian.PutUint16(out[1:3], rec.Version())
	binary.BigEndian.PutUint16(out[3:5], uint16(len(payload)))
	return append(out, payload...), nil
}

// Decode parses one tagged record from the start of data and returns it
// together with the number of bytes consumed.
func Decode(data []byte) (Record, int, error) {
	if len(data) < tagSize {
		return nil, 0, errors.Wrapf(ErrConfig, "record header truncated: %d bytes", len(data))
	}

	kind := Kind(data[0])
	rec := New(kind)
	if rec == nil {
		return nil, 0, errors.Wrapf(ErrConfig, "unknown settings kind %d", data[0])
	}

	version := binary.BigEndian.Uint16(data[1:3])
	if version == 0 || version > rec.Version() {
		return nil, 0, errors.Wrapf(ErrConfig, "%s settings version %d not supported (max %d)", kind, version, rec.Version())
	}

	size := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data) < tagSize+size {
		return nil, 0, errors.Wrapf(ErrConfig, "%s settings payload truncated", kind)
	}
	if err := rec.UnmarshalBinary(data[tagSize : tagSize+size]); err != nil {
		return nil, 0, errors.Wrapf(err, "%s settings", kind)
	}
	return rec, tagSize + size, nil
}

// DecodeKind decodes a single tagged record and checks its kind.
func DecodeKind(kind Kind, data []byte) (Record, error) {
	rec, n, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if rec.Kind() != kind {
		return nil, errors.Wrapf(ErrConfig, "expected %s settings, got %s", kind, rec.Kind())
	}
	if n != len(data) {
		return nil, errors.Wrapf(ErrConfig, "%d trailing bytes after %s settings", len(data)-n, kind)
	}
	return rec, nil
}
