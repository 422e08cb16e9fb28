package settings

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/babelcloud/depthstream/internal/util"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

const (
	fileMagic   = "DSST"
	fileVersion = uint16(1)
	// magic + version u16 + kind u8 + count u32
	fileHeaderSize = 4 + 2 + 1 + 4
)

// IsTextFile reports whether path uses the TOML form.
func IsTextFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads a settings file in either form and returns its kind and records.
func Load(path string) (Kind, []Record, error) {
	if path == "" {
		return 0, nil, errors.Wrap(ErrConfig, "settings file path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrConfig, "failed to read settings file %s: %v", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return 0, nil, errors.Wrapf(ErrConfig, "settings file %s is empty", path)
	}

	var (
		kind    Kind
		records []Record
	)
	if IsTextFile(path) {
		kind, records, err = unmarshalText(data)
	} else {
		kind, records, err = unmarshalFile(data)
	}
	if err != nil {
		return 0, nil, errors.Wrapf(err, "settings file %s", path)
	}
	return kind, records, nil
}

// LoadAllFromFile loads count records of the given kind. Missing records are
// filled with defaults and extra ones are dropped.
func LoadAllFromFile(kind Kind, path string, count int) ([]Record, error) {
	fileKind, records, err := Load(path)
	if err != nil {
		return nil, err
	}
	if fileKind != kind {
		return nil, errors.Wrapf(ErrConfig, "settings file %s holds %s settings, expected %s", path, fileKind, kind)
	}

	logger := util.GetLogger()
	switch {
	case len(records) > count:
		logger.Warn("Settings file has more records than devices, truncating",
			"path", path, "kind", kind.String(), "records", len(records), "devices", count)
		records = records[:count]
	case len(records) < count:
		logger.Warn("Settings file has fewer records than devices, using defaults for the rest",
			"path", path, "kind", kind.String(), "records", len(records), "devices", count)
		records = append(records, Defaults(kind, count-len(records))...)
	}
	return records, nil
}

func commonKind(records []Record) (Kind, error) {
	if len(records) == 0 {
		return 0, errors.New("no settings records to save")
	}
	kind := records[0].Kind()
	for i, rec := range records {
		if rec.Kind() != kind {
			return 0, errors.Errorf("record %d is %s settings, expected %s", i, rec.Kind(), kind)
		}
	}
	return kind, nil
}

// MarshalText returns the TOML form of records sharing one kind.
func MarshalText(records []Record) ([]byte, error) {
	kind, err := commonKind(records)
	if err != nil {
		return nil, err
	}
	return marshalText(kind, records)
}

// SaveAllToFile writes records, which must share one kind, in the form
// selected by the file extension.
func SaveAllToFile(path string, records []Record) error {
	kind, err := commonKind(records)
	if err != nil {
		return err
	}

	var data []byte
	if IsTextFile(path) {
		data, err = marshalText(kind, records)
	} else {
		data, err = marshalFile(kind, records)
	}
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create settings directory")
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write settings file %s", path)
	}
	return nil
}

func marshalFile(kind Kind, records []Record) ([]byte, error) {
	buf := make([]byte, 0, fileHeaderSize)
	buf = append(buf, fileMagic...)
	buf = binary.BigEndian.AppendUint16(buf, fileVersion)
	buf = append(buf, byte(kind))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(records)))
	for _, rec := range records {
		encoded, err := Encode(rec)
		if err != nil {
			return nil, err
		}
		buf = append(buf, encoded...)
	}
	return buf, nil
}

func unmarshalFile(data []byte) (Kind, []Record, error) {
	if len(data) < fileHeaderSize || string(data[:4]) != fileMagic {
		return 0, nil, errors.Wrap(ErrConfig, "not a settings file")
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != fileVersion {
		return 0, nil, errors.Wrapf(ErrConfig, "settings file version %d not supported", v)
	}
	kind := Kind(data[6])
	if New(kind) == nil {
		return 0, nil, errors.Wrapf(ErrConfig, "unknown settings kind %d", data[6])
	}
	count := int(binary.BigEndian.Uint32(data[7:11]))

	rest := data[fileHeaderSize:]
	records := make([]Record, 0, min(count, 256))
	for i := 0; i < count; i++ {
		rec, n, err := Decode(rest)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "record %d", i)
		}
		if rec.Kind() != kind {
			return 0, nil, errors.Wrapf(ErrConfig, "record %d is %s settings in a %s file", i, rec.Kind(), kind)
		}
		records = append(records, rec)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return 0, nil, errors.Wrapf(ErrConfig, "%d trailing bytes", len(rest))
	}
	return kind, records, nil
}

// The text form is one array of tables named after the kind:
//
//	[[delay]]
//	version = 1
//	delay_ms = 40
func marshalText(kind Kind, records []Record) ([]byte, error) {
	entries := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		raw, err := toml.Marshal(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s settings", kind)
		}
		entry := map[string]any{}
		if err := toml.Unmarshal(raw, &entry); err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s settings", kind)
		}
		entry["version"] = rec.Version()
		entries = append(entries, entry)
	}

	data, err := toml.Marshal(map[string][]map[string]any{kind.String(): entries})
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize settings")
	}
	return data, nil
}

func unmarshalText(data []byte) (Kind, []Record, error) {
	var doc map[string][]map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return 0, nil, errors.Wrapf(ErrConfig, "failed to parse settings: %v", err)
	}
	if len(doc) != 1 {
		return 0, nil, errors.Wrapf(ErrConfig, "settings file must hold exactly one kind, found %d", len(doc))
	}

	var (
		kind    Kind
		entries []map[string]any
	)
	for name, list := range doc {
		k, err := ParseKind(name)
		if err != nil {
			return 0, nil, errors.Wrap(ErrConfig, err.Error())
		}
		kind, entries = k, list
	}

	records := make([]Record, 0, len(entries))
	for i, entry := range entries {
		rec := New(kind)
		version, err := entryVersion(entry)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "%s entry %d", kind, i)
		}
		if version == 0 || version > int64(rec.Version()) {
			return 0, nil, errors.Wrapf(ErrConfig, "%s entry %d: version %d not supported (max %d)", kind, i, version, rec.Version())
		}
		delete(entry, "version")

		raw, err := toml.Marshal(entry)
		if err != nil {
			return 0, nil, errors.Wrapf(ErrConfig, "%s entry %d: %v", kind, i, err)
		}
		dec := toml.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(rec); err != nil {
			return 0, nil, errors.Wrapf(ErrConfig, "%s entry %d: %v", kind, i, err)
		}
		records = append(records, rec)
	}
	return kind, records, nil
}

func entryVersion(entry map[string]any) (int64, error) {
	v, ok := entry["version"]
	if !ok {
		return 0, errors.Wrap(ErrConfig, "missing version")
	}
	version, ok := v.(int64)
	if !ok {
		return 0, errors.Wrapf(ErrConfig, "version must be an integer, got %T", v)
	}
	return version, nil
}
