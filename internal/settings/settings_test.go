package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	got, err := ParseKind("Filters")
	require.NoError(t, err)
	assert.Equal(t, KindFilters, got)

	_, err = ParseKind("lighting")
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	color := DefaultColorSettings()
	color.Gain = 42
	color.AutoExposure = false

	filters := DefaultFiltersSettings()
	filters.MaxLocalDiff = 2.5

	model := DefaultModelSettings()
	model.Transform[3] = 1.25

	tests := []struct {
		name string
		rec  Record
	}{
		{"device", &DeviceSettings{FPS: 15, SyncMode: SyncSubordinate, SubordinateDelayUs: -160, SendColor: true}},
		{"color", color},
		{"filters", filters},
		{"model", model},
		{"delay", &DelaySettings{DelayMs: 250}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.rec)
			require.NoError(t, err)
			assert.Equal(t, byte(tt.rec.Kind()), data[0])

			got, err := DecodeKind(tt.rec.Kind(), data)
			require.NoError(t, err)
			assert.Equal(t, tt.rec, got)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	valid, err := Encode(&DelaySettings{DelayMs: 10})
	require.NoError(t, err)

	newer := append([]byte(nil), valid...)
	newer[2] = 9

	unknown := append([]byte(nil), valid...)
	unknown[0] = 0x7f

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", valid[:3]},
		{"truncated payload", valid[:len(valid)-1]},
		{"newer version", newer},
		{"unknown kind", unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
		})
	}

	_, err = DecodeKind(KindColor, valid)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestDelayDuration(t *testing.T) {
	d := &DelaySettings{DelayMs: 1500}
	assert.Equal(t, 1500*time.Millisecond, d.Delay())
}

func TestFileFormsLoadSameRecords(t *testing.T) {
	records := []Record{
		&FiltersSettings{MinDepthMm: 100, MaxDepthMm: 2000, MaxWidth: 0.5, MaxHeight: 1, JPEGQuality: 90},
		&FiltersSettings{MinDepthMm: 400, MaxDepthMm: 4000, MaxWidth: 1, MaxHeight: 0.75, LocalDiffFilter: true, MaxLocalDiff: 3},
	}

	dir := t.TempDir()
	binPath := filepath.Join(dir, "filters.bin")
	textPath := filepath.Join(dir, "filters.toml")
	require.NoError(t, SaveAllToFile(binPath, records))
	require.NoError(t, SaveAllToFile(textPath, records))

	fromBin, err := LoadAllFromFile(KindFilters, binPath, 2)
	require.NoError(t, err)
	fromText, err := LoadAllFromFile(KindFilters, textPath, 2)
	require.NoError(t, err)

	assert.Equal(t, records, fromBin)
	assert.Equal(t, records, fromText)
}

func TestLoadAllFromFilePadsAndTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "delay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[delay]]
version = 1
delay_ms = 40

[[delay]]
version = 1
delay_ms = 80
`), 0o644))

	padded, err := LoadAllFromFile(KindDelay, path, 3)
	require.NoError(t, err)
	require.Len(t, padded, 3)
	assert.Equal(t, int32(40), padded[0].(*DelaySettings).DelayMs)
	assert.Equal(t, int32(80), padded[1].(*DelaySettings).DelayMs)
	assert.Equal(t, int32(0), padded[2].(*DelaySettings).DelayMs)

	truncated, err := LoadAllFromFile(KindDelay, path, 1)
	require.NoError(t, err)
	require.Len(t, truncated, 1)
	assert.Equal(t, int32(40), truncated[0].(*DelaySettings).DelayMs)
}

func TestLoadAllFromFileErrors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	garbage := filepath.Join(dir, "garbage.bin")
	require.NoError(t, os.WriteFile(garbage, []byte("not settings at all"), 0o644))

	newer := filepath.Join(dir, "newer.toml")
	require.NoError(t, os.WriteFile(newer, []byte("[[delay]]\nversion = 7\ndelay_ms = 1\n"), 0o644))

	typo := filepath.Join(dir, "typo.toml")
	require.NoError(t, os.WriteFile(typo, []byte("[[delay]]\nversion = 1\ndelay = 1\n"), 0o644))

	otherKind := filepath.Join(dir, "color.bin")
	require.NoError(t, SaveAllToFile(otherKind, []Record{DefaultColorSettings()}))

	tests := []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"missing file", filepath.Join(dir, "missing.bin")},
		{"empty file", empty},
		{"garbage", garbage},
		{"newer version", newer},
		{"unknown field", typo},
		{"wrong kind", otherKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAllFromFile(KindDelay, tt.path, 2)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
		})
	}
}

func TestSaveAllToFileRejectsMixedKinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.bin")
	err := SaveAllToFile(path, []Record{&DelaySettings{}, DefaultModelSettings()})
	assert.Error(t, err)

	assert.Error(t, SaveAllToFile(path, nil))
}
