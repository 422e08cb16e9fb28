package network

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeInterfaces(index int) (string, error) {
	addrs := []string{"127.0.0.1", "192.168.10.5"}
	if index < 0 || index >= len(addrs) {
		return "", errors.New("no such interface")
	}
	return addrs[index], nil
}

func TestParseDescriptors(t *testing.T) {
	input := `
# two devices
local
remote 1 8888 10.0.0.7 9999

remote 127.0.0.1 0 localhost 7000
`
	descs, err := ParseDescriptors(strings.NewReader(input), fakeInterfaces)
	require.NoError(t, err)
	require.Len(t, descs, 3)

	assert.Equal(t, DeviceDescriptor{Index: 0, Local: true, ReadingInterface: -1}, descs[0])
	assert.Equal(t, DeviceDescriptor{
		Index:            1,
		ReadingInterface: 1,
		ReadingAddress:   "192.168.10.5",
		ReadingPort:      8888,
		SendingAddress:   "10.0.0.7",
		SendingPort:      9999,
	}, descs[1])
	assert.Equal(t, "192.168.10.5:8888", descs[1].ReadingEndpoint())
	assert.Equal(t, "10.0.0.7:9999", descs[1].SendingEndpoint())

	assert.Equal(t, -1, descs[2].ReadingInterface)
	assert.Equal(t, "127.0.0.1", descs[2].ReadingAddress)
	assert.Equal(t, "127.0.0.1", descs[2].SendingAddress)
}

func TestParseDescriptorsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"only comments", "# nothing\n\n"},
		{"unknown type", "kinect 0 1 localhost 2"},
		{"missing fields", "remote 0 8888 localhost"},
		{"bad port", "remote 0 eighty localhost 2"},
		{"port out of range", "remote 0 8888 localhost 70000"},
		{"zero sending port", "remote 0 8888 localhost 0"},
		{"unknown interface", "remote 7 8888 localhost 9999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescriptors(strings.NewReader(tt.input), fakeInterfaces)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
		})
	}
}

func TestLoadDescriptors(t *testing.T) {
	_, err := LoadDescriptors("", fakeInterfaces)
	assert.True(t, errors.Is(err, ErrConfig))

	dir := t.TempDir()
	_, err = LoadDescriptors(filepath.Join(dir, "missing.cfg"), fakeInterfaces)
	assert.True(t, errors.Is(err, ErrConfig))

	empty := filepath.Join(dir, "empty.cfg")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = LoadDescriptors(empty, fakeInterfaces)
	assert.True(t, errors.Is(err, ErrConfig))

	valid := filepath.Join(dir, "network.cfg")
	require.NoError(t, os.WriteFile(valid, []byte("local\nlocal\n"), 0o644))
	descs, err := LoadDescriptors(valid, fakeInterfaces)
	require.NoError(t, err)
	assert.Len(t, descs, 2)
	assert.Equal(t, 1, descs[1].Index)
}
