// Package settings holds the versioned configuration records routed to
// depth-camera producers: device, color, filters, model and delay settings.
//
// Records are plain data. Each one has a tagged binary form used on the
// wire and in binary settings files, and a TOML form for hand-edited files.
package settings

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Kind identifies a settings category.
type Kind uint8

const (
	KindDevice Kind = iota + 1
	KindColor
	KindFilters
	KindModel
	KindDelay
)

// Kinds lists every settings kind in wire order.
var Kinds = []Kind{KindDevice, KindColor, KindFilters, KindModel, KindDelay}

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindColor:
		return "color"
	case KindFilters:
		return "filters"
	case KindModel:
		return "model"
	case KindDelay:
		return "delay"
	default:
		return "unknown"
	}
}

// ParseKind resolves a kind from its name.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(name, k.String()) {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown settings kind %q", name)
}

// Record is one settings payload for one device.
type Record interface {
	Kind() Kind
	Version() uint16
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// New returns the default record for a kind, or nil for an unknown kind.
func New(kind Kind) Record {
	switch kind {
	case KindDevice:
		return DefaultDeviceSettings()
	case KindColor:
		return DefaultColorSettings()
	case KindFilters:
		return DefaultFiltersSettings()
	case KindModel:
		return DefaultModelSettings()
	case KindDelay:
		return &DelaySettings{}
	default:
		return nil
	}
}

// Defaults returns count default records of the given kind.
func Defaults(kind Kind, count int) []Record {
	records := make([]Record, count)
	for i := range records {
		records[i] = New(kind)
	}
	return records
}

// Current payload versions. Decoding rejects anything newer.
const (
	DeviceSettingsVersion  uint16 = 1
	ColorSettingsVersion   uint16 = 1
	FiltersSettingsVersion uint16 = 1
	ModelSettingsVersion   uint16 = 1
	DelaySettingsVersion   uint16 = 1
)

// SyncMode is the hardware synchronisation role of a device.
type SyncMode uint8

const (
	SyncStandalone SyncMode = iota
	SyncMain
	SyncSubordinate
)

// DeviceSettings configures what a producer captures and sends.
type DeviceSettings struct {
	Mode               uint8    `toml:"mode"`
	SyncMode           SyncMode `toml:"sync_mode"`
	SubordinateDelayUs int32    `toml:"subordinate_delay_us"`
	FPS                uint8    `toml:"fps"`
	CaptureColor       bool     `toml:"capture_color"`
	CaptureDepth       bool     `toml:"capture_depth"`
	CaptureInfra       bool     `toml:"capture_infra"`
	CompressColor      bool     `toml:"compress_color"`
	CompressDepth      bool     `toml:"compress_depth"`
	SendCloud          bool     `toml:"send_cloud"`
	SendColor          bool     `toml:"send_color"`
	SendDepth          bool     `toml:"send_depth"`
}

func DefaultDeviceSettings() *DeviceSettings {
	return &DeviceSettings{
		FPS:           30,
		CaptureColor:  true,
		CaptureDepth:  true,
		CompressColor: true,
		CompressDepth: true,
		SendCloud:     true,
	}
}

func (*DeviceSettings) Kind() Kind      { return KindDevice }
func (*DeviceSettings) Version() uint16 { return DeviceSettingsVersion }

func (s *DeviceSettings) MarshalBinary() ([]byte, error) { return marshalFixed(s) }
func (s *DeviceSettings) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(data, s)
}

// ColorSettings holds the color sensor controls.
type ColorSettings struct {
	ExposureTimeUs        int32 `toml:"exposure_time_us"`
	WhiteBalance          int32 `toml:"white_balance"`
	Brightness            int32 `toml:"brightness"`
	Contrast              int32 `toml:"contrast"`
	Saturation            int32 `toml:"saturation"`
	Sharpness             int32 `toml:"sharpness"`
	Gain                  int32 `toml:"gain"`
	BacklightCompensation int32 `toml:"backlight_compensation"`
	PowerlineFrequency    uint8 `toml:"powerline_frequency"`
	AutoExposure          bool  `toml:"auto_exposure"`
	AutoWhiteBalance      bool  `toml:"auto_white_balance"`
}

func DefaultColorSettings() *ColorSettings {
	return &ColorSettings{
		ExposureTimeUs:     8330,
		WhiteBalance:       4500,
		Brightness:         128,
		Contrast:           5,
		Saturation:         32,
		Sharpness:          2,
		PowerlineFrequency: 2,
		AutoExposure:       true,
		AutoWhiteBalance:   true,
	}
}

func (*ColorSettings) Kind() Kind      { return KindColor }
func (*ColorSettings) Version() uint16 { return ColorSettingsVersion }

func (s *ColorSettings) MarshalBinary() ([]byte, error) { return marshalFixed(s) }
func (s *ColorSettings) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(data, s)
}

// FiltersSettings controls depth filtering done on the producer.
// Width/height bounds are fractions of the image size.
type FiltersSettings struct {
	MinWidth               float32 `toml:"min_width"`
	MaxWidth               float32 `toml:"max_width"`
	MinHeight              float32 `toml:"min_height"`
	MaxHeight              float32 `toml:"max_height"`
	MinDepthMm             uint16  `toml:"min_depth_mm"`
	MaxDepthMm             uint16  `toml:"max_depth_mm"`
	LocalDiffFilter        bool    `toml:"local_diff_filter"`
	MaxLocalDiff           float32 `toml:"max_local_diff"`
	FilterDepthWithColor   bool    `toml:"filter_depth_with_color"`
	MaxColorDiff           uint8   `toml:"max_color_diff"`
	KeepOnlyBiggestCluster bool    `toml:"keep_only_biggest_cluster"`
	JPEGQuality            uint8   `toml:"jpeg_quality"`
}

func DefaultFiltersSettings() *FiltersSettings {
	return &FiltersSettings{
		MaxWidth:     1,
		MaxHeight:    1,
		MinDepthMm:   300,
		MaxDepthMm:   6000,
		MaxLocalDiff: 10,
		JPEGQuality:  80,
	}
}

func (*FiltersSettings) Kind() Kind      { return KindFilters }
func (*FiltersSettings) Version() uint16 { return FiltersSettingsVersion }

func (s *FiltersSettings) MarshalBinary() ([]byte, error) { return marshalFixed(s) }
func (s *FiltersSettings) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(data, s)
}

// ModelSettings places a device cloud in the shared scene. The transform
// is a row-major 4x4 matrix and only affects local rendering.
type ModelSettings struct {
	Transform [16]float32 `toml:"transform"`
}

// IdentityTransform is the row-major 4x4 identity.
var IdentityTransform = [16]float32{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

func DefaultModelSettings() *ModelSettings {
	return &ModelSettings{Transform: IdentityTransform}
}

func (*ModelSettings) Kind() Kind      { return KindModel }
func (*ModelSettings) Version() uint16 { return ModelSettingsVersion }

func (s *ModelSettings) MarshalBinary() ([]byte, error) { return marshalFixed(s) }
func (s *ModelSettings) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(data, s)
}

// DelaySettings is the delay a producer waits before sending a frame.
type DelaySettings struct {
	DelayMs int32 `toml:"delay_ms"`
}

// Delay returns the delay as a duration.
func (s *DelaySettings) Delay() time.Duration {
	return time.Duration(s.DelayMs) * time.Millisecond
}

func (*DelaySettings) Kind() Kind      { return KindDelay }
func (*DelaySettings) Version() uint16 { return DelaySettingsVersion }

func (s *DelaySettings) MarshalBinary() ([]byte, error) { return marshalFixed(s) }
func (s *DelaySettings) UnmarshalBinary(data []byte) error {
	return unmarshalFixed(data, s)
}
