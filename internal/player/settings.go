package player

import (
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var errNotInitialized = errors.New("player not initialized")

// UpdateDeviceSettings loads per-device capture settings from path and
// pushes them to connected devices.
func (p *Player) UpdateDeviceSettings(path string) error {
	return p.updateSettings(settings.KindDevice, path)
}

// UpdateColorSettings loads per-device color sensor settings from path and
// pushes them to connected devices.
func (p *Player) UpdateColorSettings(path string) error {
	return p.updateSettings(settings.KindColor, path)
}

// UpdateFiltersSettings loads per-device filter settings from path and
// pushes them to connected devices.
func (p *Player) UpdateFiltersSettings(path string) error {
	return p.updateSettings(settings.KindFilters, path)
}

// UpdateModelSettings loads per-device model transforms from path. They only
// affect local consumers and are never sent to devices.
func (p *Player) UpdateModelSettings(path string) error {
	return p.updateSettings(settings.KindModel, path)
}

func (p *Player) updateSettings(kind settings.Kind, path string) error {
	logger := util.GetLogger().With("kind", kind.String(), "path", path)
	if !p.initialized {
		logger.Error("Cannot load settings before initialization")
		return errNotInitialized
	}

	records, err := settings.LoadAllFromFile(kind, path, p.DeviceCount())
	if err != nil {
		logger.Error("Failed to load settings", "error", err)
		return err
	}
	p.records[kind] = records
	logger.Info("Settings loaded", "records", len(records))

	if kind == settings.KindModel {
		return nil
	}

	var errs error
	for i, rec := range records {
		if !p.registry.IsConnected(i) {
			continue
		}
		errs = multierr.Append(errs, p.registry.PushSettings(i, rec))
	}
	return errs
}

// UpdateDelay stores the delay of the device at index and pushes it when the
// device is connected.
func (p *Player) UpdateDelay(index int, d *settings.DelaySettings) error {
	if err := p.checkIndex(index, "update_delay"); err != nil {
		return err
	}
	if d == nil {
		return errors.New("nil delay settings")
	}
	rec := *d
	p.records[settings.KindDelay][index] = &rec
	if !p.registry.IsConnected(index) {
		return nil
	}
	return p.registry.UpdateDelaySettings(index, &rec)
}

// Settings returns the stored record of kind for the device at index.
func (p *Player) Settings(kind settings.Kind, index int) (settings.Record, bool) {
	if !p.validIndex(index) {
		return nil, false
	}
	recs := p.records[kind]
	if index >= len(recs) {
		return nil, false
	}
	return recs[index], true
}

// resync pushes every device-side record of index, in the order a freshly
// started grabber expects them.
func (p *Player) resync(index int) {
	logger := util.DeviceLogger(index)
	if desc, ok := p.registry.Descriptor(index); ok && !desc.Local {
		logger = logger.With("endpoint", desc.SendingEndpoint())
	}
	var errs error
	for _, kind := range []settings.Kind{settings.KindDevice, settings.KindColor, settings.KindFilters, settings.KindDelay} {
		rec, ok := p.Settings(kind, index)
		if !ok {
			continue
		}
		errs = multierr.Append(errs, p.registry.PushSettings(index, rec))
	}
	if errs != nil {
		logger.Warn("Settings re-sync incomplete", "error", errs)
		return
	}
	logger.Info("Settings re-sent after connect")
}

// DeviceModelTransform returns the model transform of the device at index,
// or the identity for an invalid index.
func (p *Player) DeviceModelTransform(index int) [16]float32 {
	rec, ok := p.Settings(settings.KindModel, index)
	if !ok {
		return settings.IdentityTransform
	}
	if m, ok := rec.(*settings.ModelSettings); ok {
		return m.Transform
	}
	return settings.IdentityTransform
}
