// Package device opens local capture tracks.
package device

import (
	"fmt"

	"github.com/rs/zerolog"

	"vico_home/vicocall/internal/domain"
)

// Drivers accepted by New.
const (
	DriverAuto         = "auto"
	DriverMediaDevices = "mediadevices"
	DriverSynthetic    = "synthetic"
)

// Config caps the capture resolution.
type Config struct {
	Width  int
	Height int
}

// New picks the acquirer for driver. "auto" prefers real devices and falls
// back to synthetic ones.
func New(driver string, cfg Config, logger zerolog.Logger) (domain.DeviceAcquirer, error) {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}

	switch driver {
	case DriverSynthetic:
		return NewSynthetic(logger), nil
	case DriverMediaDevices:
		return newMediaDevices(cfg, logger)
	case DriverAuto, "":
		acq, err := newMediaDevices(cfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("capture devices unavailable, using synthetic media")
			return NewSynthetic(logger), nil
		}
		return acq, nil
	}
	return nil, fmt.Errorf("unknown device driver %q", driver)
}
