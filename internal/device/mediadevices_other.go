//go:build !linux

package device

import (
	"errors"

	"github.com/rs/zerolog"

	"vico_home/vicocall/internal/domain"
)

// Camera and microphone capture needs the V4L2/malgo drivers.
func newMediaDevices(Config, zerolog.Logger) (domain.DeviceAcquirer, error) {
	return nil, errors.New("mediadevices capture is only supported on linux")
}
