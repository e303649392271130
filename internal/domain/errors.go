package domain

import (
	"errors"
	"fmt"
)

// Device failures. All of them are recoverable for an established call.
var (
	ErrPermissionDenied   = errors.New("device permission denied")
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrDeviceBusy         = errors.New("device busy")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrReplaceUnsupported = errors.New("in-place track replacement unsupported")
)

// DeviceError classifies a device acquisition failure.
type DeviceError struct {
	Kind error
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Is matches the classification sentinel.
func (e *DeviceError) Is(target error) bool { return target == e.Kind }

func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err came from device acquisition.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
