package device

import "errors"

// Check with errors.Is:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // reject
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when provisioning an ID that is already registered.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when a device record fails validation.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrFieldNotApplicable is returned when a delta carries a field the
	// device's type does not have.
	ErrFieldNotApplicable = errors.New("device: field not applicable to type")

	// ErrValueOutOfRange is returned when a delta value is outside its legal range.
	ErrValueOutOfRange = errors.New("device: value out of range")

	// ErrInvalidColor is returned for malformed color values.
	ErrInvalidColor = errors.New("device: invalid color")
)
