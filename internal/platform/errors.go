package platform

import "errors"

// Domain errors for the platform package.
var (
	// ErrUnknownAccessory is returned when no accessory has the requested
	// kind and id.
	ErrUnknownAccessory = errors.New("platform: unknown accessory")

	// ErrDuplicateAccessory is returned when two descriptors share a
	// kind and id.
	ErrDuplicateAccessory = errors.New("platform: duplicate accessory")

	// ErrInvalidPayload is returned when an MQTT command or request cannot
	// be decoded.
	ErrInvalidPayload = errors.New("platform: invalid payload")

	// ErrSinkUnavailable is returned by a sink that cannot currently
	// accept writes.
	ErrSinkUnavailable = errors.New("platform: sink unavailable")
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("platform: already started")
