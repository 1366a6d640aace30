package accessory

import "errors"

// Domain errors for the accessory package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, accessory.ErrReadOnly) {
//	    // reject the write
//	}
var (
	// ErrUnknownKind is returned when a configured type string does not
	// name a supported accessory.
	ErrUnknownKind = errors.New("accessory: unknown kind")

	// ErrUnknownCharacteristic is returned when an accessory does not
	// expose the requested characteristic.
	ErrUnknownCharacteristic = errors.New("accessory: unknown characteristic")

	// ErrReadOnly is returned when setting a characteristic that only the
	// processor can change.
	ErrReadOnly = errors.New("accessory: characteristic is read-only")

	// ErrOutOfRange is returned when a set value falls outside the
	// characteristic's bounds.
	ErrOutOfRange = errors.New("accessory: value out of range")

	// ErrInvalidDescriptor is returned when an accessory descriptor is
	// incomplete or inconsistent.
	ErrInvalidDescriptor = errors.New("accessory: invalid descriptor")
)
