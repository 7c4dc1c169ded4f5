package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RelayDeviceID is the origin stamped on messages generated by the relay itself.
const RelayDeviceID = "relay"

const maxIdentifierLength = 190

// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
var ErrInvalidDeviceID = errors.New("protocol: invalid device id")

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	if trimmed == RelayDeviceID {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidDeviceID, RelayDeviceID)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// IDProvider issues unique identifiers for messages and items.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
