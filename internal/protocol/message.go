package protocol

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrMalformedMessage indicates a frame that could not be decoded into a Message.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrUnknownMessageType indicates a well-formed envelope with an unregistered type.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)

// Message is the envelope every sync exchange travels in.
type Message struct {
	ID            string
	DeviceID      string
	Timestamp     time.Time
	Data          Payload
	TargetDevices []string
}

// Type reports the variant carried by the message.
func (m Message) Type() MessageType {
	if m.Data == nil {
		return ""
	}
	return m.Data.MessageType()
}

// IsBroadcast reports whether the message is addressed to every other device.
func (m Message) IsBroadcast() bool {
	return len(m.TargetDevices) == 0
}

// Targets reports whether deviceID should act on the message.
func (m Message) Targets(deviceID string) bool {
	return m.IsBroadcast() || slices.Contains(m.TargetDevices, deviceID)
}

func (m Message) validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrMalformedMessage)
	}
	if m.Data == nil {
		return fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}
	return nil
}

// Factory stamps outgoing messages with a fresh id, the origin device and the current time.
type Factory struct {
	deviceID string
	ids      IDProvider
	clock    func() time.Time
}

// NewFactory constructs a Factory for the given origin device.
func NewFactory(deviceID string, ids IDProvider, clock func() time.Time) *Factory {
	if ids == nil {
		ids = NewUUIDProvider()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Factory{deviceID: deviceID, ids: ids, clock: clock}
}

// DeviceID returns the origin stamped on every message.
func (f *Factory) DeviceID() string {
	return f.deviceID
}

// New builds a message carrying data, optionally addressed to targets only.
func (f *Factory) New(data Payload, targets ...string) (Message, error) {
	if data == nil {
		return Message{}, fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}
	id, err := f.ids.NewID()
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}
	var targetDevices []string
	if len(targets) > 0 {
		targetDevices = slices.Clone(targets)
	}
	return Message{
		ID:            id,
		DeviceID:      f.deviceID,
		Timestamp:     f.clock().UTC(),
		Data:          data,
		TargetDevices: targetDevices,
	}, nil
}
