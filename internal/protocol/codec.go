package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// Codec converts messages to and from wire frames.
type Codec interface {
	Name() string
	// Binary reports whether frames must be sent as binary websocket messages.
	Binary() bool
	Encode(message Message) ([]byte, error)
	Decode(frame []byte) (Message, error)
}

// CodecByName resolves an encoding name. An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingJSON:
		return JSONCodec{}, nil
	case EncodingCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

type jsonEnvelope struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	DeviceID      string          `json:"deviceId"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	TargetDevices []string        `json:"targetDevices,omitempty"`
}

// JSONCodec is the default text encoding.
type JSONCodec struct{}

func (JSONCodec) Name() string { return EncodingJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(message Message) ([]byte, error) {
	if err := message.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(message.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", message.Type(), err)
	}
	return json.Marshal(jsonEnvelope{
		ID:            message.ID,
		Type:          message.Type(),
		DeviceID:      message.DeviceID,
		Timestamp:     message.Timestamp,
		Data:          data,
		TargetDevices: message.TargetDevices,
	})
}

func (JSONCodec) Decode(frame []byte) (Message, error) {
	var envelope jsonEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return decodeEnvelope(envelope.ID, envelope.Type, envelope.DeviceID, envelope.Timestamp, envelope.TargetDevices, envelope.Data, json.Unmarshal)
}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	cborEncMode, err = encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborEnvelope struct {
	ID            string          `cbor:"id"`
	Type          MessageType     `cbor:"type"`
	DeviceID      string          `cbor:"deviceId"`
	Timestamp     time.Time       `cbor:"timestamp"`
	Data          cbor.RawMessage `cbor:"data"`
	TargetDevices []string        `cbor:"targetDevices,omitempty"`
}

// CBORCodec is the compact binary encoding. Field names match the JSON form.
type CBORCodec struct{}

func (CBORCodec) Name() string { return EncodingCBOR }
func (CBORCodec) Binary() bool { return true }

func (CBORCodec) Encode(message Message) ([]byte, error) {
	if err := message.validate(); err != nil {
		return nil, err
	}
	data, err := cborEncMode.Marshal(message.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", message.Type(), err)
	}
	return cborEncMode.Marshal(cborEnvelope{
		ID:            message.ID,
		Type:          message.Type(),
		DeviceID:      message.DeviceID,
		Timestamp:     message.Timestamp,
		Data:          data,
		TargetDevices: message.TargetDevices,
	})
}

func (CBORCodec) Decode(frame []byte) (Message, error) {
	var envelope cborEnvelope
	if err := cborDecMode.Unmarshal(frame, &envelope); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return decodeEnvelope(envelope.ID, envelope.Type, envelope.DeviceID, envelope.Timestamp, envelope.TargetDevices, envelope.Data, cborDecMode.Unmarshal)
}

func decodeEnvelope(id string, messageType MessageType, deviceID string, timestamp time.Time, targets []string, raw []byte, unmarshal unmarshalFunc) (Message, error) {
	if messageType == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	decoder, ok := payloadDecoders[messageType]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, messageType)
	}
	payload, err := decoder(unmarshal, raw)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s data: %v", ErrMalformedMessage, messageType, err)
	}
	message := Message{
		ID:            id,
		DeviceID:      deviceID,
		Timestamp:     timestamp,
		Data:          payload,
		TargetDevices: targets,
	}
	if err := message.validate(); err != nil {
		return Message{}, err
	}
	return message, nil
}
