// Package transport keeps a device connected to the relay: it dials, queues
// while offline, heartbeats and reconnects.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/coder/websocket"
)

const maxFrameBytes = 8 << 20

// Conn is a message-level duplex channel. Implementations must allow one
// concurrent reader and one concurrent writer.
type Conn interface {
	ReadMessage(ctx context.Context) (protocol.Message, error)
	WriteMessage(ctx context.Context, message protocol.Message) error
	Close() error
}

// Handshake carries the identity a device presents when it connects.
type Handshake struct {
	DeviceID  string
	Name      string
	Type      protocol.DeviceType
	Platform  string
	UserAgent string
	Token     string
}

// Dialer opens a Conn to the relay.
type Dialer interface {
	Dial(ctx context.Context, address string, handshake Handshake) (Conn, error)
}

// WebSocketDialer dials the relay over WebSocket.
type WebSocketDialer struct {
	Codec      protocol.Codec
	HTTPClient *http.Client
}

// Dial connects to address, passing the handshake as query parameters and the
// token as a bearer credential.
func (d WebSocketDialer) Dial(ctx context.Context, address string, handshake Handshake) (Conn, error) {
	codec := d.Codec
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	target, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse relay address: %w", err)
	}
	query := target.Query()
	query.Set("deviceId", handshake.DeviceID)
	query.Set("encoding", codec.Name())
	setIfPresent(query, "name", handshake.Name)
	setIfPresent(query, "type", string(handshake.Type))
	setIfPresent(query, "platform", handshake.Platform)
	setIfPresent(query, "userAgent", handshake.UserAgent)
	target.RawQuery = query.Encode()

	header := http.Header{}
	if handshake.UserAgent != "" {
		header.Set("User-Agent", handshake.UserAgent)
	}
	if handshake.Token != "" {
		header.Set("Authorization", "Bearer "+handshake.Token)
	}

	conn, _, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	return NewWebSocketConn(conn, codec), nil
}

func setIfPresent(query url.Values, key, value string) {
	if value != "" {
		query.Set(key, value)
	}
}

type webSocketConn struct {
	conn  *websocket.Conn
	codec protocol.Codec
}

// NewWebSocketConn adapts an established websocket to a Conn using codec for framing.
func NewWebSocketConn(conn *websocket.Conn, codec protocol.Codec) Conn {
	conn.SetReadLimit(maxFrameBytes)
	return &webSocketConn{conn: conn, codec: codec}
}

func (c *webSocketConn) ReadMessage(ctx context.Context) (protocol.Message, error) {
	_, frame, err := c.conn.Read(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	return c.codec.Decode(frame)
}

func (c *webSocketConn) WriteMessage(ctx context.Context, message protocol.Message) error {
	frame, err := c.codec.Encode(message)
	if err != nil {
		return err
	}
	messageType := websocket.MessageText
	if c.codec.Binary() {
		messageType = websocket.MessageBinary
	}
	return c.conn.Write(ctx, messageType, frame)
}

func (c *webSocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
