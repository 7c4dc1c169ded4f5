package server

import (
	"context"
	"sync"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/FeexSystems/BrowserSyncBot/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultSessionBuffer = 256
	sessionWriteTimeout  = 5 * time.Second
)

// Session is one live device connection on the relay. Outbound messages are
// written in order by a dedicated goroutine.
type Session struct {
	id       int64
	deviceID string
	conn     transport.Conn
	outbound chan protocol.Message
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func newSession(id int64, deviceID string, conn transport.Conn, bufferSize int, logger *zap.Logger) *Session {
	if bufferSize <= 0 {
		bufferSize = defaultSessionBuffer
	}
	return &Session{
		id:       id,
		deviceID: deviceID,
		conn:     conn,
		outbound: make(chan protocol.Message, bufferSize),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("device_id", deviceID), zap.Int64("session_id", id)),
	}
}

// DeviceID returns the device the session was opened for.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// deliver enqueues message without blocking. A full buffer drops the message.
func (s *Session) deliver(message protocol.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- message:
		return true
	default:
		s.logger.Warn("session buffer full, dropping message",
			zap.String("message_id", message.ID),
			zap.String("type", string(message.Type())))
		return false
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case message := <-s.outbound:
			ctx, cancel := context.WithTimeout(context.Background(), sessionWriteTimeout)
			err := s.conn.WriteMessage(ctx, message)
			cancel()
			if err != nil {
				s.logger.Warn("session write failed", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

// Close stops the writer and closes the connection. It is safe to call repeatedly.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
