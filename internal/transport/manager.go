package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/eventbus"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultHeartbeatInterval    = 30 * time.Second
	defaultReconnectInterval    = 5 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultWriteTimeout         = 5 * time.Second
)

var errMissingDialer = errors.New("transport: dialer is required")

// Config configures a Manager.
type Config struct {
	Dialer    Dialer
	Handshake Handshake

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	// MaxReconnectDelay enables capped exponential backoff when positive.
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts of zero disables reconnection; negative selects the default.
	MaxReconnectAttempts int
	WriteTimeout         time.Duration

	IDs    protocol.IDProvider
	Clock  func() time.Time
	Logger *zap.Logger

	// Handler receives every inbound message except pongs. It runs on the read goroutine.
	Handler func(protocol.Message)
	// OnSent is called after a message was written to the connection.
	OnSent func(protocol.Message)
}

// Manager owns the single connection of a device to the relay.
type Manager struct {
	cfg    Config
	events *eventbus.Dispatcher[Event]

	// writeMu serialises writes and queue flushes; it is taken before mu.
	writeMu sync.Mutex

	mu               sync.Mutex
	status           Status
	deviceID         string
	address          string
	conn             Conn
	epoch            uint64
	cancel           context.CancelFunc
	queue            []protocol.Message
	reconnectAttempt int
	latency          time.Duration
}

// NewManager constructs a disconnected Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IDs == nil {
		cfg.IDs = protocol.NewUUIDProvider()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		events: eventbus.NewDispatcher[Event](0),
		status: StatusDisconnected,
	}, nil
}

// Subscribe streams transport events until ctx is done.
func (m *Manager) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return m.events.Subscribe(ctx)
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Latency returns the most recent heartbeat round trip.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// ReconnectAttempt returns the number of reconnect attempts since the last successful connection.
func (m *Manager) ReconnectAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempt
}

// QueueLength returns the number of messages waiting for a connection.
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Connect establishes the connection for deviceID. It reports false when the id is
// blank or the handshake does not complete within the handshake timeout.
func (m *Manager) Connect(ctx context.Context, deviceID, address string) bool {
	validated, err := protocol.NewDeviceID(deviceID)
	if err != nil {
		m.cfg.Logger.Warn("connect rejected", zap.Error(err))
		return false
	}

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	previous := m.stopLocked()
	m.deviceID = validated.String()
	m.address = address
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	closeConn(previous)

	conn, err := m.dial(ctx, address)
	if err != nil {
		m.cfg.Logger.Warn("connect failed", zap.String("address", address), zap.Error(err))
		m.events.Publish(ConnectionError{Err: err})
		m.mu.Lock()
		if m.epoch == epoch {
			m.setStatusLocked(StatusDisconnected)
		}
		m.mu.Unlock()
		return false
	}
	return m.install(conn, epoch)
}

// Disconnect closes the connection, stops heartbeat and reconnection, and discards
// queued messages. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	conn := m.stopLocked()
	m.queue = nil
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	closeConn(conn)
}

// Send writes message immediately when connected. Otherwise, or when the write
// fails, the message is queued and false is returned.
func (m *Manager) Send(message protocol.Message) bool {
	m.writeMu.Lock()
	m.mu.Lock()
	if m.status != StatusConnected || m.conn == nil {
		m.queue = append(m.queue, message)
		m.mu.Unlock()
		m.writeMu.Unlock()
		return false
	}
	conn, epoch := m.conn, m.epoch
	m.mu.Unlock()

	err := m.write(conn, message)
	m.writeMu.Unlock()
	if err != nil {
		m.mu.Lock()
		m.queue = append(m.queue, message)
		m.mu.Unlock()
		m.connectionLost(epoch, err)
		return false
	}
	m.sent(message)
	return true
}

func (m *Manager) dial(ctx context.Context, address string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	handshake := m.cfg.Handshake
	m.mu.Lock()
	handshake.DeviceID = m.deviceID
	m.mu.Unlock()
	return m.cfg.Dialer.Dial(dialCtx, address, handshake)
}

// install makes conn the live connection of epoch and flushes the queue before
// any later Send can write.
func (m *Manager) install(conn Conn, epoch uint64) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	if m.cancel != nil {
		m.cancel()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancel = cancel
	m.reconnectAttempt = 0
	queued := m.queue
	m.queue = nil
	address := m.address
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	m.cfg.Logger.Info("connected to relay", zap.String("address", address), zap.Int("queued", len(queued)))
	go m.readLoop(loopCtx, conn, epoch)
	go m.heartbeatLoop(loopCtx, epoch)

	for index, message := range queued {
		if err := m.write(conn, message); err != nil {
			m.mu.Lock()
			m.queue = append(append([]protocol.Message{}, queued[index:]...), m.queue...)
			m.mu.Unlock()
			m.connectionLost(epoch, err)
			return true
		}
		m.sent(message)
	}
	return true
}

func (m *Manager) write(conn Conn, message protocol.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	return conn.WriteMessage(ctx, message)
}

func (m *Manager) sent(message protocol.Message) {
	if m.cfg.OnSent != nil {
		m.cfg.OnSent(message)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, epoch uint64) {
	for {
		message, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, protocol.ErrMalformedMessage) || errors.Is(err, protocol.ErrUnknownMessageType) {
				m.cfg.Logger.Warn("discarding inbound frame", zap.Error(err))
				m.events.Publish(ConnectionError{Err: err})
				continue
			}
			m.connectionLost(epoch, err)
			return
		}
		if pong, ok := message.Data.(protocol.Pong); ok {
			m.recordLatency(pong.SentAt)
			continue
		}
		if m.cfg.Handler != nil {
			m.cfg.Handler(message)
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, epoch uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ping(epoch)
		}
	}
}

// ping bypasses the queue: a heartbeat is only meaningful on a live connection.
func (m *Manager) ping(epoch uint64) {
	id, err := m.cfg.IDs.NewID()
	if err != nil {
		m.cfg.Logger.Warn("heartbeat id generation failed", zap.Error(err))
		return
	}

	m.writeMu.Lock()
	m.mu.Lock()
	if m.epoch != epoch || m.status != StatusConnected || m.conn == nil {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return
	}
	conn := m.conn
	sentAt := m.cfg.Clock().UTC()
	message := protocol.Message{
		ID:        id,
		DeviceID:  m.deviceID,
		Timestamp: sentAt,
		Data:      protocol.Ping{SentAt: sentAt},
	}
	m.mu.Unlock()

	err = m.write(conn, message)
	m.writeMu.Unlock()
	if err != nil {
		m.connectionLost(epoch, err)
	}
}

func (m *Manager) recordLatency(sentAt time.Time) {
	roundTrip := m.cfg.Clock().Sub(sentAt)
	if roundTrip < 0 {
		roundTrip = 0
	}
	m.mu.Lock()
	m.latency = roundTrip
	m.mu.Unlock()
	m.events.Publish(LatencyMeasured{RoundTrip: roundTrip})
}

// connectionLost tears down the connection of epoch and starts reconnecting.
// Losses reported for superseded epochs are ignored.
func (m *Manager) connectionLost(epoch uint64, cause error) {
	m.mu.Lock()
	if m.epoch != epoch || m.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	m.epoch++
	next := m.epoch
	conn := m.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStatusLocked(StatusReconnecting)
	m.mu.Unlock()
	closeConn(conn)

	m.cfg.Logger.Warn("connection lost", zap.Error(cause))
	m.events.Publish(ConnectionError{Err: cause})
	go m.reconnectLoop(ctx, next)
}

func (m *Manager) reconnectLoop(ctx context.Context, epoch uint64) {
	for {
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		if m.reconnectAttempt >= m.cfg.MaxReconnectAttempts {
			attempts := m.reconnectAttempt
			m.setStatusLocked(StatusDisconnected)
			m.mu.Unlock()
			m.cfg.Logger.Error("reconnection failed", zap.Int("attempts", attempts))
			m.events.Publish(ReconnectionFailed{Attempts: attempts})
			return
		}
		m.reconnectAttempt++
		attempt := m.reconnectAttempt
		address := m.address
		m.mu.Unlock()

		timer := time.NewTimer(m.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := m.dial(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.cfg.Logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			m.events.Publish(ConnectionError{Err: err})
			continue
		}
		m.install(conn, epoch)
		return
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.ReconnectInterval
	if m.cfg.MaxReconnectDelay <= 0 {
		return delay
	}
	for i := 1; i < attempt && delay < m.cfg.MaxReconnectDelay; i++ {
		delay *= 2
	}
	if delay > m.cfg.MaxReconnectDelay {
		delay = m.cfg.MaxReconnectDelay
	}
	return delay
}

// stopLocked cancels the loops of the current connection and detaches it.
// The caller closes the returned connection after releasing mu.
func (m *Manager) stopLocked() Conn {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func closeConn(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) setStatusLocked(next Status) {
	if m.status == next {
		return
	}
	previous := m.status
	m.status = next
	m.events.Publish(StatusChanged{Previous: previous, Current: next})
}
