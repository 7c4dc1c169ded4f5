package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbound chan protocol.Message
	closed  chan struct{}
	once    sync.Once

	mu         sync.Mutex
	written    []protocol.Message
	failWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan protocol.Message, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) (protocol.Message, error) {
	select {
	case message := <-c.inbound:
		return message, nil
	case <-c.closed:
		return protocol.Message{}, io.EOF
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, message protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, message)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop() {
	c.Close()
}

func (c *fakeConn) setFailWrites(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrites = fail
}

func (c *fakeConn) writtenIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.written))
	for _, message := range c.written {
		ids = append(ids, message.ID)
	}
	return ids
}

func (c *fakeConn) writtenTypes() []protocol.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]protocol.MessageType, 0, len(c.written))
	for _, message := range c.written {
		types = append(types, message.Type())
	}
	return types
}

// fakeDialer hands out scripted connections; nil entries and an exhausted script fail.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	attempts atomic.Int32
	block    bool
	lastSeen Handshake
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, handshake Handshake) (Conn, error) {
	d.attempts.Add(1)
	d.mu.Lock()
	d.lastSeen = handshake
	if d.block {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.conns[0]
	d.conns = d.conns[1:]
	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next, nil
}

func (d *fakeDialer) script(conns ...*fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, conns...)
}

func newTestManager(t *testing.T, dialer Dialer, tune func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Dialer:               dialer,
		HandshakeTimeout:     200 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
	if tune != nil {
		tune(&cfg)
	}
	manager, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(manager.Disconnect)
	return manager
}

func message(id string) protocol.Message {
	return protocol.Message{
		ID:        id,
		DeviceID:  "device-a",
		Timestamp: time.Now().UTC(),
		Data:      protocol.TabClosed{Tab: protocol.Tab{ID: id}},
	}
}

func TestConnectRejectsBlankDeviceID(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(t, dialer, nil)

	assert.False(t, manager.Connect(context.Background(), "  ", "ws://relay"))
	assert.Equal(t, StatusDisconnected, manager.Status())
	assert.Zero(t, dialer.attempts.Load())
}

func TestConnectTimesOutDuringHandshake(t *testing.T) {
	dialer := &fakeDialer{block: true}
	manager := newTestManager(t, dialer, func(cfg *Config) { cfg.HandshakeTimeout = 20 * time.Millisecond })

	started := time.Now()
	assert.False(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, StatusDisconnected, manager.Status())
}

func TestConnectPassesHandshake(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.script(newFakeConn())
	manager := newTestManager(t, dialer, func(cfg *Config) {
		cfg.Handshake = Handshake{Name: "Work laptop", Platform: "linux", Token: "secret"}
	})

	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	assert.Equal(t, StatusConnected, manager.Status())
	assert.Equal(t, "device-a", dialer.lastSeen.DeviceID)
	assert.Equal(t, "Work laptop", dialer.lastSeen.Name)
	assert.Equal(t, "secret", dialer.lastSeen.Token)
}

func TestQueuedMessagesFlushInOrderBeforeNewSends(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn)

	var sentMu sync.Mutex
	var sent []string
	manager := newTestManager(t, dialer, func(cfg *Config) {
		cfg.OnSent = func(message protocol.Message) {
			sentMu.Lock()
			defer sentMu.Unlock()
			sent = append(sent, message.ID)
		}
	})

	for _, id := range []string{"m1", "m2", "m3"} {
		assert.False(t, manager.Send(message(id)), "send while disconnected must queue")
	}
	assert.Equal(t, 3, manager.QueueLength())

	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	assert.True(t, manager.Send(message("m4")))

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, conn.writtenIDs())
	assert.Zero(t, manager.QueueLength())
	sentMu.Lock()
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, sent)
	sentMu.Unlock()
}

func TestFailedWriteQueuesMessageAndReconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(first, second)
	manager := newTestManager(t, dialer, nil)

	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	first.setFailWrites(true)

	assert.False(t, manager.Send(message("m1")))
	require.Eventually(t, func() bool { return manager.Status() == StatusConnected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(second.writtenIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1"}, second.writtenIDs())
	assert.Zero(t, manager.ReconnectAttempt())
}

func TestReconnectStopsAfterBudgetWithSingleFailureEvent(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn)
	manager := newTestManager(t, dialer, nil)

	events, cleanup := manager.Subscribe(context.Background())
	defer cleanup()

	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	conn.drop()

	require.Eventually(t, func() bool { return manager.Status() == StatusDisconnected }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	failures := 0
	var statuses []Status
	draining := true
	for draining {
		select {
		case event := <-events:
			switch typed := event.(type) {
			case ReconnectionFailed:
				failures++
				assert.Equal(t, 3, typed.Attempts)
			case StatusChanged:
				statuses = append(statuses, typed.Current)
			}
		default:
			draining = false
		}
	}

	assert.Equal(t, 1, failures)
	assert.Equal(t, int32(4), dialer.attempts.Load(), "one connect plus three reconnect attempts")
	assert.Equal(t, 3, manager.ReconnectAttempt())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusReconnecting, StatusDisconnected}, statuses)
}

func TestFailedManualConnectKeepsAttemptCount(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn)
	manager := newTestManager(t, dialer, nil)

	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	conn.drop()
	require.Eventually(t, func() bool {
		return manager.Status() == StatusDisconnected && manager.ReconnectAttempt() == 3
	}, time.Second, 5*time.Millisecond)

	assert.False(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	assert.Equal(t, 3, manager.ReconnectAttempt())
	assert.Equal(t, StatusDisconnected, manager.Status())

	dialer.script(newFakeConn())
	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	assert.Zero(t, manager.ReconnectAttempt())
}

func TestReconnectResetsAttemptsOnSuccess(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(first, nil, nil, second)
	manager := newTestManager(t, dialer, nil)

	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	first.drop()

	require.Eventually(t, func() bool {
		return manager.Status() == StatusConnected && dialer.attempts.Load() == 4
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, manager.ReconnectAttempt())
}

func TestDisconnectClearsQueueAndStopsReconnecting(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn)
	manager := newTestManager(t, dialer, func(cfg *Config) { cfg.ReconnectInterval = 50 * time.Millisecond })

	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))
	conn.drop()
	require.Eventually(t, func() bool { return manager.Status() == StatusReconnecting }, time.Second, time.Millisecond)

	manager.Send(message("m1"))
	manager.Disconnect()
	manager.Disconnect()

	assert.Equal(t, StatusDisconnected, manager.Status())
	assert.Zero(t, manager.QueueLength())
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.attempts.Load(), "no reconnect after an explicit disconnect")
}

func TestHeartbeatMeasuresLatency(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn)

	var handled atomic.Int32
	manager := newTestManager(t, dialer, func(cfg *Config) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.Handler = func(protocol.Message) { handled.Add(1) }
	})
	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))

	require.Eventually(t, func() bool {
		for _, messageType := range conn.writtenTypes() {
			if messageType == protocol.TypePing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	conn.inbound <- protocol.Message{
		ID:       "pong-1",
		DeviceID: protocol.RelayDeviceID,
		Data:     protocol.Pong{SentAt: time.Now().Add(-40 * time.Millisecond)},
	}
	require.Eventually(t, func() bool { return manager.Latency() >= 40*time.Millisecond }, time.Second, 5*time.Millisecond)
	assert.Zero(t, handled.Load(), "pongs are consumed by the transport")
}

func TestPingsAreNeverQueued(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn)
	manager := newTestManager(t, dialer, func(cfg *Config) {
		cfg.HeartbeatInterval = 5 * time.Millisecond
		cfg.MaxReconnectAttempts = 0
	})
	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))

	conn.setFailWrites(true)
	require.Eventually(t, func() bool { return manager.Status() == StatusDisconnected }, time.Second, time.Millisecond)
	assert.Zero(t, manager.QueueLength())
}

func TestInboundMessagesReachHandler(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn)

	received := make(chan protocol.Message, 1)
	manager := newTestManager(t, dialer, func(cfg *Config) {
		cfg.Handler = func(message protocol.Message) { received <- message }
	})
	require.True(t, manager.Connect(context.Background(), "device-a", "ws://relay"))

	conn.inbound <- message("remote-1")
	select {
	case got := <-received:
		assert.Equal(t, "remote-1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	manager := newTestManager(t, &fakeDialer{}, func(cfg *Config) {
		cfg.ReconnectInterval = time.Second
		cfg.MaxReconnectDelay = 5 * time.Second
	})
	var delays []string
	for attempt := 1; attempt <= 5; attempt++ {
		delays = append(delays, fmt.Sprint(manager.backoff(attempt)))
	}
	assert.Equal(t, []string{"1s", "2s", "4s", "5s", "5s"}, delays)

	fixed := newTestManager(t, &fakeDialer{}, func(cfg *Config) { cfg.ReconnectInterval = time.Second })
	assert.Equal(t, time.Second, fixed.backoff(7))
}
