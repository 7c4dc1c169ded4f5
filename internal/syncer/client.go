package syncer

import (
	"context"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/conflict"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/FeexSystems/BrowserSyncBot/internal/state"
	"github.com/FeexSystems/BrowserSyncBot/internal/transport"
	"go.uber.org/zap"
)

// ClientConfig configures a device Client.
type ClientConfig struct {
	Device    protocol.Device
	RelayURL  string
	Token     string
	UserAgent string
	Codec     protocol.Codec
	// Dialer overrides the WebSocket dialer, mainly for tests.
	Dialer transport.Dialer

	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	Policy           conflict.Policy
	RecentEventLimit int

	IDs    protocol.IDProvider
	Clock  func() time.Time
	Logger *zap.Logger
}

// Client is one device's view of the sync network: its store, conflict resolver,
// router and transport wired together.
type Client struct {
	*Router

	device    protocol.Device
	relayURL  string
	store     *state.Store
	resolver  *conflict.Resolver
	transport *transport.Manager
	clock     func() time.Time
	stop      context.CancelFunc
}

// NewClient assembles a Client. Nothing connects until Connect is called.
func NewClient(cfg ClientConfig) (*Client, error) {
	deviceID, err := protocol.NewDeviceID(cfg.Device.ID)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("device_id", deviceID.String()))
	ids := cfg.IDs
	if ids == nil {
		ids = protocol.NewUUIDProvider()
	}

	store := state.NewStore(state.Config{RecentEventLimit: cfg.RecentEventLimit, Clock: clock})
	resolver, err := conflict.NewResolver(conflict.ResolverConfig{
		Store:    store,
		DeviceID: deviceID.String(),
		Policy:   cfg.Policy,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = transport.WebSocketDialer{Codec: cfg.Codec}
	}

	var router *Router
	manager, err := transport.NewManager(transport.Config{
		Dialer: dialer,
		Handshake: transport.Handshake{
			Name:      cfg.Device.Name,
			Type:      cfg.Device.Type,
			Platform:  cfg.Device.Platform,
			UserAgent: cfg.UserAgent,
			Token:     cfg.Token,
		},
		HandshakeTimeout:     cfg.HandshakeTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectDelay:    cfg.MaxReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		IDs:                  ids,
		Clock:                clock,
		Logger:               logger,
		Handler:              func(message protocol.Message) { router.Handle(message) },
		OnSent:               func(message protocol.Message) { router.OnSent(message) },
	})
	if err != nil {
		return nil, err
	}

	router, err = NewRouter(RouterConfig{
		DeviceID: deviceID.String(),
		Store:    store,
		Resolver: resolver,
		Sender:   manager,
		IDs:      ids,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	device := cfg.Device
	device.ID = deviceID.String()
	if device.Type == "" {
		device.Type = protocol.DeviceTypeDesktop
	}
	device.Status = protocol.DeviceStatusOffline
	store.PutDevice(device)

	watchCtx, stop := context.WithCancel(context.Background())
	client := &Client{
		Router:    router,
		device:    device,
		relayURL:  cfg.RelayURL,
		store:     store,
		resolver:  resolver,
		transport: manager,
		clock:     clock,
		stop:      stop,
	}
	events, _ := manager.Subscribe(watchCtx)
	go client.trackStatus(events)
	return client, nil
}

// trackStatus mirrors the transport state onto the local device record, so
// automatic reconnects and exhausted retries show up in the device list.
func (c *Client) trackStatus(events <-chan transport.Event) {
	for event := range events {
		if _, ok := event.(transport.StatusChanged); !ok {
			continue
		}
		c.syncDeviceStatus()
	}
}

// syncDeviceStatus reads the live transport state so a dropped event cannot leave
// the record stale.
func (c *Client) syncDeviceStatus() {
	switch c.transport.Status() {
	case transport.StatusConnected:
		c.store.SetDeviceStatus(c.device.ID, protocol.DeviceStatusOnline, c.clock().UTC())
	case transport.StatusReconnecting, transport.StatusDisconnected:
		c.store.SetDeviceStatus(c.device.ID, protocol.DeviceStatusOffline, c.clock().UTC())
	}
}

// Connect opens the relay connection. It reports false when the handshake fails.
func (c *Client) Connect(ctx context.Context) bool {
	connected := c.transport.Connect(ctx, c.device.ID, c.relayURL)
	c.syncDeviceStatus()
	return connected
}

// Disconnect closes the relay connection and discards queued messages.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
	c.syncDeviceStatus()
}

// Close disconnects and stops tracking transport events. The client is unusable afterwards.
func (c *Client) Close() {
	c.Disconnect()
	c.stop()
}

// Status returns the transport connection state.
func (c *Client) Status() transport.Status {
	return c.transport.Status()
}

// Latency returns the latest heartbeat round trip.
func (c *Client) Latency() time.Duration {
	return c.transport.Latency()
}

// Subscribe streams transport events until ctx is done.
func (c *Client) Subscribe(ctx context.Context) (<-chan transport.Event, func()) {
	return c.transport.Subscribe(ctx)
}

// PendingConflicts returns conflicts awaiting a manual decision.
func (c *Client) PendingConflicts() []conflict.Conflict {
	return c.resolver.Pending()
}

// RecentEvents returns the latest inbound messages, newest first.
func (c *Client) RecentEvents() []state.Event {
	return c.store.RecentEvents()
}

// LastSyncTime returns when the latest full sync completed.
func (c *Client) LastSyncTime() time.Time {
	return c.store.LastSyncTime()
}

// Store exposes the local data set for reads.
func (c *Client) Store() *state.Store {
	return c.store
}
