package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/FeexSystems/BrowserSyncBot/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultStaleAfter    = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// DeviceInfo is what the relay knows about a connected device.
type DeviceInfo struct {
	DeviceID    string              `json:"deviceId"`
	Name        string              `json:"name"`
	Type        protocol.DeviceType `json:"type"`
	Browser     string              `json:"browser"`
	Platform    string              `json:"platform,omitempty"`
	UserAgent   string              `json:"userAgent,omitempty"`
	ConnectedAt time.Time           `json:"connectedAt"`
	LastSeen    time.Time           `json:"lastSeen"`
}

func (i DeviceInfo) device() protocol.Device {
	return protocol.Device{
		ID:       i.DeviceID,
		Name:     i.Name,
		Type:     i.Type,
		Browser:  i.Browser,
		Platform: i.Platform,
		Status:   protocol.DeviceStatusOnline,
		LastSync: i.LastSeen,
	}
}

// DeviceObserver is told when devices come and go.
type DeviceObserver interface {
	DeviceConnected(ctx context.Context, device protocol.Device, userAgent string)
	DeviceDisconnected(ctx context.Context, deviceID string)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	StaleAfter    time.Duration
	SessionBuffer int
	Observer      DeviceObserver
	IDs           protocol.IDProvider
	Clock         func() time.Time
	Logger        *zap.Logger
}

type sessionEntry struct {
	session *Session
	info    DeviceInfo
}

// Registry maps connected devices to their sessions and routes messages between them.
type Registry struct {
	mu       sync.RWMutex
	byDevice map[string]*Session
	sessions map[*Session]*sessionEntry
	nextID   int64

	staleAfter    time.Duration
	sessionBuffer int
	observer      DeviceObserver
	messages      *protocol.Factory
	clock         func() time.Time
	logger        *zap.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byDevice:      make(map[string]*Session),
		sessions:      make(map[*Session]*sessionEntry),
		staleAfter:    staleAfter,
		sessionBuffer: cfg.SessionBuffer,
		observer:      cfg.Observer,
		messages:      protocol.NewFactory(protocol.RelayDeviceID, cfg.IDs, clock),
		clock:         clock,
		logger:        logger,
	}
}

// Open creates a session for conn. The session is not routable until Register.
func (r *Registry) Open(deviceID string, conn transport.Conn) *Session {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	session := newSession(id, deviceID, conn, r.sessionBuffer, r.logger)
	go session.writeLoop()
	return session
}

// Register maps the session's device id to it, announces the device to every
// other session and tells the newcomer which devices are already connected.
// A previous session for the same id loses its mapping but stays open.
func (r *Registry) Register(ctx context.Context, session *Session, info DeviceInfo) *Session {
	now := r.clock().UTC()
	info.DeviceID = session.deviceID
	info.ConnectedAt = now
	info.LastSeen = now

	r.mu.Lock()
	replaced := r.byDevice[info.DeviceID]
	r.byDevice[info.DeviceID] = session
	r.sessions[session] = &sessionEntry{session: session, info: info}
	others := make([]*Session, 0, len(r.sessions))
	existing := make([]DeviceInfo, 0, len(r.byDevice))
	for other, entry := range r.sessions {
		if other.deviceID != info.DeviceID {
			others = append(others, other)
		}
		if owner := r.byDevice[entry.info.DeviceID]; owner == other && other.deviceID != info.DeviceID {
			existing = append(existing, entry.info)
		}
	}
	count := len(r.byDevice)
	r.mu.Unlock()

	if replaced != nil && replaced != session {
		r.logger.Info("device session replaced", zap.String("device_id", info.DeviceID))
	}
	r.logger.Info("device connected",
		zap.String("device_id", info.DeviceID),
		zap.String("browser", info.Browser),
		zap.String("type", string(info.Type)),
		zap.Int("connected", count))

	if announcement, err := r.newMessage(info.DeviceID, protocol.DeviceConnect{Device: info.device()}); err == nil {
		for _, other := range others {
			other.deliver(announcement)
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].DeviceID < existing[j].DeviceID })
	for _, peer := range existing {
		if greeting, err := r.newMessage(peer.DeviceID, protocol.DeviceConnect{Device: peer.device()}, info.DeviceID); err == nil {
			session.deliver(greeting)
		}
	}
	if r.observer != nil {
		r.observer.DeviceConnected(ctx, info.device(), info.UserAgent)
	}
	return replaced
}

// Unregister forgets the session. Only the session currently mapped to its
// device id announces the device as disconnected.
func (r *Registry) Unregister(ctx context.Context, session *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[session]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, session)
	owned := r.byDevice[session.deviceID] == session
	if owned {
		delete(r.byDevice, session.deviceID)
	}
	remaining := r.sessionsLocked()
	count := len(r.byDevice)
	r.mu.Unlock()

	if !owned {
		return
	}
	r.logger.Info("device disconnected", zap.String("device_id", session.deviceID), zap.Int("connected", count))
	if announcement, err := r.newMessage(protocol.RelayDeviceID, protocol.DeviceDisconnect{DeviceID: session.deviceID}); err == nil {
		for _, other := range remaining {
			other.deliver(announcement)
		}
	}
	if r.observer != nil {
		r.observer.DeviceDisconnected(ctx, session.deviceID)
	}
}

// Route delivers message from the sending session: to the mapped sessions of
// its target devices, or to every session of other devices when it has no targets.
// Targets that are not connected are dropped.
func (r *Registry) Route(from *Session, message protocol.Message) int {
	r.Touch(from)

	r.mu.RLock()
	var recipients []*Session
	if message.IsBroadcast() {
		for session := range r.sessions {
			if session.deviceID != from.deviceID {
				recipients = append(recipients, session)
			}
		}
	} else {
		for _, target := range message.TargetDevices {
			if session, ok := r.byDevice[target]; ok {
				recipients = append(recipients, session)
			} else {
				r.logger.Debug("target device not connected",
					zap.String("target", target),
					zap.String("message_id", message.ID))
			}
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, session := range recipients {
		if session.deliver(message) {
			delivered++
		}
	}
	return delivered
}

// Touch refreshes the last-seen time of a session.
func (r *Registry) Touch(session *Session) {
	now := r.clock().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[session]; ok {
		entry.info.LastSeen = now
	}
}

// Sweep evicts sessions that have been silent longer than the stale threshold
// and returns the evicted device ids.
func (r *Registry) Sweep(ctx context.Context) []string {
	cutoff := r.clock().UTC().Add(-r.staleAfter)
	r.mu.RLock()
	var stale []*Session
	for session, entry := range r.sessions {
		if entry.info.LastSeen.Before(cutoff) {
			stale = append(stale, session)
		}
	}
	r.mu.RUnlock()

	evicted := make([]string, 0, len(stale))
	for _, session := range stale {
		r.Unregister(ctx, session)
		session.Close()
		evicted = append(evicted, session.deviceID)
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted stale devices", zap.Strings("device_ids", evicted))
	}
	connected := r.ConnectedDeviceIDs()
	r.logger.Info("connected devices", zap.Int("count", len(connected)), zap.Strings("device_ids", connected))
	return evicted
}

// RunSweeper sweeps every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Snapshot returns the devices that currently own a session, ordered by id.
func (r *Registry) Snapshot() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]DeviceInfo, 0, len(r.byDevice))
	for _, session := range r.byDevice {
		if entry, ok := r.sessions[session]; ok {
			infos = append(infos, entry.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// ConnectedDeviceIDs returns the ids of connected devices in order.
func (r *Registry) ConnectedDeviceIDs() []string {
	snapshot := r.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for _, info := range snapshot {
		ids = append(ids, info.DeviceID)
	}
	return ids
}

// Disconnect closes the session of deviceID. Its reader unregisters it.
func (r *Registry) Disconnect(deviceID string) bool {
	r.mu.RLock()
	session, ok := r.byDevice[deviceID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	session.Close()
	return true
}

// CloseAll closes every session. Their readers unregister them.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := r.sessionsLocked()
	r.mu.RUnlock()
	for _, session := range sessions {
		session.Close()
	}
}

// Serve reads messages from session until the connection ends.
func (r *Registry) Serve(ctx context.Context, session *Session) {
	for {
		message, err := session.conn.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) || errors.Is(err, protocol.ErrUnknownMessageType) {
				session.logger.Warn("discarding malformed message", zap.Error(err))
				r.replyError(session, "malformed_message", err.Error())
				continue
			}
			return
		}
		if message.DeviceID != session.deviceID {
			session.logger.Warn("discarding message with foreign origin",
				zap.String("origin", message.DeviceID),
				zap.String("message_id", message.ID))
			r.replyError(session, "origin_mismatch", "message origin does not match the connected device")
			continue
		}
		if ping, ok := message.Data.(protocol.Ping); ok {
			r.Touch(session)
			if pong, err := r.newMessage(protocol.RelayDeviceID, protocol.Pong{SentAt: ping.SentAt}, session.deviceID); err == nil {
				session.deliver(pong)
			}
			continue
		}
		r.Route(session, message)
	}
}

func (r *Registry) replyError(session *Session, code, text string) {
	if reply, err := r.newMessage(protocol.RelayDeviceID, protocol.Error{Code: code, Message: text}, session.deviceID); err == nil {
		session.deliver(reply)
	}
}

// newMessage builds a relay-generated message that carries origin as its device id.
func (r *Registry) newMessage(origin string, payload protocol.Payload, targets ...string) (protocol.Message, error) {
	message, err := r.messages.New(payload, targets...)
	if err != nil {
		r.logger.Error("relay message not built", zap.Error(err))
		return protocol.Message{}, err
	}
	message.DeviceID = origin
	return message, nil
}

func (r *Registry) sessionsLocked() []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
