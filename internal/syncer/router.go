// Package syncer turns local mutations into sync messages and applies the
// messages of other devices to the local state store.
package syncer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/conflict"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/FeexSystems/BrowserSyncBot/internal/state"
	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("syncer: store is required")
	errMissingResolver = errors.New("syncer: resolver is required")
	errMissingSender   = errors.New("syncer: sender is required")
	// ErrUnknownAction indicates an unsupported mutation kind.
	ErrUnknownAction = errors.New("syncer: unknown action")
	// ErrMissingTarget indicates a send-to-device request without a target.
	ErrMissingTarget = errors.New("syncer: target device is required")
)

// TabAction is a tab mutation.
type TabAction string

const (
	TabOpen   TabAction = "open"
	TabClose  TabAction = "close"
	TabUpdate TabAction = "update"
)

// PasswordAction is a password mutation.
type PasswordAction string

const (
	PasswordAdd    PasswordAction = "add"
	PasswordUpdate PasswordAction = "update"
	PasswordDelete PasswordAction = "delete"
)

// HistoryAction is a history mutation.
type HistoryAction string

const (
	HistoryAdd   HistoryAction = "add"
	HistoryClear HistoryAction = "clear"
)

// Sender hands messages to the transport. It reports false when the message was queued.
type Sender interface {
	Send(message protocol.Message) bool
}

// RouterConfig configures a Router.
type RouterConfig struct {
	DeviceID string
	Store    *state.Store
	Resolver *conflict.Resolver
	Sender   Sender
	IDs      protocol.IDProvider
	Clock    func() time.Time
	Logger   *zap.Logger
}

type itemRef struct {
	kind protocol.ItemType
	id   string
}

// Router dispatches inbound messages to the store and packages local mutations.
type Router struct {
	deviceID string
	store    *state.Store
	resolver *conflict.Resolver
	sender   Sender
	messages *protocol.Factory
	ids      protocol.IDProvider
	clock    func() time.Time
	logger   *zap.Logger

	inflightMu sync.Mutex
	inflight   map[string]itemRef
	latest     map[itemRef]string
}

// NewRouter constructs a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	deviceID, err := protocol.NewDeviceID(cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	ids := cfg.IDs
	if ids == nil {
		ids = protocol.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		deviceID: deviceID.String(),
		store:    cfg.Store,
		resolver: cfg.Resolver,
		sender:   cfg.Sender,
		messages: protocol.NewFactory(deviceID.String(), ids, clock),
		ids:      ids,
		clock:    clock,
		logger:   logger,
		inflight: make(map[string]itemRef),
		latest:   make(map[itemRef]string),
	}, nil
}

// DeviceID returns the id of the local device.
func (r *Router) DeviceID() string {
	return r.deviceID
}

// SyncTab applies a local tab mutation and announces it to the other devices.
func (r *Router) SyncTab(action TabAction, tab protocol.Tab) (protocol.Tab, error) {
	switch action {
	case TabOpen, TabUpdate:
		if tab.DeviceID == "" {
			tab.DeviceID = r.deviceID
		}
		stored, err := r.commitLocal(tab)
		if err != nil {
			return protocol.Tab{}, err
		}
		tab = stored.(protocol.Tab)
		var payload protocol.Payload = protocol.TabUpdated{Tab: tab}
		if action == TabOpen {
			payload = protocol.TabOpened{Tab: tab}
		}
		return tab, r.publishItem(payload, tab)
	case TabClose:
		if removed, ok := r.store.Remove(protocol.ItemTypeTab, tab.ID); ok {
			tab = removed.(protocol.Tab)
		}
		r.resolver.Discard(protocol.ItemTypeTab, tab.ID)
		return tab, r.publish(protocol.TabClosed{Tab: tab})
	default:
		return protocol.Tab{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// SyncPassword applies a local password mutation and announces it.
func (r *Router) SyncPassword(action PasswordAction, password protocol.Password) (protocol.Password, error) {
	switch action {
	case PasswordAdd, PasswordUpdate:
		password.LastUpdated = r.clock().UTC()
		stored, err := r.commitLocal(password)
		if err != nil {
			return protocol.Password{}, err
		}
		password = stored.(protocol.Password)
		var payload protocol.Payload = protocol.PasswordUpdated{Password: password}
		if action == PasswordAdd {
			payload = protocol.PasswordAdded{Password: password}
		}
		return password, r.publishItem(payload, password)
	case PasswordDelete:
		if removed, ok := r.store.Remove(protocol.ItemTypePassword, password.ID); ok {
			password = removed.(protocol.Password)
		}
		r.resolver.Discard(protocol.ItemTypePassword, password.ID)
		return password, r.publish(protocol.PasswordDeleted{Password: password})
	default:
		return protocol.Password{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// SyncHistory records a visit, or clears history. For a clear, item.DeviceID
// scopes the clear to one device and an empty id clears everything.
func (r *Router) SyncHistory(action HistoryAction, item protocol.HistoryItem) (protocol.HistoryItem, error) {
	switch action {
	case HistoryAdd:
		if item.DeviceID == "" {
			item.DeviceID = r.deviceID
		}
		if item.VisitTime.IsZero() {
			item.VisitTime = r.clock().UTC()
		}
		if item.VisitCount == 0 {
			item.VisitCount = 1
		}
		stored, err := r.commitLocal(item)
		if err != nil {
			return protocol.HistoryItem{}, err
		}
		item = stored.(protocol.HistoryItem)
		return item, r.publishItem(protocol.HistoryAdded{HistoryItem: item}, item)
	case HistoryClear:
		r.store.ClearHistory(item.DeviceID)
		return item, r.publish(protocol.HistoryCleared{DeviceID: item.DeviceID})
	default:
		return protocol.HistoryItem{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// SendTabToDevice asks targetDeviceID to open its own copy of tab.
func (r *Router) SendTabToDevice(tab protocol.Tab, targetDeviceID string) error {
	if strings.TrimSpace(targetDeviceID) == "" {
		return ErrMissingTarget
	}
	return r.publish(protocol.TabSendToDevice{Tab: tab}, targetDeviceID)
}

// FocusTab records local focus on a tab and tells the other devices.
func (r *Router) FocusTab(tabID string) error {
	focusedAt := r.clock().UTC()
	if _, ok := r.store.TouchTab(tabID, focusedAt); !ok {
		return fmt.Errorf("tab %q not found", tabID)
	}
	return r.publish(protocol.TabFocused{TabID: tabID, FocusedAt: focusedAt})
}

// CreateTabGroup stores a new tab group and announces it.
func (r *Router) CreateTabGroup(group protocol.TabGroup) (protocol.TabGroup, error) {
	group, err := r.prepareGroup(group)
	if err != nil {
		return protocol.TabGroup{}, err
	}
	return group, r.publish(protocol.TabGroupCreated{Group: group})
}

// UpdateTabGroup stores a revised tab group and announces it.
func (r *Router) UpdateTabGroup(group protocol.TabGroup) (protocol.TabGroup, error) {
	group, err := r.prepareGroup(group)
	if err != nil {
		return protocol.TabGroup{}, err
	}
	return group, r.publish(protocol.TabGroupUpdated{Group: group})
}

func (r *Router) prepareGroup(group protocol.TabGroup) (protocol.TabGroup, error) {
	if group.ID == "" {
		id, err := r.ids.NewID()
		if err != nil {
			return protocol.TabGroup{}, err
		}
		group.ID = id
	}
	if group.DeviceID == "" {
		group.DeviceID = r.deviceID
	}
	group.UpdatedAt = r.clock().UTC()
	r.store.PutTabGroup(group)
	return group, nil
}

// RequestFullSync asks every other device for its items in scopes, all scopes by default.
func (r *Router) RequestFullSync(scopes ...protocol.Scope) error {
	if len(scopes) == 0 {
		scopes = protocol.AllScopes()
	}
	return r.publish(protocol.SyncRequest{Types: scopes, Timestamp: r.clock().UTC()})
}

// RequestPasswords asks every other device for its passwords.
func (r *Router) RequestPasswords() error {
	return r.publish(protocol.PasswordSyncRequest{Timestamp: r.clock().UTC()})
}

// ResolveConflict settles a pending conflict and propagates the chosen version.
// It reports false when the conflict is unknown or already resolved.
func (r *Router) ResolveConflict(conflictID string, side conflict.Side) (bool, error) {
	item, ok, err := r.resolver.Resolve(conflictID, side)
	if err != nil || !ok {
		return false, err
	}
	var payload protocol.Payload
	switch value := item.(type) {
	case protocol.Tab:
		payload = protocol.TabUpdated{Tab: value}
	case protocol.Password:
		payload = protocol.PasswordUpdated{Password: value}
	case protocol.HistoryItem:
		payload = protocol.HistoryAdded{HistoryItem: value}
	default:
		return false, fmt.Errorf("unsupported conflict item %T", item)
	}
	return true, r.publishItem(payload, item)
}

// OnSent marks the item behind a written message as committed, unless a newer
// local mutation of the same item is still in flight.
func (r *Router) OnSent(message protocol.Message) {
	r.inflightMu.Lock()
	ref, ok := r.inflight[message.ID]
	if ok {
		delete(r.inflight, message.ID)
		if r.latest[ref] == message.ID {
			delete(r.latest, ref)
		} else {
			ok = false
		}
	}
	r.inflightMu.Unlock()
	if ok {
		r.store.MarkCommitted(ref.kind, ref.id)
	}
}

// commitLocal stamps a local edit with a fresh version and stores it as pending.
func (r *Router) commitLocal(item protocol.Item) (protocol.Item, error) {
	if strings.TrimSpace(item.ItemID()) == "" {
		id, err := r.ids.NewID()
		if err != nil {
			return nil, err
		}
		item = withID(item, id)
	}
	var version protocol.VersionVector
	if existing, ok := r.store.Lookup(item.ItemType(), item.ItemID()); ok {
		version = existing.SyncMeta().Version
	}
	item = item.WithMeta(protocol.Meta{
		LastModified: r.clock().UTC(),
		ModifiedBy:   r.deviceID,
		Version:      version.Increment(r.deviceID),
	})
	return r.store.Commit(item, state.CommitPending)
}

func withID(item protocol.Item, id string) protocol.Item {
	switch value := item.(type) {
	case protocol.Tab:
		value.ID = id
		return value
	case protocol.Password:
		value.ID = id
		return value
	case protocol.HistoryItem:
		value.ID = id
		return value
	default:
		return item
	}
}

func (r *Router) publish(payload protocol.Payload, targets ...string) error {
	_, err := r.send(payload, targets...)
	return err
}

// publishItem sends payload and tracks it so the item is committed once written.
func (r *Router) publishItem(payload protocol.Payload, item protocol.Item) error {
	message, err := r.messages.New(payload)
	if err != nil {
		return err
	}
	ref := itemRef{kind: item.ItemType(), id: item.ItemID()}
	r.inflightMu.Lock()
	r.inflight[message.ID] = ref
	r.latest[ref] = message.ID
	r.inflightMu.Unlock()
	r.sender.Send(message)
	return nil
}

func (r *Router) send(payload protocol.Payload, targets ...string) (protocol.Message, error) {
	message, err := r.messages.New(payload, targets...)
	if err != nil {
		return protocol.Message{}, err
	}
	if !r.sender.Send(message) {
		r.logger.Debug("message queued", zap.String("type", string(message.Type())), zap.String("message_id", message.ID))
	}
	return message, nil
}
