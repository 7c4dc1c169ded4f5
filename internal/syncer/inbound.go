package syncer

import (
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/conflict"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/FeexSystems/BrowserSyncBot/internal/state"
	"go.uber.org/zap"
)

// Handle applies a message received from the relay. Messages that originate from
// this device or are addressed to other devices are dropped.
func (r *Router) Handle(message protocol.Message) {
	if message.DeviceID == r.deviceID {
		return
	}
	if !message.Targets(r.deviceID) {
		r.logger.Debug("dropping message for other devices",
			zap.String("message_id", message.ID),
			zap.Strings("targets", message.TargetDevices))
		return
	}
	r.store.RecordEvent(state.Event{
		MessageID: message.ID,
		Type:      message.Type(),
		DeviceID:  message.DeviceID,
	})

	origin := message.DeviceID
	sentAt := message.Timestamp
	switch payload := message.Data.(type) {
	case protocol.DeviceConnect:
		device := payload.Device
		if device.ID == "" {
			device.ID = origin
		}
		device.Status = protocol.DeviceStatusOnline
		device.LastSync = r.clock().UTC()
		r.store.PutDevice(device)
	case protocol.DeviceDisconnect:
		r.store.SetDeviceStatus(payload.DeviceID, protocol.DeviceStatusOffline, r.clock().UTC())
	case protocol.DeviceHeartbeat:
		status := payload.Status
		if status == "" {
			status = protocol.DeviceStatusOnline
		}
		r.store.SetDeviceStatus(origin, status, r.clock().UTC())

	case protocol.TabOpened:
		r.reconcile(stampTab(payload.Tab, origin, sentAt), origin)
	case protocol.TabUpdated:
		r.reconcile(stampTab(payload.Tab, origin, sentAt), origin)
	case protocol.TabClosed:
		r.remove(protocol.ItemTypeTab, payload.Tab.ID)
	case protocol.TabFocused:
		r.store.TouchTab(payload.TabID, payload.FocusedAt)
	case protocol.TabSendToDevice:
		r.receiveTab(payload.Tab, origin)
	case protocol.TabGroupCreated:
		r.store.PutTabGroup(payload.Group)
	case protocol.TabGroupUpdated:
		r.store.PutTabGroup(payload.Group)

	case protocol.PasswordAdded:
		r.reconcile(stampMeta(payload.Password, origin, sentAt), origin)
	case protocol.PasswordUpdated:
		r.reconcile(stampMeta(payload.Password, origin, sentAt), origin)
	case protocol.PasswordDeleted:
		r.remove(protocol.ItemTypePassword, payload.Password.ID)
	case protocol.PasswordSyncRequest:
		r.reply(origin, protocol.SyncResponse{Passwords: r.store.Passwords()}, []protocol.Scope{protocol.ScopePasswords})

	case protocol.HistoryAdded:
		r.reconcile(stampHistory(payload.HistoryItem, origin, sentAt), origin)
	case protocol.HistoryCleared:
		r.store.ClearHistory(payload.DeviceID)

	case protocol.SyncRequest:
		scopes := payload.Types
		if len(scopes) == 0 {
			scopes = protocol.AllScopes()
		}
		r.reply(origin, r.store.Snapshot(scopes), scopes)
	case protocol.SyncResponse:
		r.applySnapshot(payload, origin, sentAt)
	case protocol.SyncComplete:
		r.store.MarkSynced(r.clock().UTC())
	case protocol.SyncConflict:
		r.logger.Warn("peer reported conflict",
			zap.String("origin", origin),
			zap.String("conflict_id", payload.ConflictID),
			zap.String("item_type", string(payload.ItemType)),
			zap.String("item_id", payload.ItemID))
	case protocol.Error:
		r.logger.Warn("relay reported error",
			zap.String("origin", origin),
			zap.String("code", payload.Code),
			zap.String("message", payload.Message))
	case protocol.Ping, protocol.Pong:
	default:
		r.logger.Debug("ignoring message", zap.String("type", string(message.Type())))
	}
}

func (r *Router) reconcile(item protocol.Item, origin string) {
	outcome, err := r.resolver.Reconcile(item, origin)
	if err != nil {
		r.logger.Error("reconcile failed",
			zap.String("item_type", string(item.ItemType())),
			zap.String("item_id", item.ItemID()),
			zap.Error(err))
		return
	}
	if outcome.Decision != conflict.DecisionConflict || outcome.Conflict == nil || !outcome.Created {
		return
	}
	notice := protocol.SyncConflict{
		ConflictID: outcome.Conflict.ID,
		ItemType:   outcome.Conflict.ItemType,
		ItemID:     outcome.Conflict.ItemID,
	}
	if err := r.publish(notice, origin); err != nil {
		r.logger.Warn("conflict notice not sent", zap.Error(err))
	}
}

// Deletes win over concurrent edits.
func (r *Router) remove(kind protocol.ItemType, id string) {
	r.store.Remove(kind, id)
	r.resolver.Discard(kind, id)
}

// receiveTab opens an independent copy of a tab handed over by another device.
func (r *Router) receiveTab(tab protocol.Tab, origin string) {
	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Error("tab id generation failed", zap.Error(err))
		return
	}
	now := r.clock().UTC()
	tab.ID = id
	tab.DeviceID = r.deviceID
	tab.GroupID = ""
	tab.LastAccessed = now
	tab.Meta = protocol.Meta{}
	stored, err := r.commitLocal(tab)
	if err != nil {
		r.logger.Error("received tab not stored", zap.Error(err))
		return
	}
	r.logger.Info("tab received", zap.String("from", origin), zap.String("tab_id", id))
	if err := r.publishItem(protocol.TabOpened{Tab: stored.(protocol.Tab)}, stored); err != nil {
		r.logger.Warn("received tab not announced", zap.Error(err))
	}
}

func (r *Router) reply(requester string, response protocol.SyncResponse, scopes []protocol.Scope) {
	if err := r.publish(response, requester); err != nil {
		r.logger.Warn("sync response not sent", zap.Error(err))
		return
	}
	if err := r.publish(protocol.SyncComplete{Types: scopes}, requester); err != nil {
		r.logger.Warn("sync completion not sent", zap.Error(err))
	}
}

// Snapshot items keep the device ownership they were sent with.
func (r *Router) applySnapshot(response protocol.SyncResponse, origin string, sentAt time.Time) {
	for _, tab := range response.Tabs {
		if tab.DeviceID == "" {
			tab.DeviceID = origin
		}
		r.reconcile(stampMeta(tab, origin, sentAt), origin)
	}
	for _, group := range response.TabGroups {
		r.store.PutTabGroup(group)
	}
	for _, password := range response.Passwords {
		r.reconcile(stampMeta(password, origin, sentAt), origin)
	}
	for _, item := range response.History {
		if item.DeviceID == "" {
			item.DeviceID = origin
		}
		r.reconcile(stampMeta(item, origin, sentAt), origin)
	}
}

func stampTab(tab protocol.Tab, origin string, sentAt time.Time) protocol.Item {
	tab.DeviceID = origin
	return stampMeta(tab, origin, sentAt)
}

func stampHistory(item protocol.HistoryItem, origin string, sentAt time.Time) protocol.Item {
	item.DeviceID = origin
	return stampMeta(item, origin, sentAt)
}

// stampMeta fills provenance the sender left out. Items without a modification
// time take the time the message was sent.
func stampMeta(item protocol.Item, origin string, sentAt time.Time) protocol.Item {
	meta := item.SyncMeta()
	if meta.ModifiedBy != "" && !meta.LastModified.IsZero() {
		return item
	}
	if meta.ModifiedBy == "" {
		meta.ModifiedBy = origin
	}
	if meta.LastModified.IsZero() {
		meta.LastModified = sentAt.UTC()
	}
	return item.WithMeta(meta)
}
