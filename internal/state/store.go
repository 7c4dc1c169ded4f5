// Package state holds a device's local view of the synchronized data set.
package state

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
)

const defaultRecentEventLimit = 50

var (
	// ErrInvalidItem indicates an item without an identifier or of an unsupported kind.
	ErrInvalidItem = errors.New("state: invalid item")
)

// CommitState tracks whether a local mutation has been handed to the transport.
type CommitState string

const (
	CommitPending   CommitState = "pending"
	CommitCommitted CommitState = "committed"
)

// Event is an entry in the recent activity log.
type Event struct {
	MessageID  string
	Type       protocol.MessageType
	DeviceID   string
	ReceivedAt time.Time
}

type itemKey struct {
	kind protocol.ItemType
	id   string
}

// Config configures a Store.
type Config struct {
	RecentEventLimit int
	Clock            func() time.Time
}

// Store is the in-memory data set of one device. All methods are safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	clock      func() time.Time
	eventLimit int

	devices   map[string]protocol.Device
	tabs      map[string]protocol.Tab
	groups    map[string]protocol.TabGroup
	passwords map[string]protocol.Password
	history   map[string]protocol.HistoryItem
	commits   map[itemKey]CommitState
	events    []Event
	lastSync  time.Time
}

// NewStore constructs an empty Store.
func NewStore(cfg Config) *Store {
	limit := cfg.RecentEventLimit
	if limit <= 0 {
		limit = defaultRecentEventLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		clock:      clock,
		eventLimit: limit,
		devices:    make(map[string]protocol.Device),
		tabs:       make(map[string]protocol.Tab),
		groups:     make(map[string]protocol.TabGroup),
		passwords:  make(map[string]protocol.Password),
		history:    make(map[string]protocol.HistoryItem),
		commits:    make(map[itemKey]CommitState),
	}
}

// PutDevice inserts or replaces a device record.
func (s *Store) PutDevice(device protocol.Device) {
	if device.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = device
}

// Device returns the device record for id.
func (s *Store) Device(id string) (protocol.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[id]
	return device, ok
}

// Devices returns all known devices ordered by id.
func (s *Store) Devices() []protocol.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.devices)
}

// SetDeviceStatus updates the status of a known device. Unknown devices are recorded with only an id.
func (s *Store) SetDeviceStatus(id string, status protocol.DeviceStatus, at time.Time) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[id]
	if !ok {
		device = protocol.Device{ID: id}
	}
	device.Status = status
	if status == protocol.DeviceStatusOnline {
		device.LastSync = at
	}
	s.devices[id] = device
}

// RemoveDevice deletes a device together with the tabs and history it owns.
func (s *Store) RemoveDevice(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return false
	}
	delete(s.devices, id)
	for tabID, tab := range s.tabs {
		if tab.DeviceID == id {
			s.removeTabLocked(tabID)
		}
	}
	for historyID, item := range s.history {
		if item.DeviceID == id {
			delete(s.history, historyID)
			delete(s.commits, itemKey{kind: protocol.ItemTypeHistory, id: historyID})
		}
	}
	return true
}

// Lookup returns the stored item of the given kind, or nil when it is absent.
func (s *Store) Lookup(kind protocol.ItemType, id string) (protocol.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(kind, id)
}

func (s *Store) lookupLocked(kind protocol.ItemType, id string) (protocol.Item, bool) {
	switch kind {
	case protocol.ItemTypeTab:
		if tab, ok := s.tabs[id]; ok {
			return tab, true
		}
	case protocol.ItemTypePassword:
		if password, ok := s.passwords[id]; ok {
			return password, true
		}
	case protocol.ItemTypeHistory:
		if item, ok := s.history[id]; ok {
			return item, true
		}
	}
	return nil, false
}

// Commit stores item with the given commit state and returns what was stored.
// LastModified never moves backwards: a write that is not newer than the stored
// version is stamped one millisecond after it, unless it re-stamps the same edit.
func (s *Store) Commit(item protocol.Item, commitState CommitState) (protocol.Item, error) {
	if item == nil || strings.TrimSpace(item.ItemID()) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.lookupLocked(item.ItemType(), item.ItemID()); ok {
		previous := existing.SyncMeta()
		meta := item.SyncMeta()
		sameEdit := meta.LastModified.Equal(previous.LastModified) && meta.ModifiedBy == previous.ModifiedBy
		if !sameEdit && !meta.LastModified.After(previous.LastModified) {
			meta.LastModified = previous.LastModified.Add(time.Millisecond)
			item = item.WithMeta(meta)
		}
	}

	switch value := item.(type) {
	case protocol.Tab:
		s.tabs[value.ID] = value
	case protocol.Password:
		s.passwords[value.ID] = value
	case protocol.HistoryItem:
		s.history[value.ID] = value
	default:
		return nil, fmt.Errorf("%w: unsupported kind %T", ErrInvalidItem, item)
	}
	s.commits[itemKey{kind: item.ItemType(), id: item.ItemID()}] = commitState
	return item, nil
}

// Remove deletes an item. Removing a tab also drops it from every tab group.
func (s *Store) Remove(kind protocol.ItemType, id string) (protocol.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.lookupLocked(kind, id)
	if !ok {
		return nil, false
	}
	switch kind {
	case protocol.ItemTypeTab:
		s.removeTabLocked(id)
	case protocol.ItemTypePassword:
		delete(s.passwords, id)
	case protocol.ItemTypeHistory:
		delete(s.history, id)
	}
	delete(s.commits, itemKey{kind: kind, id: id})
	return existing, true
}

func (s *Store) removeTabLocked(id string) {
	delete(s.tabs, id)
	delete(s.commits, itemKey{kind: protocol.ItemTypeTab, id: id})
	for groupID, group := range s.groups {
		if !slices.Contains(group.TabIDs, id) {
			continue
		}
		group.TabIDs = slices.DeleteFunc(slices.Clone(group.TabIDs), func(tabID string) bool { return tabID == id })
		s.groups[groupID] = group
	}
}

// CommitStateOf reports the commit state of a stored item.
func (s *Store) CommitStateOf(kind protocol.ItemType, id string) (CommitState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	commitState, ok := s.commits[itemKey{kind: kind, id: id}]
	return commitState, ok
}

// MarkCommitted flips a pending item to committed once its message was written.
func (s *Store) MarkCommitted(kind protocol.ItemType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey{kind: kind, id: id}
	if s.commits[key] != CommitPending {
		return false
	}
	s.commits[key] = CommitCommitted
	return true
}

// Tab returns a tab by id.
func (s *Store) Tab(id string) (protocol.Tab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tab, ok := s.tabs[id]
	return tab, ok
}

// Tabs returns all tabs ordered by id.
func (s *Store) Tabs() []protocol.Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.tabs)
}

// TouchTab records that a tab was focused. Focus does not count as an edit.
func (s *Store) TouchTab(id string, at time.Time) (protocol.Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[id]
	if !ok {
		return protocol.Tab{}, false
	}
	if at.After(tab.LastAccessed) {
		tab.LastAccessed = at
		s.tabs[id] = tab
	}
	return tab, true
}

// PutTabGroup stores a group unless a newer revision is already present.
func (s *Store) PutTabGroup(group protocol.TabGroup) bool {
	if group.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.groups[group.ID]; ok && group.UpdatedAt.Before(existing.UpdatedAt) {
		return false
	}
	group.TabIDs = slices.Clone(group.TabIDs)
	s.groups[group.ID] = group
	return true
}

// TabGroup returns a group by id.
func (s *Store) TabGroup(id string) (protocol.TabGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[id]
	return group, ok
}

// TabGroups returns all groups ordered by id.
func (s *Store) TabGroups() []protocol.TabGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.groups)
}

// Password returns a password by id.
func (s *Store) Password(id string) (protocol.Password, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	password, ok := s.passwords[id]
	return password, ok
}

// Passwords returns all passwords ordered by id.
func (s *Store) Passwords() []protocol.Password {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.passwords)
}

// History returns history entries, most recent visit first.
func (s *Store) History() []protocol.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]protocol.HistoryItem, 0, len(s.history))
	for _, item := range s.history {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].VisitTime.Equal(items[j].VisitTime) {
			return items[i].VisitTime.After(items[j].VisitTime)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// ClearHistory removes the history of deviceID, or all history when deviceID is empty.
func (s *Store) ClearHistory(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, item := range s.history {
		if deviceID != "" && item.DeviceID != deviceID {
			continue
		}
		delete(s.history, id)
		delete(s.commits, itemKey{kind: protocol.ItemTypeHistory, id: id})
		removed++
	}
	return removed
}

// RecordEvent appends to the bounded activity log.
func (s *Store) RecordEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = s.clock().UTC()
	}
	s.events = append(s.events, event)
	if overflow := len(s.events) - s.eventLimit; overflow > 0 {
		s.events = slices.Delete(s.events, 0, overflow)
	}
}

// RecentEvents returns the activity log, newest first.
func (s *Store) RecentEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := slices.Clone(s.events)
	slices.Reverse(events)
	return events
}

// MarkSynced records the completion time of a full sync.
func (s *Store) MarkSynced(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = at
}

// LastSyncTime returns the completion time of the latest full sync.
func (s *Store) LastSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Snapshot returns the complete item sets for the requested scopes.
func (s *Store) Snapshot(scopes []protocol.Scope) protocol.SyncResponse {
	if len(scopes) == 0 {
		scopes = protocol.AllScopes()
	}
	var response protocol.SyncResponse
	for _, scope := range scopes {
		switch scope {
		case protocol.ScopeTabs:
			response.Tabs = s.Tabs()
			response.TabGroups = s.TabGroups()
		case protocol.ScopePasswords:
			response.Passwords = s.Passwords()
		case protocol.ScopeHistory:
			response.History = s.History()
		}
	}
	return response
}

func sortedValues[T any](values map[string]T) []T {
	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sorted := make([]T, 0, len(ids))
	for _, id := range ids {
		sorted = append(sorted, values[id])
	}
	return sorted
}
