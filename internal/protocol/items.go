package protocol

import (
	"fmt"
	"strings"
	"time"
)

// DeviceType classifies the hardware a device runs on.
type DeviceType string

const (
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeTablet  DeviceType = "tablet"
)

// ParseDeviceType normalises raw input into a DeviceType.
func ParseDeviceType(raw string) (DeviceType, error) {
	switch DeviceType(strings.ToLower(strings.TrimSpace(raw))) {
	case DeviceTypeMobile:
		return DeviceTypeMobile, nil
	case DeviceTypeDesktop:
		return DeviceTypeDesktop, nil
	case DeviceTypeTablet:
		return DeviceTypeTablet, nil
	default:
		return "", fmt.Errorf("unknown device type %q", raw)
	}
}

// DeviceStatus reports the liveness of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusSyncing DeviceStatus = "syncing"
)

// Device describes a participant in the sync network.
type Device struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Type     DeviceType   `json:"type"`
	Browser  string       `json:"browser"`
	Platform string       `json:"platform,omitempty"`
	Version  string       `json:"version,omitempty"`
	Status   DeviceStatus `json:"status"`
	LastSync time.Time    `json:"lastSync"`
}

// ItemType names the kinds of synchronized items.
type ItemType string

const (
	ItemTypeTab      ItemType = "tab"
	ItemTypePassword ItemType = "password"
	ItemTypeHistory  ItemType = "history"
)

// Meta carries the sync bookkeeping shared by every synchronized item.
type Meta struct {
	LastModified time.Time     `json:"lastModified"`
	ModifiedBy   string        `json:"modifiedBy,omitempty"`
	Version      VersionVector `json:"version,omitempty"`
}

// Item is implemented by every value subject to conflict detection.
type Item interface {
	ItemType() ItemType
	ItemID() string
	SyncMeta() Meta
	WithMeta(meta Meta) Item
}

// Tab is an open browser tab.
type Tab struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	DeviceID     string    `json:"deviceId"`
	Browser      string    `json:"browser"`
	Favicon      string    `json:"favicon,omitempty"`
	LastAccessed time.Time `json:"lastAccessed"`
	IsPinned     bool      `json:"isPinned,omitempty"`
	GroupID      string    `json:"groupId,omitempty"`
	Meta
}

func (t Tab) ItemType() ItemType { return ItemTypeTab }
func (t Tab) ItemID() string     { return t.ID }
func (t Tab) SyncMeta() Meta     { return t.Meta }

func (t Tab) WithMeta(meta Meta) Item {
	t.Meta = meta
	return t
}

// PasswordStrength grades a stored credential.
type PasswordStrength string

const (
	PasswordStrengthWeak   PasswordStrength = "weak"
	PasswordStrengthMedium PasswordStrength = "medium"
	PasswordStrengthStrong PasswordStrength = "strong"
)

// Password is a stored credential. The secret travels already encrypted.
type Password struct {
	ID                string           `json:"id"`
	Site              string           `json:"site"`
	URL               string           `json:"url"`
	Username          string           `json:"username"`
	EncryptedPassword string           `json:"encryptedPassword"`
	Strength          PasswordStrength `json:"strength"`
	LastUpdated       time.Time        `json:"lastUpdated"`
	LastUsed          *time.Time       `json:"lastUsed,omitempty"`
	Category          string           `json:"category,omitempty"`
	Notes             string           `json:"notes,omitempty"`
	Meta
}

func (p Password) ItemType() ItemType { return ItemTypePassword }
func (p Password) ItemID() string     { return p.ID }
func (p Password) SyncMeta() Meta     { return p.Meta }

func (p Password) WithMeta(meta Meta) Item {
	p.Meta = meta
	return p
}

// HistoryItem is a visited page.
type HistoryItem struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	DeviceID   string    `json:"deviceId"`
	VisitTime  time.Time `json:"visitTime"`
	VisitCount int       `json:"visitCount"`
	Favicon    string    `json:"favicon,omitempty"`
	Category   string    `json:"category,omitempty"`
	Meta
}

func (h HistoryItem) ItemType() ItemType { return ItemTypeHistory }
func (h HistoryItem) ItemID() string     { return h.ID }
func (h HistoryItem) SyncMeta() Meta     { return h.Meta }

func (h HistoryItem) WithMeta(meta Meta) Item {
	h.Meta = meta
	return h
}

// TabGroup is a named set of tabs. Groups are last-writer-wins on UpdatedAt.
type TabGroup struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	DeviceID  string    `json:"deviceId"`
	TabIDs    []string  `json:"tabIds"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Scope selects a family of items in sync requests.
type Scope string

const (
	ScopeTabs      Scope = "tabs"
	ScopePasswords Scope = "passwords"
	ScopeHistory   Scope = "history"
)

// AllScopes lists every scope a full sync covers.
func AllScopes() []Scope {
	return []Scope{ScopeTabs, ScopePasswords, ScopeHistory}
}
