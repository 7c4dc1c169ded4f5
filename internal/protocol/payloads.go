package protocol

import "time"

// MessageType identifies the variant carried by a Message.
type MessageType string

const (
	TypeDeviceConnect       MessageType = "device_connect"
	TypeDeviceDisconnect    MessageType = "device_disconnect"
	TypeDeviceHeartbeat     MessageType = "device_heartbeat"
	TypeTabOpened           MessageType = "tab_opened"
	TypeTabClosed           MessageType = "tab_closed"
	TypeTabUpdated          MessageType = "tab_updated"
	TypeTabFocused          MessageType = "tab_focused"
	TypeTabSendToDevice     MessageType = "tab_send_to_device"
	TypeTabGroupCreated     MessageType = "tab_group_created"
	TypeTabGroupUpdated     MessageType = "tab_group_updated"
	TypePasswordAdded       MessageType = "password_added"
	TypePasswordUpdated     MessageType = "password_updated"
	TypePasswordDeleted     MessageType = "password_deleted"
	TypePasswordSyncRequest MessageType = "password_sync_request"
	TypeHistoryAdded        MessageType = "history_added"
	TypeHistoryCleared      MessageType = "history_cleared"
	TypeSyncRequest         MessageType = "sync_request"
	TypeSyncResponse        MessageType = "sync_response"
	TypeSyncConflict        MessageType = "sync_conflict"
	TypeSyncComplete        MessageType = "sync_complete"
	TypeError               MessageType = "error"
	TypePing                MessageType = "ping"
	TypePong                MessageType = "pong"
)

// Payload is the closed set of message bodies. The message type is derived
// from the payload, so the two can never disagree.
type Payload interface {
	MessageType() MessageType
	isPayload()
}

type DeviceConnect struct {
	Device Device `json:"device"`
}

type DeviceDisconnect struct {
	DeviceID string `json:"deviceId"`
}

type DeviceHeartbeat struct {
	Status DeviceStatus `json:"status,omitempty"`
}

type TabOpened struct {
	Tab Tab `json:"tab"`
}

type TabClosed struct {
	Tab Tab `json:"tab"`
}

type TabUpdated struct {
	Tab Tab `json:"tab"`
}

type TabFocused struct {
	TabID     string    `json:"tabId"`
	FocusedAt time.Time `json:"focusedAt"`
}

// TabSendToDevice hands a tab to the targeted device, which opens its own copy.
type TabSendToDevice struct {
	Tab Tab `json:"tab"`
}

type TabGroupCreated struct {
	Group TabGroup `json:"tabGroup"`
}

type TabGroupUpdated struct {
	Group TabGroup `json:"tabGroup"`
}

type PasswordAdded struct {
	Password Password `json:"password"`
}

type PasswordUpdated struct {
	Password Password `json:"password"`
}

type PasswordDeleted struct {
	Password Password `json:"password"`
}

type PasswordSyncRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

type HistoryAdded struct {
	HistoryItem HistoryItem `json:"historyItem"`
}

// HistoryCleared clears the history of DeviceID, or all history when empty.
type HistoryCleared struct {
	DeviceID string `json:"deviceId,omitempty"`
}

type SyncRequest struct {
	Types     []Scope   `json:"types"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncResponse carries full item sets for the requested scopes.
type SyncResponse struct {
	Tabs      []Tab         `json:"tabs,omitempty"`
	TabGroups []TabGroup    `json:"tabGroups,omitempty"`
	Passwords []Password    `json:"passwords,omitempty"`
	History   []HistoryItem `json:"history,omitempty"`
}

// SyncConflict tells the origin of an update that it collided with a local edit.
type SyncConflict struct {
	ConflictID string   `json:"conflictId"`
	ItemType   ItemType `json:"itemType"`
	ItemID     string   `json:"itemId"`
}

type SyncComplete struct {
	Types []Scope `json:"types,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Ping struct {
	SentAt time.Time `json:"timestamp"`
}

// Pong echoes the SentAt of the ping it answers.
type Pong struct {
	SentAt time.Time `json:"timestamp"`
}

func (DeviceConnect) MessageType() MessageType       { return TypeDeviceConnect }
func (DeviceDisconnect) MessageType() MessageType    { return TypeDeviceDisconnect }
func (DeviceHeartbeat) MessageType() MessageType     { return TypeDeviceHeartbeat }
func (TabOpened) MessageType() MessageType           { return TypeTabOpened }
func (TabClosed) MessageType() MessageType           { return TypeTabClosed }
func (TabUpdated) MessageType() MessageType          { return TypeTabUpdated }
func (TabFocused) MessageType() MessageType          { return TypeTabFocused }
func (TabSendToDevice) MessageType() MessageType     { return TypeTabSendToDevice }
func (TabGroupCreated) MessageType() MessageType     { return TypeTabGroupCreated }
func (TabGroupUpdated) MessageType() MessageType     { return TypeTabGroupUpdated }
func (PasswordAdded) MessageType() MessageType       { return TypePasswordAdded }
func (PasswordUpdated) MessageType() MessageType     { return TypePasswordUpdated }
func (PasswordDeleted) MessageType() MessageType     { return TypePasswordDeleted }
func (PasswordSyncRequest) MessageType() MessageType { return TypePasswordSyncRequest }
func (HistoryAdded) MessageType() MessageType        { return TypeHistoryAdded }
func (HistoryCleared) MessageType() MessageType      { return TypeHistoryCleared }
func (SyncRequest) MessageType() MessageType         { return TypeSyncRequest }
func (SyncResponse) MessageType() MessageType        { return TypeSyncResponse }
func (SyncConflict) MessageType() MessageType        { return TypeSyncConflict }
func (SyncComplete) MessageType() MessageType        { return TypeSyncComplete }
func (Error) MessageType() MessageType               { return TypeError }
func (Ping) MessageType() MessageType                { return TypePing }
func (Pong) MessageType() MessageType                { return TypePong }

func (DeviceConnect) isPayload()       {}
func (DeviceDisconnect) isPayload()    {}
func (DeviceHeartbeat) isPayload()     {}
func (TabOpened) isPayload()           {}
func (TabClosed) isPayload()           {}
func (TabUpdated) isPayload()          {}
func (TabFocused) isPayload()          {}
func (TabSendToDevice) isPayload()     {}
func (TabGroupCreated) isPayload()     {}
func (TabGroupUpdated) isPayload()     {}
func (PasswordAdded) isPayload()       {}
func (PasswordUpdated) isPayload()     {}
func (PasswordDeleted) isPayload()     {}
func (PasswordSyncRequest) isPayload() {}
func (HistoryAdded) isPayload()        {}
func (HistoryCleared) isPayload()      {}
func (SyncRequest) isPayload()         {}
func (SyncResponse) isPayload()        {}
func (SyncConflict) isPayload()        {}
func (SyncComplete) isPayload()        {}
func (Error) isPayload()               {}
func (Ping) isPayload()                {}
func (Pong) isPayload()                {}

type unmarshalFunc func(data []byte, target any) error

type payloadDecoder func(unmarshal unmarshalFunc, raw []byte) (Payload, error)

var payloadDecoders = map[MessageType]payloadDecoder{
	TypeDeviceConnect:       decodeAs[DeviceConnect],
	TypeDeviceDisconnect:    decodeAs[DeviceDisconnect],
	TypeDeviceHeartbeat:     decodeAs[DeviceHeartbeat],
	TypeTabOpened:           decodeAs[TabOpened],
	TypeTabClosed:           decodeAs[TabClosed],
	TypeTabUpdated:          decodeAs[TabUpdated],
	TypeTabFocused:          decodeAs[TabFocused],
	TypeTabSendToDevice:     decodeAs[TabSendToDevice],
	TypeTabGroupCreated:     decodeAs[TabGroupCreated],
	TypeTabGroupUpdated:     decodeAs[TabGroupUpdated],
	TypePasswordAdded:       decodeAs[PasswordAdded],
	TypePasswordUpdated:     decodeAs[PasswordUpdated],
	TypePasswordDeleted:     decodeAs[PasswordDeleted],
	TypePasswordSyncRequest: decodeAs[PasswordSyncRequest],
	TypeHistoryAdded:        decodeAs[HistoryAdded],
	TypeHistoryCleared:      decodeAs[HistoryCleared],
	TypeSyncRequest:         decodeAs[SyncRequest],
	TypeSyncResponse:        decodeAs[SyncResponse],
	TypeSyncConflict:        decodeAs[SyncConflict],
	TypeSyncComplete:        decodeAs[SyncComplete],
	TypeError:               decodeAs[Error],
	TypePing:                decodeAs[Ping],
	TypePong:                decodeAs[Pong],
}

func decodeAs[T Payload](unmarshal unmarshalFunc, raw []byte) (Payload, error) {
	var payload T
	if len(raw) == 0 {
		return payload, nil
	}
	if err := unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// KnownMessageType reports whether the type has a registered payload.
func KnownMessageType(messageType MessageType) bool {
	_, ok := payloadDecoders[messageType]
	return ok
}
