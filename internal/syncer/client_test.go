package syncer_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/conflict"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/FeexSystems/BrowserSyncBot/internal/server"
	"github.com/FeexSystems/BrowserSyncBot/internal/state"
	"github.com/FeexSystems/BrowserSyncBot/internal/syncer"
	"github.com/FeexSystems/BrowserSyncBot/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type testRelay struct {
	url       string
	registry  *server.Registry
	accepting atomic.Bool
}

// startRelay serves a relay whose /ws endpoint can be shut to simulate an outage.
func startRelay(t *testing.T) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry := server.NewRegistry(server.RegistryConfig{})
	handler, err := server.NewHTTPHandler(server.Dependencies{Registry: registry})
	require.NoError(t, err)
	relay := &testRelay{registry: registry}
	relay.accepting.Store(true)
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" && !relay.accepting.Load() {
			http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		registry.CloseAll()
		httpServer.Close()
	})
	relay.url = "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	return relay
}

type sequenceIDs struct {
	prefix string
	next   atomic.Int64
}

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("%s-%04d", s.prefix, s.next.Add(1)), nil
}

func newClient(t *testing.T, relayURL, deviceID string, codec protocol.Codec, tune ...func(*syncer.ClientConfig)) *syncer.Client {
	t.Helper()
	cfg := syncer.ClientConfig{
		Device: protocol.Device{
			ID:   deviceID,
			Name: deviceID,
			Type: protocol.DeviceTypeDesktop,
		},
		RelayURL:             relayURL,
		UserAgent:            "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		Codec:                codec,
		HandshakeTimeout:     time.Second,
		HeartbeatInterval:    time.Minute,
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectAttempts: 1,
		Policy:               conflict.PolicyTimestampWins,
	}
	for _, apply := range tune {
		apply(&cfg)
	}
	client, err := syncer.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func patientReconnect(cfg *syncer.ClientConfig) {
	cfg.MaxReconnectAttempts = 40
}

func selfStatus(client *syncer.Client) protocol.DeviceStatus {
	device, _ := client.Store().Device(client.DeviceID())
	return device.Status
}

func connect(t *testing.T, client *syncer.Client) {
	t.Helper()
	require.True(t, client.Connect(context.Background()))
	assert.Equal(t, transport.StatusConnected, client.Status())
}

func TestClientsExchangeTabsThroughRelay(t *testing.T) {
	relay := startRelay(t)
	deviceA := newClient(t, relay.url, "device-a", protocol.JSONCodec{})
	deviceB := newClient(t, relay.url, "device-b", protocol.CBORCodec{})
	connect(t, deviceA)
	connect(t, deviceB)

	require.Eventually(t, func() bool {
		peer, ok := deviceB.Store().Device("device-a")
		return ok && peer.Status == protocol.DeviceStatusOnline
	}, waitFor, tick)

	opened, err := deviceA.SyncTab(syncer.TabOpen, protocol.Tab{
		ID:    "a1",
		Title: "Go",
		URL:   "https://go.dev",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := deviceB.Store().Tab("a1")
		return ok
	}, waitFor, tick)
	received, _ := deviceB.Store().Tab("a1")
	assert.Equal(t, "device-a", received.DeviceID)
	assert.Equal(t, opened.URL, received.URL)

	require.Eventually(t, func() bool {
		commitState, ok := deviceA.Store().CommitStateOf(protocol.ItemTypeTab, "a1")
		return ok && commitState == state.CommitCommitted
	}, waitFor, tick)

	_, err = deviceB.SyncTab(syncer.TabClose, protocol.Tab{ID: "a1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := deviceA.Store().Tab("a1")
		return !ok
	}, waitFor, tick)
}

func TestOfflineMutationsFlushOnConnect(t *testing.T) {
	relay := startRelay(t)
	deviceA := newClient(t, relay.url, "device-a", protocol.JSONCodec{})
	deviceB := newClient(t, relay.url, "device-b", protocol.JSONCodec{})
	connect(t, deviceB)

	_, err := deviceA.SyncPassword(syncer.PasswordAdd, protocol.Password{
		ID:       "p1",
		Site:     "example.com",
		Username: "ana",
	})
	require.NoError(t, err)
	commitState, ok := deviceA.Store().CommitStateOf(protocol.ItemTypePassword, "p1")
	require.True(t, ok)
	assert.Equal(t, state.CommitPending, commitState)

	connect(t, deviceA)

	require.Eventually(t, func() bool {
		_, ok := deviceB.Store().Password("p1")
		return ok
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		commitState, _ := deviceA.Store().CommitStateOf(protocol.ItemTypePassword, "p1")
		return commitState == state.CommitCommitted
	}, waitFor, tick)
}

func TestFullSyncPopulatesNewDevice(t *testing.T) {
	relay := startRelay(t)
	deviceA := newClient(t, relay.url, "device-a", protocol.JSONCodec{})
	connect(t, deviceA)
	_, err := deviceA.SyncTab(syncer.TabOpen, protocol.Tab{ID: "a1", URL: "https://example.com"})
	require.NoError(t, err)
	_, err = deviceA.SyncHistory(syncer.HistoryAdd, protocol.HistoryItem{ID: "h1", URL: "https://example.com"})
	require.NoError(t, err)

	deviceC := newClient(t, relay.url, "device-c", protocol.CBORCodec{})
	connect(t, deviceC)
	assert.True(t, deviceC.LastSyncTime().IsZero())

	require.NoError(t, deviceC.RequestFullSync())

	require.Eventually(t, func() bool {
		return !deviceC.LastSyncTime().IsZero()
	}, waitFor, tick)
	tab, ok := deviceC.Store().Tab("a1")
	require.True(t, ok)
	assert.Equal(t, "device-a", tab.DeviceID)
	assert.Len(t, deviceC.Store().History(), 1)

	var sawComplete bool
	for _, event := range deviceC.RecentEvents() {
		if event.Type == protocol.TypeSyncComplete && event.DeviceID == "device-a" {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)
}

func TestSendTabToDeviceOpensCopyOnTarget(t *testing.T) {
	relay := startRelay(t)
	deviceA := newClient(t, relay.url, "device-a", protocol.JSONCodec{})
	deviceB := newClient(t, relay.url, "device-b", protocol.JSONCodec{})
	deviceC := newClient(t, relay.url, "device-c", protocol.JSONCodec{})
	connect(t, deviceA)
	connect(t, deviceB)
	connect(t, deviceC)

	require.NoError(t, deviceA.SendTabToDevice(protocol.Tab{ID: "a1", URL: "https://example.com/read"}, "device-b"))

	require.Eventually(t, func() bool {
		return len(deviceB.Store().Tabs()) == 1
	}, waitFor, tick)
	copied := deviceB.Store().Tabs()[0]
	assert.Equal(t, "device-b", copied.DeviceID)
	assert.NotEqual(t, "a1", copied.ID)

	// The copy is announced to everyone, so device-c sees the tab owned by device-b.
	require.Eventually(t, func() bool {
		tab, ok := deviceC.Store().Tab(copied.ID)
		return ok && tab.DeviceID == "device-b"
	}, waitFor, tick)
	for _, event := range deviceC.RecentEvents() {
		assert.NotEqual(t, protocol.TypeTabSendToDevice, event.Type)
	}
}

func TestQueuedMessagesOfTwoDevicesArriveInOrderAfterOutage(t *testing.T) {
	relay := startRelay(t)
	deviceA := newClient(t, relay.url, "device-a", protocol.JSONCodec{}, patientReconnect, func(cfg *syncer.ClientConfig) {
		cfg.IDs = &sequenceIDs{prefix: "a"}
	})
	deviceB := newClient(t, relay.url, "device-b", protocol.CBORCodec{}, patientReconnect, func(cfg *syncer.ClientConfig) {
		cfg.IDs = &sequenceIDs{prefix: "b"}
	})
	observer := newClient(t, relay.url, "device-c", protocol.JSONCodec{})
	connect(t, deviceA)
	connect(t, deviceB)
	connect(t, observer)

	relay.accepting.Store(false)
	require.True(t, relay.registry.Disconnect("device-a"))
	require.True(t, relay.registry.Disconnect("device-b"))
	require.Eventually(t, func() bool {
		return deviceA.Status() == transport.StatusReconnecting && deviceB.Status() == transport.StatusReconnecting
	}, waitFor, tick)

	for _, id := range []string{"a1", "a2"} {
		_, err := deviceA.SyncTab(syncer.TabOpen, protocol.Tab{ID: id, URL: "https://example.com/" + id})
		require.NoError(t, err)
	}
	for _, id := range []string{"b1", "b2"} {
		_, err := deviceB.SyncTab(syncer.TabOpen, protocol.Tab{ID: id, URL: "https://example.com/" + id})
		require.NoError(t, err)
	}
	commitState, _ := deviceA.Store().CommitStateOf(protocol.ItemTypeTab, "a2")
	assert.Equal(t, state.CommitPending, commitState)

	relay.accepting.Store(true)
	require.Eventually(t, func() bool {
		return len(observer.Store().Tabs()) == 4
	}, waitFor, tick)

	opened := map[string][]string{}
	events := observer.RecentEvents()
	for index := len(events) - 1; index >= 0; index-- {
		if events[index].Type == protocol.TypeTabOpened {
			opened[events[index].DeviceID] = append(opened[events[index].DeviceID], events[index].MessageID)
		}
	}
	require.Len(t, opened["device-a"], 2)
	require.Len(t, opened["device-b"], 2)
	assert.Less(t, opened["device-a"][0], opened["device-a"][1])
	assert.Less(t, opened["device-b"][0], opened["device-b"][1])

	for _, client := range []*syncer.Client{deviceA, deviceB} {
		for _, tab := range client.Store().Tabs() {
			commitState, _ := client.Store().CommitStateOf(protocol.ItemTypeTab, tab.ID)
			assert.Equal(t, state.CommitCommitted, commitState, tab.ID)
		}
	}
}

func TestLocalDeviceStatusFollowsAutomaticReconnect(t *testing.T) {
	relay := startRelay(t)
	deviceA := newClient(t, relay.url, "device-a", protocol.JSONCodec{}, patientReconnect)
	assert.Equal(t, protocol.DeviceStatusOffline, selfStatus(deviceA))
	connect(t, deviceA)
	assert.Equal(t, protocol.DeviceStatusOnline, selfStatus(deviceA))

	relay.accepting.Store(false)
	require.True(t, relay.registry.Disconnect("device-a"))
	require.Eventually(t, func() bool {
		return selfStatus(deviceA) == protocol.DeviceStatusOffline
	}, waitFor, tick)

	relay.accepting.Store(true)
	require.Eventually(t, func() bool {
		return deviceA.Status() == transport.StatusConnected && selfStatus(deviceA) == protocol.DeviceStatusOnline
	}, waitFor, tick)
}

func TestLocalDeviceGoesOfflineWhenReconnectionFails(t *testing.T) {
	relay := startRelay(t)
	deviceA := newClient(t, relay.url, "device-a", protocol.JSONCodec{})
	connect(t, deviceA)

	relay.accepting.Store(false)
	require.True(t, relay.registry.Disconnect("device-a"))

	require.Eventually(t, func() bool {
		return deviceA.Status() == transport.StatusDisconnected && selfStatus(deviceA) == protocol.DeviceStatusOffline
	}, waitFor, tick)
}
