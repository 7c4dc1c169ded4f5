package devices

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "devices.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return service
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "devices.service.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestUpsertKeepsFirstSeen(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	service := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	device := protocol.Device{ID: "laptop", Name: "Laptop", Type: protocol.DeviceTypeDesktop, Browser: "Firefox"}
	if err := service.Upsert(ctx, device, "Mozilla/5.0 Firefox/120.0"); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	now = now.Add(time.Hour)
	device.Name = "Work Laptop"
	if err := service.Upsert(ctx, device, "Mozilla/5.0 Firefox/121.0"); err != nil {
		t.Fatalf("unexpected second upsert error: %v", err)
	}

	record, err := service.Get(ctx, "laptop")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if record.Name != "Work Laptop" {
		t.Fatalf("expected name to update, got %s", record.Name)
	}
	if record.FirstSeenSeconds != 1700000000 {
		t.Fatalf("expected first seen to be kept, got %d", record.FirstSeenSeconds)
	}
	if record.LastSeenSeconds != 1700003600 {
		t.Fatalf("expected last seen to advance, got %d", record.LastSeenSeconds)
	}
	if record.Status != string(protocol.DeviceStatusOnline) {
		t.Fatalf("expected online status, got %s", record.Status)
	}
}

func TestUpsertRejectsBlankDeviceID(t *testing.T) {
	service := newTestService(t, time.Now)
	err := service.Upsert(context.Background(), protocol.Device{ID: "  "}, "")
	if !errors.Is(err, protocol.ErrInvalidDeviceID) {
		t.Fatalf("expected invalid device id error, got %v", err)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	service := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	service.DeviceConnected(ctx, protocol.Device{ID: "phone", Type: protocol.DeviceTypeMobile}, "")
	now = now.Add(time.Minute)
	service.DeviceConnected(ctx, protocol.Device{ID: "tablet", Type: protocol.DeviceTypeTablet}, "")
	service.DeviceDisconnected(ctx, "phone")
	service.DeviceDisconnected(ctx, "ghost")

	records, err := service.List(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two records, got %d", len(records))
	}
	if records[0].DeviceID != "phone" || records[1].DeviceID != "tablet" {
		t.Fatalf("unexpected ordering %s, %s", records[0].DeviceID, records[1].DeviceID)
	}
	if records[0].Status != string(protocol.DeviceStatusOffline) {
		t.Fatalf("expected phone offline, got %s", records[0].Status)
	}

	if err := service.Delete(ctx, "phone"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := service.Delete(ctx, "phone"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := service.Get(ctx, "phone"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := service.MarkStatus(ctx, "phone", protocol.DeviceStatusOnline); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected not found when marking deleted device, got %v", err)
	}
}
