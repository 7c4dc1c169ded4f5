// Package devices keeps the relay's directory of known devices.
package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrDeviceNotFound indicates that the directory has no record for a device id.
	ErrDeviceNotFound = errors.New("devices: device not found")
	noOpLogger        = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "devices.service.new"
	opUpsert      = "devices.upsert"
	opMarkStatus  = "devices.mark_status"
	opListDevices = "devices.list"
	opGetDevice   = "devices.get"
	opDelete      = "devices.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads and writes device records.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Upsert records a device as online. The first-seen time of an existing record is kept.
func (s *Service) Upsert(ctx context.Context, device protocol.Device, userAgent string) error {
	deviceID, err := protocol.NewDeviceID(device.ID)
	if err != nil {
		s.logError(opUpsert, "invalid_device_id", err)
		return newServiceError(opUpsert, "invalid_device_id", err)
	}

	now := s.clock().UTC().Unix()
	record := Record{
		DeviceID:         deviceID.String(),
		Name:             device.Name,
		Type:             string(device.Type),
		Browser:          device.Browser,
		Platform:         device.Platform,
		UserAgent:        userAgent,
		Status:           string(protocol.DeviceStatusOnline),
		FirstSeenSeconds: now,
		LastSeenSeconds:  now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "type", "browser", "platform", "user_agent", "status", "last_seen_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opUpsert, "device_save_failed", err, zap.String("device_id", record.DeviceID))
		return newServiceError(opUpsert, "device_save_failed", err)
	}
	return nil
}

// MarkStatus updates the status and last-seen time of a known device.
func (s *Service) MarkStatus(ctx context.Context, deviceID string, status protocol.DeviceStatus) error {
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"status":      string(status),
			"last_seen_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opMarkStatus, "device_update_failed", result.Error, zap.String("device_id", deviceID))
		return newServiceError(opMarkStatus, "device_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkStatus, "device_not_found", ErrDeviceNotFound)
	}
	return nil
}

// List returns every known device, most recently seen first.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Order("last_seen_s DESC").
		Order("device_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListDevices, "device_query_failed", err)
		return nil, newServiceError(opListDevices, "device_query_failed", err)
	}
	return records, nil
}

func (s *Service) Get(ctx context.Context, deviceID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newServiceError(opGetDevice, "device_not_found", ErrDeviceNotFound)
	}
	if err != nil {
		s.logError(opGetDevice, "device_query_failed", err, zap.String("device_id", deviceID))
		return Record{}, newServiceError(opGetDevice, "device_query_failed", err)
	}
	return record, nil
}

// Delete removes a device record.
func (s *Service) Delete(ctx context.Context, deviceID string) error {
	result := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&Record{})
	if result.Error != nil {
		s.logError(opDelete, "device_delete_failed", result.Error, zap.String("device_id", deviceID))
		return newServiceError(opDelete, "device_delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDelete, "device_not_found", ErrDeviceNotFound)
	}
	return nil
}

// DeviceConnected records a device that opened a relay session.
func (s *Service) DeviceConnected(ctx context.Context, device protocol.Device, userAgent string) {
	_ = s.Upsert(ctx, device, userAgent)
}

// DeviceDisconnected marks a device offline when its session ends.
func (s *Service) DeviceDisconnected(ctx context.Context, deviceID string) {
	if err := s.MarkStatus(ctx, deviceID, protocol.DeviceStatusOffline); err != nil && errors.Is(err, ErrDeviceNotFound) {
		s.loggerOrDefault().Debug("disconnected device has no record", zap.String("device_id", deviceID))
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("devices service error", attrs...)
}
