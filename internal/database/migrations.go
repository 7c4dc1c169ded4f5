package database

import (
	"errors"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/devices"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeDeviceTypes = "2026-10-01_normalize_device_types"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeDeviceTypes, apply: normalizeDeviceTypes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Records written before device types were validated fall back to desktop.
func normalizeDeviceTypes(db *gorm.DB) error {
	if err := db.Model(&devices.Record{}).
		Where("type <> lower(type)").
		Update("type", gorm.Expr("lower(type)")).Error; err != nil {
		return err
	}
	known := []string{
		string(protocol.DeviceTypeMobile),
		string(protocol.DeviceTypeDesktop),
		string(protocol.DeviceTypeTablet),
	}
	return db.Model(&devices.Record{}).
		Where("type NOT IN ?", known).
		Update("type", string(protocol.DeviceTypeDesktop)).Error
}
