package database

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func MigrateDB(db *gorm.DB, logr *zap.Logger, models ...interface{}) error {
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	logr.Info("database migrated", zap.Int("models", len(models)))
	return nil
}
