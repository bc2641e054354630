package db

import (
	"fmt"

	"github.com/zulandar/ventriloquist/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model backing the orchestration store.
func AllModels() []interface{} {
	return []interface{}{
		&models.Instance{},
		&models.InstanceEvent{},
		&models.ActivityRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
