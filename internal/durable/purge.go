package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/ventriloquist/internal/models"
	"gorm.io/gorm"
)

// Purge deletes terminal instances last updated before the cutoff, together
// with their events and journal. With no statuses every terminal status is
// eligible. Active statuses are rejected.
func (e *Engine) Purge(ctx context.Context, before time.Time, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusCompleted, StatusFailed, StatusTerminated, StatusCanceled}
	}
	for _, s := range statuses {
		if !s.IsTerminal() {
			return 0, fmt.Errorf("durable: purge: status %q is not terminal", s)
		}
	}

	var purged int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var keys []string
		if err := tx.Model(&models.Instance{}).
			Where("status IN ? AND updated_at < ?", statusStrings(statuses), before).
			Pluck("instance_key", &keys).Error; err != nil {
			return fmt.Errorf("select: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}
		if err := tx.Where("instance_key IN ?", keys).Delete(&models.InstanceEvent{}).Error; err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		if err := tx.Where("instance_key IN ?", keys).Delete(&models.ActivityRecord{}).Error; err != nil {
			return fmt.Errorf("delete activities: %w", err)
		}
		result := tx.Where("instance_key IN ?", keys).Delete(&models.Instance{})
		if result.Error != nil {
			return fmt.Errorf("delete instances: %w", result.Error)
		}
		purged = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("durable: purge: %w", err)
	}
	return purged, nil
}
