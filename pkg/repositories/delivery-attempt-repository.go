package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jsndz/ackbus/pkg/models"
)

type DeliveryAttemptRepository struct {
	db *gorm.DB
}

func NewDeliveryAttemptRepository(db *gorm.DB) *DeliveryAttemptRepository {
	return &DeliveryAttemptRepository{db: db}
}

func (r *DeliveryAttemptRepository) Create(ctx context.Context, attempt *models.DeliveryAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *DeliveryAttemptRepository) ListByNotification(ctx context.Context, env, notificationID string) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	if err := r.db.WithContext(ctx).
		Where("env = ? AND notification_id = ?", env, notificationID).
		Order("created_at").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

// DeleteByEnv drops the ledger of one environment.
func (r *DeliveryAttemptRepository) DeleteByEnv(ctx context.Context, env string) (int64, error) {
	res := r.db.WithContext(ctx).Where("env = ?", env).Delete(&models.DeliveryAttempt{})
	return res.RowsAffected, res.Error
}
