package repository

import (
	"context"
	"errors"

	"billingledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StatisticsRepository struct {
	db *gorm.DB
}

func NewStatisticsRepository(db *gorm.DB) *StatisticsRepository {
	return &StatisticsRepository{db: db}
}

func (r *StatisticsRepository) Create(ctx context.Context, tx *gorm.DB, stats *model.UserStatistics) error {
	return conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(stats).Error
}

func (r *StatisticsRepository) GetByUserID(ctx context.Context, userID int64) (*model.UserStatistics, error) {
	var stats model.UserStatistics
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&stats).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &stats, nil
}

// Mutate loads (or starts) the user's row under lock, applies fn and saves it.
func (r *StatisticsRepository) Mutate(ctx context.Context, userID int64, fn func(*model.UserStatistics)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stats model.UserStatistics
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&stats).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stats = model.UserStatistics{UserID: userID}
		} else if err != nil {
			return err
		}
		fn(&stats)
		return tx.Save(&stats).Error
	})
}
