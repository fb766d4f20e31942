package repository

import (
	"context"
	"errors"

	"billingledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) Create(ctx context.Context, tx *gorm.DB, balance *model.Balance) error {
	return conn(r.db, tx).WithContext(ctx).Create(balance).Error
}

func (r *BalanceRepository) GetByUserID(ctx context.Context, userID int64) (*model.Balance, error) {
	var balance model.Balance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetByUserIDForUpdate reads the balance row and holds its lock until tx ends.
func (r *BalanceRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Balance, error) {
	var balance model.Balance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// Debit subtracts amount. The balance >= amount guard keeps the row
// non-negative even if the caller's view is stale.
func (r *BalanceRepository) Debit(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	res := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ? AND amount >= ?", userID, amount).
		Updates(map[string]interface{}{
			"amount":  gorm.Expr("amount - ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (r *BalanceRepository) Credit(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	res := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"amount":  gorm.Expr("amount + ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}
