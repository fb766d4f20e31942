package repository

import (
	"context"
	"errors"
	"time"

	"billingledger/internal/model"

	"gorm.io/gorm"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, tx *gorm.DB, user *model.User) error {
	return conn(r.db, tx).WithContext(ctx).Create(user).Error
}

func (r *UserRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.User, error) {
	var user model.User
	err := conn(r.db, tx).WithContext(ctx).First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", id).
		UpdateColumn("last_activity_at", at).Error
}

func (r *UserRepository) SetFreeAccess(ctx context.Context, tx *gorm.DB, id int64) error {
	return r.update(ctx, tx, id, map[string]interface{}{"has_free_access": true})
}

func (r *UserRepository) AddFreeOperations(ctx context.Context, tx *gorm.DB, id int64, n int) error {
	return r.update(ctx, tx, id, map[string]interface{}{
		"free_operations_left": gorm.Expr("free_operations_left + ?", n),
	})
}

// ConsumeFreeOperation decrements the free operation counter if it is positive.
// It returns false when nothing was left.
func (r *UserRepository) ConsumeFreeOperation(ctx context.Context, tx *gorm.DB, id int64) (bool, error) {
	res := conn(r.db, tx).WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND free_operations_left > 0", id).
		UpdateColumn("free_operations_left", gorm.Expr("free_operations_left - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetOperationDiscount caches the active code on the user row; nil clears it.
func (r *UserRepository) SetOperationDiscount(ctx context.Context, tx *gorm.DB, id int64, codeID *int64, percent *int) error {
	return r.update(ctx, tx, id, map[string]interface{}{
		"discount_code_id": codeID,
		"discount_percent": percent,
	})
}

func (r *UserRepository) SetEmail(ctx context.Context, id int64, email string) error {
	return r.update(ctx, nil, id, map[string]interface{}{"email": email})
}

func (r *UserRepository) update(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error {
	res := conn(r.db, tx).WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
