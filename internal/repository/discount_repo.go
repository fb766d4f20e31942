package repository

import (
	"context"
	"errors"

	"billingledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DiscountRepository struct {
	db *gorm.DB
}

func NewDiscountRepository(db *gorm.DB) *DiscountRepository {
	return &DiscountRepository{db: db}
}

func (r *DiscountRepository) Create(ctx context.Context, code *model.DiscountCode) error {
	return r.db.WithContext(ctx).Create(code).Error
}

// CreateIfAbsent inserts the code unless one with the same name exists.
// It reports whether a row was inserted.
func (r *DiscountRepository) CreateIfAbsent(ctx context.Context, code *model.DiscountCode) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoNothing: true,
		}).
		Create(code)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *DiscountRepository) GetByCode(ctx context.Context, code string) (*model.DiscountCode, error) {
	var dc model.DiscountCode
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&dc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDiscountCodeNotFound
		}
		return nil, err
	}
	return &dc, nil
}

func (r *DiscountRepository) GetByCodeForUpdate(ctx context.Context, tx *gorm.DB, code string) (*model.DiscountCode, error) {
	var dc model.DiscountCode
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("code = ?", code).
		First(&dc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDiscountCodeNotFound
		}
		return nil, err
	}
	return &dc, nil
}

// IncrementUses bumps current_uses unless the cap has been reached.
func (r *DiscountRepository) IncrementUses(ctx context.Context, tx *gorm.DB, id int64) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&model.DiscountCode{}).
		Where("id = ? AND (max_uses IS NULL OR current_uses < max_uses)", id).
		UpdateColumn("current_uses", gorm.Expr("current_uses + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *DiscountRepository) HasUsage(ctx context.Context, tx *gorm.DB, userID, codeID int64) (bool, error) {
	var n int64
	err := conn(r.db, tx).WithContext(ctx).
		Model(&model.UserDiscountCode{}).
		Where("user_id = ? AND discount_code_id = ?", userID, codeID).
		Count(&n).Error
	return n > 0, err
}

// CreateUsage inserts the usage row. A second row for the same (user, code)
// fails with ErrDuplicate.
func (r *DiscountRepository) CreateUsage(ctx context.Context, tx *gorm.DB, usage *model.UserDiscountCode) error {
	err := conn(r.db, tx).WithContext(ctx).Create(usage).Error
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}
