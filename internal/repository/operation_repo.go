package repository

import (
	"context"
	"errors"
	"time"

	"billingledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OperationRepository struct {
	db *gorm.DB
}

func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

func (r *OperationRepository) Create(ctx context.Context, tx *gorm.DB, op *model.Operation) error {
	return conn(r.db, tx).WithContext(ctx).Create(op).Error
}

func (r *OperationRepository) GetByID(ctx context.Context, id int64) (*model.Operation, error) {
	var op model.Operation
	err := r.db.WithContext(ctx).First(&op, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

func (r *OperationRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Operation, error) {
	var op model.Operation
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&op, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

// UpdateStatus moves an operation from one status to another. The WHERE on
// the old status makes a lost race visible as ErrStatusConflict.
func (r *OperationRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) error {
	if !model.CanOperationTransition(from, to) {
		return ErrInvalidTransition
	}

	updates := map[string]interface{}{
		"status": to,
	}
	if to == model.OperationStatusCharged {
		updates["charged_at"] = time.Now().UTC()
	}

	res := conn(r.db, tx).WithContext(ctx).
		Model(&model.Operation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *OperationRepository) ListByUserID(ctx context.Context, userID int64, since *time.Time, limit, offset int) ([]*model.Operation, error) {
	var ops []*model.Operation
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	err := q.Order("created_at DESC").Order("id DESC").Find(&ops).Error
	return ops, err
}

func (r *OperationRepository) CountByUserID(ctx context.Context, userID int64, since *time.Time) (int64, error) {
	var total int64
	q := r.db.WithContext(ctx).Model(&model.Operation{}).Where("user_id = ?", userID)
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}
	err := q.Count(&total).Error
	return total, err
}
