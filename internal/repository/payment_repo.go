package repository

import (
	"context"
	"errors"
	"time"

	"billingledger/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, p *model.Payment) error {
	return conn(r.db, tx).WithContext(ctx).Create(p).Error
}

func (r *PaymentRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Payment, error) {
	var p model.Payment
	err := conn(r.db, tx).WithContext(ctx).First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByExternalID(ctx context.Context, externalID string) (*model.Payment, error) {
	return r.getBy(ctx, "external_id = ?", externalID)
}

// GetByIdempotencyKey finds the user's payment created with key. Keys of
// different users never match each other.
func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*model.Payment, error) {
	return r.getBy(ctx, "user_id = ? AND idempotency_key = ?", userID, key)
}

func (r *PaymentRepository) getBy(ctx context.Context, cond string, args ...interface{}) (*model.Payment, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).Where(cond, args...).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByExternalIDForUpdate(ctx context.Context, tx *gorm.DB, externalID string) (*model.Payment, error) {
	var p model.Payment
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_id = ?", externalID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdateStatus applies a guarded transition and stores the gateway payload.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string, payload datatypes.JSON) error {
	if !model.CanPaymentTransition(from, to) {
		return ErrInvalidTransition
	}

	updates := map[string]interface{}{
		"status": to,
	}
	if len(payload) > 0 {
		updates["raw_payload"] = payload
	}
	if to == model.PaymentStatusSucceeded {
		updates["paid_at"] = time.Now().UTC()
	}

	res := conn(r.db, tx).WithContext(ctx).
		Model(&model.Payment{}).
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

func (r *PaymentRepository) LatestPendingByUser(ctx context.Context, userID int64) (*model.Payment, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.PaymentStatusPending).
		Order("created_at DESC").Order("id DESC").
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPending returns PENDING payments created inside [createdAfter, createdBefore].
func (r *PaymentRepository) ListPending(ctx context.Context, createdAfter, createdBefore time.Time, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at >= ? AND created_at <= ?", model.PaymentStatusPending, createdAfter, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListSucceededByUser(ctx context.Context, userID int64, since *time.Time, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	q := r.db.WithContext(ctx).Where("user_id = ? AND status = ?", userID, model.PaymentStatusSucceeded)
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("created_at DESC").Order("id DESC").Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) CountSucceededByUser(ctx context.Context, userID int64, since *time.Time) (int64, error) {
	var total int64
	q := r.db.WithContext(ctx).Model(&model.Payment{}).
		Where("user_id = ? AND status = ?", userID, model.PaymentStatusSucceeded)
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}
	err := q.Count(&total).Error
	return total, err
}
