package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"billingledger/internal/metrics"
	"billingledger/internal/model"
	"billingledger/internal/pricing"
	"billingledger/internal/repository"
	"billingledger/pkg/logger"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// DiscountService validates promo codes and records who used them. A
// UserDiscountCode row is the only proof of use; the discount fields on
// User are a cache of it.
type DiscountService struct {
	db          *gorm.DB
	codeRepo    *repository.DiscountRepository
	userRepo    *repository.UserRepository
	paymentRepo *repository.PaymentRepository
	log         zerolog.Logger
	now         func() time.Time
}

func NewDiscountService(db *gorm.DB) *DiscountService {
	return &DiscountService{
		db:          db,
		codeRepo:    repository.NewDiscountRepository(db),
		userRepo:    repository.NewUserRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		log:         logger.Component("discount"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeCode upper-cases and trims user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate looks the code up and checks it is usable right now. It reads
// without locking, so current_uses may be slightly stale; the apply paths
// re-check under lock.
func (s *DiscountService) Validate(ctx context.Context, code string, userID int64) (*model.DiscountCode, error) {
	code = NormalizeCode(code)
	dc, err := s.codeRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrDiscountCodeNotFound) {
			return nil, &CodeRejectedError{Code: code, Reason: ErrCodeNotFound}
		}
		return nil, fmt.Errorf("lookup code: %w", err)
	}
	if err := s.checkUsable(dc); err != nil {
		s.log.Debug().Str("code", code).Int64("user_id", userID).Err(err).Msg("code rejected")
		return nil, err
	}
	return dc, nil
}

// HasUsed reports whether the user already consumed the code.
func (s *DiscountService) HasUsed(ctx context.Context, userID, codeID int64) (bool, error) {
	return s.codeRepo.HasUsage(ctx, nil, userID, codeID)
}

func (s *DiscountService) checkUsable(dc *model.DiscountCode) error {
	now := s.now()
	reject := func(reason error) error { return &CodeRejectedError{Code: dc.Code, Reason: reason} }
	switch {
	case !dc.IsActive:
		return reject(ErrCodeInactive)
	case dc.ValidFrom != nil && now.Before(*dc.ValidFrom):
		return reject(ErrCodeNotYetValid)
	case dc.ValidUntil != nil && now.After(*dc.ValidUntil):
		return reject(ErrCodeExpired)
	case dc.MaxUses != nil && dc.CurrentUses >= *dc.MaxUses:
		return reject(ErrCodeExhausted)
	}
	return nil
}

// usage describes what a code is being consumed for.
type usage struct {
	kind        string
	paymentID   *int64
	operationID *int64
}

// consume locks the code row, re-validates it, records the usage and bumps
// current_uses, all inside tx.
func (s *DiscountService) consume(ctx context.Context, tx *gorm.DB, code string, userID int64, u usage) (*model.DiscountCode, error) {
	code = NormalizeCode(code)
	dc, err := s.codeRepo.GetByCodeForUpdate(ctx, tx, code)
	if err != nil {
		if errors.Is(err, repository.ErrDiscountCodeNotFound) {
			return nil, &CodeRejectedError{Code: code, Reason: ErrCodeNotFound}
		}
		return nil, fmt.Errorf("lock code: %w", err)
	}
	if dc.Kind != u.kind {
		return nil, &CodeRejectedError{Code: code, Reason: ErrCodeWrongKind}
	}
	if err := s.checkUsable(dc); err != nil {
		return nil, err
	}

	used, err := s.codeRepo.HasUsage(ctx, tx, userID, dc.ID)
	if err != nil {
		return nil, fmt.Errorf("check usage: %w", err)
	}
	if used {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyUsed, code)
	}

	row := &model.UserDiscountCode{
		UserID:         userID,
		DiscountCodeID: dc.ID,
		PaymentID:      u.paymentID,
		OperationID:    u.operationID,
	}
	if err := s.codeRepo.CreateUsage(ctx, tx, row); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyUsed, code)
		}
		return nil, fmt.Errorf("record usage: %w", err)
	}
	ok, err := s.codeRepo.IncrementUses(ctx, tx, dc.ID)
	if err != nil {
		return nil, fmt.Errorf("increment uses: %w", err)
	}
	if !ok {
		return nil, &CodeRejectedError{Code: code, Reason: ErrCodeExhausted}
	}
	dc.CurrentUses++
	return dc, nil
}

func (s *DiscountService) observe(kind string, err error) {
	outcome := "applied"
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyUsed):
		outcome = "already_used"
	default:
		var rejected *CodeRejectedError
		if errors.As(err, &rejected) {
			outcome = "rejected"
		} else {
			outcome = "error"
		}
	}
	metrics.DiscountApplications.WithLabelValues(kind, outcome).Inc()
}

// ApplyToPayment records the code against a payment and returns the amount
// the gateway should charge and the discount taken off the payment amount.
func (s *DiscountService) ApplyToPayment(ctx context.Context, code string, userID, paymentID int64) (discounted, discount int64, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		discounted, discount, txErr = s.applyToPaymentTx(ctx, tx, code, userID, paymentID)
		return txErr
	})
	s.observe(model.DiscountKindPercent, err)
	if err != nil {
		return 0, 0, err
	}
	s.log.Info().Str("code", NormalizeCode(code)).Int64("user_id", userID).Int64("payment_id", paymentID).
		Int64("discount", discount).Msg("discount applied to payment")
	return discounted, discount, nil
}

func (s *DiscountService) applyToPaymentTx(ctx context.Context, tx *gorm.DB, code string, userID, paymentID int64) (int64, int64, error) {
	payment, err := s.paymentRepo.GetByID(ctx, tx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return 0, 0, fmt.Errorf("%w: payment %d", ErrNotFound, paymentID)
		}
		return 0, 0, err
	}
	if payment.UserID != userID {
		return 0, 0, fmt.Errorf("%w: payment %d belongs to another user", ErrInvalidRequest, paymentID)
	}
	dc, err := s.consume(ctx, tx, code, userID, usage{kind: model.DiscountKindPercent, paymentID: &paymentID})
	if err != nil {
		return 0, 0, err
	}
	discounted, discount := pricing.ApplyDiscount(payment.Amount, dc.DiscountPercent)
	return discounted, discount, nil
}

// ActivateFreeAccess makes every future operation of the user free.
// A second activation of the same code fails with ErrAlreadyUsed.
func (s *DiscountService) ActivateFreeAccess(ctx context.Context, code string, userID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.consume(ctx, tx, code, userID, usage{kind: model.DiscountKindFreeAccess}); err != nil {
			return err
		}
		return s.userRepo.SetFreeAccess(ctx, tx, userID)
	})
	s.observe(model.DiscountKindFreeAccess, err)
	if err != nil {
		return s.mapUserErr(err, userID)
	}
	s.log.Info().Str("code", NormalizeCode(code)).Int64("user_id", userID).Msg("free access activated")
	return nil
}

// ActivateFreeGenerations adds the code's number of free operations to the user.
func (s *DiscountService) ActivateFreeGenerations(ctx context.Context, code string, userID int64) (int, error) {
	var granted int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dc, err := s.consume(ctx, tx, code, userID, usage{kind: model.DiscountKindFreeGenerations})
		if err != nil {
			return err
		}
		if dc.FreeGenerationsCount == nil || *dc.FreeGenerationsCount <= 0 {
			return &CodeRejectedError{Code: dc.Code, Reason: ErrCodeWrongKind}
		}
		granted = *dc.FreeGenerationsCount
		return s.userRepo.AddFreeOperations(ctx, tx, userID, granted)
	})
	s.observe(model.DiscountKindFreeGenerations, err)
	if err != nil {
		return 0, s.mapUserErr(err, userID)
	}
	s.log.Info().Str("code", NormalizeCode(code)).Int64("user_id", userID).Int("granted", granted).Msg("free operations granted")
	return granted, nil
}

// SetOperationDiscount consumes a percent code and caches it on the user so
// every following reserve is discounted until it is cleared.
func (s *DiscountService) SetOperationDiscount(ctx context.Context, userID int64, code string) (*model.DiscountCode, error) {
	var dc *model.DiscountCode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		dc, err = s.consume(ctx, tx, code, userID, usage{kind: model.DiscountKindPercent})
		if err != nil {
			return err
		}
		pct := dc.DiscountPercent
		return s.userRepo.SetOperationDiscount(ctx, tx, userID, &dc.ID, &pct)
	})
	s.observe(model.DiscountKindPercent, err)
	if err != nil {
		return nil, s.mapUserErr(err, userID)
	}
	s.log.Info().Str("code", dc.Code).Int64("user_id", userID).Int("percent", dc.DiscountPercent).Msg("operation discount set")
	return dc, nil
}

func (s *DiscountService) ClearOperationDiscount(ctx context.Context, userID int64) error {
	if err := s.userRepo.SetOperationDiscount(ctx, nil, userID, nil, nil); err != nil {
		return s.mapUserErr(err, userID)
	}
	return nil
}

// OperationDiscount returns the percent to price the user's next operation
// with. A cached code that has since been deactivated or expired is
// dropped from the cache and yields 0.
func (s *DiscountService) OperationDiscount(ctx context.Context, userID int64) (int, error) {
	user, err := s.userRepo.GetByID(ctx, nil, userID)
	if err != nil {
		return 0, s.mapUserErr(err, userID)
	}
	if user.DiscountCodeID == nil || user.DiscountPercent == nil {
		return 0, nil
	}

	var dc model.DiscountCode
	err = s.db.WithContext(ctx).First(&dc, *user.DiscountCodeID).Error
	stale := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !stale {
		return 0, fmt.Errorf("load cached code: %w", err)
	}
	if !stale {
		now := s.now()
		stale = !dc.IsActive || (dc.ValidUntil != nil && now.After(*dc.ValidUntil))
	}
	if stale {
		if err := s.ClearOperationDiscount(ctx, userID); err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("clear stale discount failed")
		}
		return 0, nil
	}
	return *user.DiscountPercent, nil
}

// DefaultCodes are created by SeedDefaults.
func DefaultCodes() []model.DiscountCode {
	return []model.DiscountCode{
		{Code: "WELCOME10", Kind: model.DiscountKindPercent, DiscountPercent: 10, IsActive: true, Description: "Welcome discount 10%"},
		{Code: "SAVE20", Kind: model.DiscountKindPercent, DiscountPercent: 20, IsActive: true, Description: "Discount 20%"},
		{Code: "BONUS30", Kind: model.DiscountKindPercent, DiscountPercent: 30, IsActive: true, Description: "Bonus discount 30%"},
		{Code: "FREE_ACCESS", Kind: model.DiscountKindFreeAccess, IsActive: true, Description: "Unlimited free operations"},
	}
}

// SeedDefaults inserts the default codes that do not exist yet and returns their names.
func (s *DiscountService) SeedDefaults(ctx context.Context) ([]string, error) {
	var created []string
	for _, dc := range DefaultCodes() {
		dc := dc
		ok, err := s.codeRepo.CreateIfAbsent(ctx, &dc)
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", dc.Code, err)
		}
		if ok {
			created = append(created, dc.Code)
		}
	}
	return created, nil
}

// CreateCode stores a new code after normalizing its name.
func (s *DiscountService) CreateCode(ctx context.Context, dc *model.DiscountCode) error {
	dc.Code = NormalizeCode(dc.Code)
	if dc.Code == "" {
		return fmt.Errorf("%w: empty code", ErrInvalidRequest)
	}
	if dc.Kind == "" {
		dc.Kind = model.DiscountKindPercent
	}
	if dc.Kind == model.DiscountKindPercent && (dc.DiscountPercent <= 0 || dc.DiscountPercent > 100) {
		return fmt.Errorf("%w: percent must be within 1-100", ErrInvalidRequest)
	}
	if err := s.codeRepo.Create(ctx, dc); err != nil {
		if repository.IsDuplicate(err) {
			return fmt.Errorf("%w: code %s exists", ErrInvalidRequest, dc.Code)
		}
		return err
	}
	return nil
}

func (s *DiscountService) mapUserErr(err error, userID int64) error {
	if errors.Is(err, repository.ErrUserNotFound) {
		return fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	return err
}
