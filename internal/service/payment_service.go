package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"billingledger/internal/config"
	"billingledger/internal/gateway"
	"billingledger/internal/metrics"
	"billingledger/internal/model"
	"billingledger/internal/pricing"
	"billingledger/internal/repository"
	"billingledger/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentGateway is the subset of the gateway client the reconciler needs.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, req gateway.CreateRequest) (*gateway.Payment, error)
	GetPayment(ctx context.Context, externalID string) (*gateway.Payment, error)
}

// Notifier tells the user about a credited payment. Failures are logged only.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, telegramID int64, amount, balance int64) error
}

// Observed payment statuses accepted by Reconcile.
const (
	ObservedPending           = gateway.StatusPending
	ObservedWaitingForCapture = gateway.StatusWaitingForCapture
	ObservedSucceeded         = gateway.StatusSucceeded
	ObservedCanceled          = gateway.StatusCanceled
)

// PaymentService creates deposits at the gateway and folds gateway
// confirmations into the ledger exactly once per payment.
type PaymentService struct {
	db         *gorm.DB
	ledger     *LedgerService
	discounts  *DiscountService
	gateway    PaymentGateway
	notifier   Notifier
	minTopUp   int64
	currency   string
	eventTopic string
	log        zerolog.Logger

	paymentRepo *repository.PaymentRepository
	userRepo    *repository.UserRepository
	outboxRepo  *repository.OutboxRepository
}

func NewPaymentService(db *gorm.DB, cfg *config.Config, ledger *LedgerService, discounts *DiscountService, gw PaymentGateway, notifier Notifier) *PaymentService {
	currency := cfg.YooKassa.Currency
	if currency == "" {
		currency = "RUB"
	}
	return &PaymentService{
		db:          db,
		ledger:      ledger,
		discounts:   discounts,
		gateway:     gw,
		notifier:    notifier,
		minTopUp:    cfg.Business.MinTopUp,
		currency:    currency,
		eventTopic:  cfg.Kafka.Topic.LedgerEvents,
		log:         logger.Component("payment"),
		paymentRepo: repository.NewPaymentRepository(db),
		userRepo:    repository.NewUserRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// ============================================================================
// Create
// ============================================================================

type CreatePaymentRequest struct {
	UserID         int64
	Amount         int64
	Description    string
	ReceiptEmail   string
	DiscountCode   string
	IdempotencyKey string
}

type CreatePaymentResult struct {
	PaymentID      int64  `json:"payment_id"`
	ExternalID     string `json:"external_id"`
	RedirectURL    string `json:"redirect_url"`
	Amount         int64  `json:"amount"`
	PaidAmount     int64  `json:"paid_amount"`
	DiscountAmount int64  `json:"discount_amount"`
	Status         string `json:"status"`
}

func resultFromPayment(p *model.Payment) *CreatePaymentResult {
	return &CreatePaymentResult{
		PaymentID:      p.ID,
		ExternalID:     p.ExternalID,
		RedirectURL:    p.ConfirmURL,
		Amount:         p.Amount,
		PaidAmount:     p.PaidAmount,
		DiscountAmount: p.Amount - p.PaidAmount,
		Status:         p.Status,
	}
}

// CreatePayment opens a top-up of req.Amount kopecks at the gateway. With a
// discount code the gateway charges less but the full amount is credited.
// Repeating a request with the same idempotency key returns the first result.
func (s *PaymentService) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResult, error) {
	if req.UserID <= 0 {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	if req.Amount < s.minTopUp {
		return nil, fmt.Errorf("%w: %d < %d", ErrAmountTooSmall, req.Amount, s.minTopUp)
	}
	user, err := s.userRepo.GetByID(ctx, nil, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrNotFound, req.UserID)
		}
		return nil, err
	}
	email := strings.TrimSpace(req.ReceiptEmail)
	if email == "" {
		email = user.Email
	}
	if email == "" {
		return nil, ErrEmailRequired
	}
	if email != user.Email {
		if err := s.userRepo.SetEmail(ctx, user.ID, email); err != nil {
			s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("save receipt email failed")
		}
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > maxIdempotencyKeyLen {
		return nil, fmt.Errorf("%w: idempotency key longer than %d", ErrInvalidRequest, maxIdempotencyKeyLen)
	}
	if key != "" {
		existing, err := s.paymentRepo.GetByIdempotencyKey(ctx, user.ID, key)
		switch {
		case err == nil:
			if err := s.matchReplay(ctx, existing, req); err != nil {
				return nil, err
			}
			return resultFromPayment(existing), nil
		case !errors.Is(err, repository.ErrPaymentNotFound):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	} else {
		key = uuid.NewString()
	}

	paid := req.Amount
	var codeID *int64
	if req.DiscountCode != "" {
		dc, err := s.discounts.Validate(ctx, req.DiscountCode, user.ID)
		if err != nil {
			return nil, err
		}
		if dc.Kind != model.DiscountKindPercent {
			return nil, &CodeRejectedError{Code: dc.Code, Reason: ErrCodeWrongKind}
		}
		used, err := s.discounts.HasUsed(ctx, user.ID, dc.ID)
		if err != nil {
			return nil, err
		}
		if used {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyUsed, dc.Code)
		}
		paid, _ = pricing.ApplyDiscount(req.Amount, dc.DiscountPercent)
		codeID = &dc.ID
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Balance top-up %s ₽", gateway.FormatAmount(req.Amount))
	}

	// the gateway call happens before any row is locked
	start := time.Now()
	gp, err := s.gateway.CreatePayment(ctx, gateway.CreateRequest{
		Amount:         paid,
		Description:    description,
		ReceiptEmail:   email,
		IdempotencyKey: gatewayIdempotencyKey(user.ID, key),
		Metadata: map[string]string{
			"telegram_user_id": strconv.FormatInt(user.TelegramID, 10),
			"user_id":          strconv.FormatInt(user.ID, 10),
			"idempotency_key":  key,
		},
	})
	s.observeGateway("create", start, err)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, fmt.Errorf("create gateway payment: %w", err)
	}

	payment := &model.Payment{
		UserID:         user.ID,
		ExternalID:     gp.ID,
		IdempotencyKey: key,
		Amount:         req.Amount,
		PaidAmount:     paid,
		Currency:       s.currency,
		Description:    description,
		Status:         model.PaymentStatusPending,
		DiscountCodeID: codeID,
		ConfirmURL:     gp.ConfirmationURL,
		RawPayload:     datatypes.JSON(gp.Raw),
		Unit:           model.UnitMinor,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
			return err
		}
		if req.DiscountCode == "" {
			return nil
		}
		_, _, err := s.discounts.applyToPaymentTx(ctx, tx, req.DiscountCode, user.ID, payment.ID)
		return err
	})
	if req.DiscountCode != "" {
		s.discounts.observe(model.DiscountKindPercent, err)
	}
	if err != nil {
		if repository.IsDuplicate(err) {
			// same idempotency key raced us, or the gateway replayed the payment
			existing, getErr := s.paymentRepo.GetByExternalID(ctx, gp.ID)
			if getErr != nil {
				return nil, fmt.Errorf("reload payment after duplicate: %w", getErr)
			}
			if existing.UserID != user.ID {
				s.log.Error().Str("external_id", gp.ID).Int64("user_id", user.ID).Int64("owner_id", existing.UserID).
					Msg("gateway returned another user's payment")
				return nil, fmt.Errorf("%w: payment %s belongs to another user", ErrPaymentConflict, gp.ID)
			}
			if err := s.matchReplay(ctx, existing, req); err != nil {
				return nil, err
			}
			return resultFromPayment(existing), nil
		}
		s.log.Error().Err(err).Str("external_id", gp.ID).Int64("user_id", user.ID).
			Msg("gateway payment created but not stored")
		return nil, err
	}

	s.log.Info().Int64("user_id", user.ID).Int64("payment_id", payment.ID).Str("external_id", gp.ID).
		Int64("amount", req.Amount).Int64("paid_amount", paid).Msg("payment created")
	return resultFromPayment(payment), nil
}

const maxIdempotencyKeyLen = 64

// gatewayIdempotencyKey derives the key sent to the gateway. Gateway keys are
// shared by the whole shop, so the client key is bound to the user first.
func gatewayIdempotencyKey(userID int64, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d:%s", userID, key))).String()
}

// matchReplay checks that a request repeating an idempotency key asks for the
// same top-up as the stored payment.
func (s *PaymentService) matchReplay(ctx context.Context, p *model.Payment, req *CreatePaymentRequest) error {
	if p.Amount != req.Amount {
		return fmt.Errorf("%w: amount %d, stored %d", ErrIdempotencyMismatch, req.Amount, p.Amount)
	}
	code := NormalizeCode(req.DiscountCode)
	if code == "" {
		if p.DiscountCodeID != nil {
			return fmt.Errorf("%w: discount code dropped", ErrIdempotencyMismatch)
		}
		return nil
	}
	if p.DiscountCodeID == nil {
		return fmt.Errorf("%w: discount code %s added", ErrIdempotencyMismatch, code)
	}
	dc, err := s.discounts.codeRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrDiscountCodeNotFound) {
			return fmt.Errorf("%w: discount code %s changed", ErrIdempotencyMismatch, code)
		}
		return fmt.Errorf("lookup code: %w", err)
	}
	if dc.ID != *p.DiscountCodeID {
		return fmt.Errorf("%w: discount code %s changed", ErrIdempotencyMismatch, code)
	}
	return nil
}

// ============================================================================
// Reconcile
// ============================================================================

// Observation is one report of a gateway payment's state, from a webhook or a poll.
type Observation struct {
	ExternalID string
	Status     string
	// Amount is the charged amount the gateway reported, 0 if unknown.
	Amount  int64
	Payload []byte
}

func ObservationFromGateway(p *gateway.Payment) Observation {
	return Observation{ExternalID: p.ID, Status: p.Status, Amount: p.Amount, Payload: p.Raw}
}

// ReconcileResult tells the caller what Reconcile did.
type ReconcileResult struct {
	Applied bool
	Status  string
}

// Reconcile folds one observation into local state. A success credits the
// payment amount and marks the payment SUCCEEDED in one transaction; any
// later observation of the same payment is a no-op.
func (s *PaymentService) Reconcile(ctx context.Context, obs Observation) (*ReconcileResult, error) {
	res, err := s.reconcile(ctx, obs)
	outcome := "ignored"
	switch {
	case err != nil:
		outcome = "error"
	case res.Applied:
		outcome = "applied"
	case obs.Status == ObservedSucceeded || obs.Status == ObservedCanceled:
		outcome = "duplicate"
	}
	metrics.Reconciliations.WithLabelValues(obs.Status, outcome).Inc()
	return res, err
}

func (s *PaymentService) reconcile(ctx context.Context, obs Observation) (*ReconcileResult, error) {
	obs.Status = strings.ToLower(strings.TrimSpace(obs.Status))
	switch obs.Status {
	case ObservedSucceeded, ObservedCanceled, ObservedPending, ObservedWaitingForCapture:
	default:
		return nil, fmt.Errorf("%w: unknown payment status %q", ErrInvalidRequest, obs.Status)
	}

	payment, err := s.paymentRepo.GetByExternalID(ctx, obs.ExternalID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, obs.ExternalID)
		}
		return nil, err
	}

	// lock-free fast path for repeated deliveries
	if done, err := s.alreadySettled(payment, obs); done || err != nil {
		return &ReconcileResult{Status: payment.Status}, err
	}

	switch obs.Status {
	case ObservedSucceeded:
		return s.applySuccess(ctx, payment, obs)
	case ObservedCanceled:
		return s.applyCancel(ctx, payment, obs)
	}
	// pending and waiting_for_capture carry no decision yet
	return &ReconcileResult{Status: payment.Status}, nil
}

// alreadySettled reports whether the stored state already reflects obs.
// A terminal payment observed in a different terminal state is a conflict.
func (s *PaymentService) alreadySettled(p *model.Payment, obs Observation) (bool, error) {
	if p.Status == model.PaymentStatusPending {
		return false, nil
	}
	if p.Status == model.PaymentStatusSucceeded {
		if obs.Status == ObservedCanceled {
			s.log.Warn().Str("external_id", p.ExternalID).Msg("cancel observed for a credited payment, ignoring")
		}
		return true, nil
	}
	if p.Status == model.PaymentStatusCanceled && obs.Status != ObservedSucceeded {
		return true, nil
	}
	if obs.Status == ObservedPending || obs.Status == ObservedWaitingForCapture {
		return true, nil
	}
	s.log.Error().Str("external_id", p.ExternalID).Str("stored", p.Status).Str("observed", obs.Status).
		Msg("payment observed in conflicting terminal state")
	return true, fmt.Errorf("%w: %s is %s, observed %s", ErrPaymentConflict, p.ExternalID, p.Status, obs.Status)
}

func (s *PaymentService) applySuccess(ctx context.Context, p *model.Payment, obs Observation) (*ReconcileResult, error) {
	if obs.Amount > 0 && obs.Amount != p.PaidAmount {
		s.log.Warn().Str("external_id", p.ExternalID).Int64("expected", p.PaidAmount).Int64("observed", obs.Amount).
			Msg("gateway amount differs from stored amount, crediting stored amount")
	}

	unlock, err := s.ledger.lockUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		applied    bool
		newBalance int64
		status     string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.lockBalance(ctx, tx, p.UserID); err != nil {
			return err
		}
		locked, err := s.paymentRepo.GetByExternalIDForUpdate(ctx, tx, p.ExternalID)
		if err != nil {
			return err
		}
		status = locked.Status
		// a concurrent webhook or poll may have won while we waited
		if done, err := s.alreadySettled(locked, obs); done || err != nil {
			return err
		}
		if locked.Unit != model.UnitMinor {
			return fmt.Errorf("%w: payment %s", ErrUnmigratedUnit, locked.ExternalID)
		}

		newBalance, err = s.ledger.CreditTx(ctx, tx, Credit{
			UserID:  locked.UserID,
			Amount:  locked.Amount,
			Type:    model.TransactionTypeTopUp,
			RefType: model.RefTypePayment,
			RefID:   locked.ID,
			Remark:  "yookassa " + locked.ExternalID,
		})
		if err != nil {
			return err
		}
		if err := s.paymentRepo.UpdateStatus(ctx, tx, locked.ID, model.PaymentStatusPending,
			model.PaymentStatusSucceeded, datatypes.JSON(obs.Payload)); err != nil {
			return fmt.Errorf("mark succeeded: %w", err)
		}
		applied = true
		status = model.PaymentStatusSucceeded
		return writeEvent(ctx, tx, s.outboxRepo, s.eventTopic, model.LedgerEvent{
			Event:   model.EventPaymentSucceeded,
			UserID:  locked.UserID,
			RefID:   locked.ID,
			Amount:  locked.Amount,
			Balance: newBalance,
		})
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return &ReconcileResult{Status: status}, nil
	}

	metrics.KopecksMoved.WithLabelValues(model.TransactionTypeTopUp).Add(float64(p.Amount))
	s.log.Info().Int64("user_id", p.UserID).Str("external_id", p.ExternalID).Int64("amount", p.Amount).
		Int64("balance", newBalance).Msg("payment credited")
	s.notifySuccess(ctx, p, newBalance)
	return &ReconcileResult{Applied: true, Status: status}, nil
}

func (s *PaymentService) applyCancel(ctx context.Context, p *model.Payment, obs Observation) (*ReconcileResult, error) {
	var (
		applied bool
		status  string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.paymentRepo.GetByExternalIDForUpdate(ctx, tx, p.ExternalID)
		if err != nil {
			return err
		}
		status = locked.Status
		if done, err := s.alreadySettled(locked, obs); done || err != nil {
			return err
		}
		if err := s.paymentRepo.UpdateStatus(ctx, tx, locked.ID, model.PaymentStatusPending,
			model.PaymentStatusCanceled, datatypes.JSON(obs.Payload)); err != nil {
			return fmt.Errorf("mark canceled: %w", err)
		}
		applied = true
		status = model.PaymentStatusCanceled
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.log.Info().Int64("user_id", p.UserID).Str("external_id", p.ExternalID).Msg("payment canceled")
	}
	return &ReconcileResult{Applied: applied, Status: status}, nil
}

func (s *PaymentService) notifySuccess(ctx context.Context, p *model.Payment, balance int64) {
	if s.notifier == nil {
		return
	}
	user, err := s.userRepo.GetByID(ctx, nil, p.UserID)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", p.UserID).Msg("notification skipped, user lookup failed")
		return
	}
	if err := s.notifier.PaymentSucceeded(ctx, user.TelegramID, p.Amount, balance); err != nil {
		s.log.Warn().Err(err).Int64("user_id", p.UserID).Str("external_id", p.ExternalID).Msg("payment notification failed")
	}
}

// ============================================================================
// Polling
// ============================================================================

// RefreshPayment asks the gateway for the payment's state and reconciles it.
func (s *PaymentService) RefreshPayment(ctx context.Context, externalID string) (*ReconcileResult, error) {
	start := time.Now()
	gp, err := s.gateway.GetPayment(ctx, externalID)
	s.observeGateway("get", start, err)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, fmt.Errorf("get gateway payment: %w", err)
	}
	return s.Reconcile(ctx, ObservationFromGateway(gp))
}

// RefreshLatestPending refreshes the user's newest PENDING payment, if any.
// It returns nil, nil when there is nothing to check.
func (s *PaymentService) RefreshLatestPending(ctx context.Context, userID int64) (*ReconcileResult, error) {
	p, err := s.paymentRepo.LatestPendingByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.RefreshPayment(ctx, p.ExternalID)
}

// PendingPayments lists PENDING payments aged between minAge and maxAge.
func (s *PaymentService) PendingPayments(ctx context.Context, minAge, maxAge time.Duration, limit int) ([]*model.Payment, error) {
	now := time.Now().UTC()
	return s.paymentRepo.ListPending(ctx, now.Add(-maxAge), now.Add(-minAge), limit)
}

func (s *PaymentService) GetPayment(ctx context.Context, externalID string) (*model.Payment, error) {
	p, err := s.paymentRepo.GetByExternalID(ctx, externalID)
	if errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, fmt.Errorf("%w: payment %s", ErrNotFound, externalID)
	}
	return p, err
}

func (s *PaymentService) observeGateway(call string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.GatewayCalls.WithLabelValues(call, outcome).Observe(time.Since(start).Seconds())
}
