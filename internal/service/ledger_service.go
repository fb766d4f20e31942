package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"billingledger/internal/config"
	"billingledger/internal/metrics"
	"billingledger/internal/model"
	"billingledger/internal/pricing"
	"billingledger/internal/repository"
	"billingledger/pkg/idgen"
	"billingledger/pkg/logger"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// UserLocker serializes one user's ledger calls across service instances.
// The row locks taken inside each transaction are what actually protect
// the balance; this only avoids piling waiters onto the database.
type UserLocker interface {
	LockUser(ctx context.Context, userID int64) (unlock func(), err error)
}

// LedgerService owns User, Balance and Operation and is the only writer of
// balances. Every mutation locks the Balance row before the Operation row.
type LedgerService struct {
	db              *gorm.DB
	prices          pricing.Table
	startingBalance int64
	promptMaxLength int
	eventTopic      string
	locker          UserLocker
	stats           *StatisticsService
	log             zerolog.Logger

	userRepo        *repository.UserRepository
	balanceRepo     *repository.BalanceRepository
	operationRepo   *repository.OperationRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	statsRepo       *repository.StatisticsRepository
}

func NewLedgerService(db *gorm.DB, cfg *config.Config, locker UserLocker) *LedgerService {
	return &LedgerService{
		db:              db,
		prices:          cfg.Pricing,
		startingBalance: cfg.Business.StartingBalance,
		promptMaxLength: cfg.Business.PromptMaxLength,
		eventTopic:      cfg.Kafka.Topic.LedgerEvents,
		locker:          locker,
		stats:           NewStatisticsService(db),
		log:             logger.Component("ledger"),
		userRepo:        repository.NewUserRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
		operationRepo:   repository.NewOperationRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		statsRepo:       repository.NewStatisticsRepository(db),
	}
}

func (s *LedgerService) lockUser(ctx context.Context, userID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.LockUser(ctx, userID)
}

// ============================================================================
// Users
// ============================================================================

// EnsureUser returns the user for a platform id, creating it with its
// starting balance on first contact.
func (s *LedgerService) EnsureUser(ctx context.Context, telegramID int64, profile model.Profile) (*model.User, bool, error) {
	if telegramID == 0 {
		return nil, false, fmt.Errorf("%w: telegram id required", ErrInvalidRequest)
	}
	user, err := s.userRepo.GetByTelegramID(ctx, telegramID)
	if err == nil {
		now := time.Now().UTC()
		if err := s.userRepo.Touch(ctx, user.ID, now); err != nil {
			s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("touch user failed")
		}
		return user, false, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, false, fmt.Errorf("lookup user: %w", err)
	}

	now := time.Now().UTC()
	user = &model.User{
		TelegramID:     telegramID,
		Username:       profile.Username,
		FirstName:      profile.FirstName,
		LastName:       profile.LastName,
		LanguageCode:   profile.LanguageCode,
		LastActivityAt: &now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.userRepo.Create(ctx, tx, user); err != nil {
			return err
		}
		balance := &model.Balance{UserID: user.ID, Amount: s.startingBalance, Unit: model.UnitMinor}
		if err := s.balanceRepo.Create(ctx, tx, balance); err != nil {
			return err
		}
		if s.startingBalance > 0 {
			if err := s.journal(ctx, tx, user.ID, model.TransactionTypeGrant, model.RefTypeUser, user.ID,
				s.startingBalance, 0, "starting balance"); err != nil {
				return err
			}
		}
		return s.statsRepo.Create(ctx, tx, &model.UserStatistics{UserID: user.ID})
	})
	if err != nil {
		if repository.IsDuplicate(err) {
			// lost the race to a concurrent first contact
			existing, getErr := s.userRepo.GetByTelegramID(ctx, telegramID)
			if getErr != nil {
				return nil, false, fmt.Errorf("reload user after duplicate: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create user: %w", err)
	}

	s.log.Info().Int64("user_id", user.ID).Int64("telegram_id", telegramID).
		Int64("starting_balance", s.startingBalance).Msg("user created")
	return user, true, nil
}

// ============================================================================
// Reserve / confirm / fail / refund
// ============================================================================

type ReserveRequest struct {
	UserID          int64
	Type            string
	Model           string
	DiscountPercent int
	TaskID          string
	Prompt          string
	ImageCount      int
}

type ReserveResult struct {
	OperationID   int64  `json:"operation_id"`
	Status        string `json:"status"`
	Price         int64  `json:"price"`
	OriginalPrice *int64 `json:"original_price,omitempty"`
}

// Reserve checks that the user can afford the operation and records it as
// PENDING without touching the balance. Users with free access, or with
// free operations left, get a terminal FREE operation instead.
func (s *LedgerService) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResult, error) {
	if req.UserID <= 0 || req.Type == "" {
		return nil, fmt.Errorf("%w: user id and type required", ErrInvalidRequest)
	}

	quote := s.prices.Price(req.Type, req.Model, req.DiscountPercent)
	if quote.Fallback {
		s.log.Warn().Str("type", req.Type).Int64("price", quote.Final).Msg("unknown operation type, using standard price")
	}

	unlock, err := s.lockUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	op := &model.Operation{
		UserID: req.UserID,
		Type:   req.Type,
		Unit:   model.UnitMinor,
		TaskID: optionalString(req.TaskID),
		Model:  optionalString(req.Model),
		Prompt: optionalString(truncateRunes(req.Prompt, s.promptMaxLength)),
	}
	if req.ImageCount > 0 {
		n := req.ImageCount
		op.ImageCount = &n
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockBalance(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		user, err := s.userRepo.GetByID(ctx, tx, req.UserID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}

		free := user.HasFreeAccess
		if !free {
			free, err = s.userRepo.ConsumeFreeOperation(ctx, tx, req.UserID)
			if err != nil {
				return fmt.Errorf("consume free operation: %w", err)
			}
		}

		if free {
			op.Status = model.OperationStatusFree
			op.Price = 0
		} else {
			if balance.Amount < quote.Final {
				return &InsufficientBalanceError{Required: quote.Final, Available: balance.Amount}
			}
			op.Status = model.OperationStatusPending
			op.Price = quote.Final
			if quote.Discounted() {
				original, pct := quote.Original, quote.Percent
				op.OriginalPrice = &original
				op.DiscountPercent = &pct
			}
		}
		return s.operationRepo.Create(ctx, tx, op)
	})
	if err != nil {
		var insufficient *InsufficientBalanceError
		if errors.As(err, &insufficient) {
			metrics.ReserveRejected.WithLabelValues("insufficient_balance").Inc()
			s.log.Info().Int64("user_id", req.UserID).Int64("required", insufficient.Required).
				Int64("available", insufficient.Available).Msg("reserve rejected")
		}
		return nil, err
	}

	metrics.OperationTransitions.WithLabelValues(op.Type, op.Status).Inc()
	s.log.Info().Int64("user_id", req.UserID).Int64("operation_id", op.ID).Str("type", op.Type).
		Str("status", op.Status).Int64("price", op.Price).Msg("operation reserved")

	if op.Status == model.OperationStatusFree {
		s.stats.RecordOperation(ctx, op)
	}
	return &ReserveResult{
		OperationID:   op.ID,
		Status:        op.Status,
		Price:         op.Price,
		OriginalPrice: op.OriginalPrice,
	}, nil
}

// Confirm settles a PENDING operation after its work succeeded. A priced
// operation is debited exactly once; a zero-priced one becomes FREE. If the
// balance no longer covers the price the operation is marked FAILED and an
// *InsufficientBalanceError is returned; nothing is debited.
func (s *LedgerService) Confirm(ctx context.Context, operationID int64) error {
	op, err := s.operationRepo.GetByID(ctx, operationID)
	if err != nil {
		return s.mapOperationErr(err, operationID)
	}

	unlock, err := s.lockUser(ctx, op.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	var (
		insufficient *InsufficientBalanceError
		newBalance   int64
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockBalance(ctx, tx, op.UserID)
		if err != nil {
			return err
		}
		op, err = s.operationRepo.GetByIDForUpdate(ctx, tx, operationID)
		if err != nil {
			return s.mapOperationErr(err, operationID)
		}
		if op.Status != model.OperationStatusPending {
			return fmt.Errorf("%w: operation %d is %s", ErrNotPending, op.ID, op.Status)
		}
		if op.Unit != model.UnitMinor {
			return fmt.Errorf("%w: operation %d", ErrUnmigratedUnit, op.ID)
		}

		if op.Price == 0 {
			op.Status = model.OperationStatusFree
			return s.operationRepo.UpdateStatus(ctx, tx, op.ID, model.OperationStatusPending, model.OperationStatusFree)
		}

		if balance.Amount < op.Price {
			insufficient = &InsufficientBalanceError{Required: op.Price, Available: balance.Amount}
			op.Status = model.OperationStatusFailed
			return s.operationRepo.UpdateStatus(ctx, tx, op.ID, model.OperationStatusPending, model.OperationStatusFailed)
		}

		if err := s.balanceRepo.Debit(ctx, tx, op.UserID, op.Price); err != nil {
			return fmt.Errorf("debit: %w", err)
		}
		newBalance = balance.Amount - op.Price
		if err := s.journal(ctx, tx, op.UserID, model.TransactionTypeCharge, model.RefTypeOperation, op.ID,
			-op.Price, balance.Amount, op.Type); err != nil {
			return err
		}
		if err := s.operationRepo.UpdateStatus(ctx, tx, op.ID, model.OperationStatusPending, model.OperationStatusCharged); err != nil {
			return fmt.Errorf("mark charged: %w", err)
		}
		op.Status = model.OperationStatusCharged
		return s.emit(ctx, tx, model.LedgerEvent{
			Event:   model.EventOperationCharged,
			UserID:  op.UserID,
			RefID:   op.ID,
			Amount:  op.Price,
			Balance: newBalance,
		})
	})
	if err != nil {
		return err
	}

	metrics.OperationTransitions.WithLabelValues(op.Type, op.Status).Inc()
	if insufficient != nil {
		s.log.Warn().Int64("operation_id", op.ID).Int64("user_id", op.UserID).
			Int64("required", insufficient.Required).Int64("available", insufficient.Available).
			Msg("balance dropped below price before confirm, operation failed")
		return insufficient
	}
	if op.Status == model.OperationStatusCharged {
		metrics.KopecksMoved.WithLabelValues(model.TransactionTypeCharge).Add(float64(op.Price))
	}
	s.log.Info().Int64("operation_id", op.ID).Int64("user_id", op.UserID).Str("status", op.Status).
		Int64("price", op.Price).Int64("balance", newBalance).Msg("operation confirmed")

	s.stats.RecordOperation(ctx, op)
	return nil
}

// Fail closes a PENDING operation without charging. A CHARGED operation
// cannot be failed; it has to be refunded.
func (s *LedgerService) Fail(ctx context.Context, operationID int64) error {
	var op *model.Operation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		op, err = s.operationRepo.GetByIDForUpdate(ctx, tx, operationID)
		if err != nil {
			return s.mapOperationErr(err, operationID)
		}
		switch op.Status {
		case model.OperationStatusPending:
		case model.OperationStatusCharged:
			return fmt.Errorf("%w: operation %d", ErrAlreadyCharged, op.ID)
		default:
			return fmt.Errorf("%w: operation %d is %s", ErrNotPending, op.ID, op.Status)
		}
		return s.operationRepo.UpdateStatus(ctx, tx, op.ID, model.OperationStatusPending, model.OperationStatusFailed)
	})
	if err != nil {
		return err
	}

	metrics.OperationTransitions.WithLabelValues(op.Type, model.OperationStatusFailed).Inc()
	s.log.Info().Int64("operation_id", op.ID).Int64("user_id", op.UserID).Msg("operation failed, not charged")
	return nil
}

// Refund returns the price of a CHARGED operation to the balance.
func (s *LedgerService) Refund(ctx context.Context, operationID int64) error {
	op, err := s.operationRepo.GetByID(ctx, operationID)
	if err != nil {
		return s.mapOperationErr(err, operationID)
	}

	unlock, err := s.lockUser(ctx, op.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	var newBalance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockBalance(ctx, tx, op.UserID)
		if err != nil {
			return err
		}
		op, err = s.operationRepo.GetByIDForUpdate(ctx, tx, operationID)
		if err != nil {
			return s.mapOperationErr(err, operationID)
		}
		if op.Status != model.OperationStatusCharged {
			return fmt.Errorf("%w: operation %d is %s", ErrNotRefundable, op.ID, op.Status)
		}
		if op.Unit != model.UnitMinor {
			return fmt.Errorf("%w: operation %d", ErrUnmigratedUnit, op.ID)
		}

		if err := s.balanceRepo.Credit(ctx, tx, op.UserID, op.Price); err != nil {
			return fmt.Errorf("credit: %w", err)
		}
		newBalance = balance.Amount + op.Price
		if err := s.journal(ctx, tx, op.UserID, model.TransactionTypeRefund, model.RefTypeOperation, op.ID,
			op.Price, balance.Amount, op.Type); err != nil {
			return err
		}
		if err := s.operationRepo.UpdateStatus(ctx, tx, op.ID, model.OperationStatusCharged, model.OperationStatusRefunded); err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}
		return s.emit(ctx, tx, model.LedgerEvent{
			Event:   model.EventOperationRefunded,
			UserID:  op.UserID,
			RefID:   op.ID,
			Amount:  op.Price,
			Balance: newBalance,
		})
	})
	if err != nil {
		return err
	}

	metrics.OperationTransitions.WithLabelValues(op.Type, model.OperationStatusRefunded).Inc()
	metrics.KopecksMoved.WithLabelValues(model.TransactionTypeRefund).Add(float64(op.Price))
	s.log.Info().Int64("operation_id", op.ID).Int64("user_id", op.UserID).Int64("amount", op.Price).
		Int64("balance", newBalance).Msg("operation refunded")
	return nil
}

// ============================================================================
// Credits
// ============================================================================

// Credit is one unconditional balance increase.
type Credit struct {
	UserID  int64
	Amount  int64
	Type    string
	RefType string
	RefID   int64
	Remark  string
}

// AddBalance credits a user outside any other transaction. It is not
// idempotent: callers must make sure each external event credits once.
func (s *LedgerService) AddBalance(ctx context.Context, c Credit) (int64, error) {
	unlock, err := s.lockUser(ctx, c.UserID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var newBalance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		newBalance, err = s.CreditTx(ctx, tx, c)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.KopecksMoved.WithLabelValues(c.Type).Add(float64(c.Amount))
	s.log.Info().Int64("user_id", c.UserID).Int64("amount", c.Amount).Str("type", c.Type).
		Int64("balance", newBalance).Msg("balance credited")
	return newBalance, nil
}

// CreditTx credits inside the caller's transaction so the credit commits or
// rolls back together with the caller's own writes. It locks the balance row.
func (s *LedgerService) CreditTx(ctx context.Context, tx *gorm.DB, c Credit) (int64, error) {
	if c.Amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if c.Type == "" {
		c.Type = model.TransactionTypeAdjust
	}
	if c.RefType == "" {
		c.RefType = model.RefTypeManual
	}
	balance, err := s.lockBalance(ctx, tx, c.UserID)
	if err != nil {
		return 0, err
	}
	if err := s.balanceRepo.Credit(ctx, tx, c.UserID, c.Amount); err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	if err := s.journal(ctx, tx, c.UserID, c.Type, c.RefType, c.RefID, c.Amount, balance.Amount, c.Remark); err != nil {
		return 0, err
	}
	return balance.Amount + c.Amount, nil
}

// ============================================================================
// helpers
// ============================================================================

func (s *LedgerService) lockBalance(ctx context.Context, tx *gorm.DB, userID int64) (*model.Balance, error) {
	balance, err := s.balanceRepo.GetByUserIDForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return nil, fmt.Errorf("%w: balance of user %d", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	if balance.Unit != model.UnitMinor {
		return nil, fmt.Errorf("%w: balance of user %d", ErrUnmigratedUnit, userID)
	}
	return balance, nil
}

func (s *LedgerService) journal(ctx context.Context, tx *gorm.DB, userID int64, txType, refType string, refID, amount, before int64, remark string) error {
	entry := &model.BalanceTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		RefType:       refType,
		RefID:         refID,
		Amount:        amount,
		Type:          txType,
		BalanceBefore: before,
		BalanceAfter:  before + amount,
		Remark:        truncateRunes(remark, 256),
	}
	if err := s.transactionRepo.Create(ctx, tx, entry); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func (s *LedgerService) emit(ctx context.Context, tx *gorm.DB, ev model.LedgerEvent) error {
	return writeEvent(ctx, tx, s.outboxRepo, s.eventTopic, ev)
}

func writeEvent(ctx context.Context, tx *gorm.DB, repo *repository.OutboxRepository, topic string, ev model.LedgerEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &model.OutboxMessage{
		MessageKey: idgen.GenerateEventKey(),
		EventType:  ev.Event,
		Topic:      topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := repo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}

func (s *LedgerService) mapOperationErr(err error, id int64) error {
	if errors.Is(err, repository.ErrOperationNotFound) {
		return fmt.Errorf("%w: operation %d", ErrNotFound, id)
	}
	return err
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
