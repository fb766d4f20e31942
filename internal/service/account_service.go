package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"billingledger/internal/model"
	"billingledger/internal/repository"

	"gorm.io/gorm"
)

const (
	RecordTypeOperation = "operation"
	RecordTypePayment   = "payment"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// AccountService is the read-only view of a user's money for the front end.
type AccountService struct {
	userRepo      *repository.UserRepository
	balanceRepo   *repository.BalanceRepository
	operationRepo *repository.OperationRepository
	paymentRepo   *repository.PaymentRepository
	journalRepo   *repository.TransactionRepository
	stats         *StatisticsService
	now           func() time.Time
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{
		userRepo:      repository.NewUserRepository(db),
		balanceRepo:   repository.NewBalanceRepository(db),
		operationRepo: repository.NewOperationRepository(db),
		paymentRepo:   repository.NewPaymentRepository(db),
		journalRepo:   repository.NewTransactionRepository(db),
		stats:         NewStatisticsService(db),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type BalanceView struct {
	UserID             int64 `json:"user_id"`
	Amount             int64 `json:"amount"`
	HasFreeAccess      bool  `json:"has_free_access"`
	FreeOperationsLeft int   `json:"free_operations_left"`
	DiscountPercent    *int  `json:"discount_percent,omitempty"`
}

func (s *AccountService) GetBalance(ctx context.Context, userID int64) (*BalanceView, error) {
	user, err := s.userRepo.GetByID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
		}
		return nil, err
	}
	balance, err := s.balanceRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return nil, fmt.Errorf("%w: balance of user %d", ErrNotFound, userID)
		}
		return nil, err
	}
	if balance.Unit != model.UnitMinor {
		return nil, fmt.Errorf("%w: balance of user %d", ErrUnmigratedUnit, userID)
	}
	return &BalanceView{
		UserID:             userID,
		Amount:             balance.Amount,
		HasFreeAccess:      user.HasFreeAccess,
		FreeOperationsLeft: user.FreeOperationsLeft,
		DiscountPercent:    user.DiscountPercent,
	}, nil
}

// HistoryRecord is one row of the merged operation and top-up history.
type HistoryRecord struct {
	RecordType      string    `json:"record_type"`
	ID              int64     `json:"id"`
	Type            string    `json:"type,omitempty"`
	Model           string    `json:"model,omitempty"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	OriginalAmount  *int64    `json:"original_amount,omitempty"`
	DiscountPercent *int      `json:"discount_percent,omitempty"`
	PaidAmount      *int64    `json:"paid_amount,omitempty"`
	Description     string    `json:"description,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type HistoryQuery struct {
	UserID int64
	Limit  int
	Offset int
	// Days keeps only records from the last Days days; 0 means all.
	Days int
}

func (q *HistoryQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = defaultHistoryLimit
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Days < 0 {
		q.Days = 0
	}
}

func (s *AccountService) since(days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := s.now().AddDate(0, 0, -days)
	return &t
}

// GetOperationHistory merges operations and succeeded payments, newest first.
func (s *AccountService) GetOperationHistory(ctx context.Context, q HistoryQuery) ([]HistoryRecord, error) {
	q.normalize()
	since := s.since(q.Days)
	// both sources are read from the top so the merged page is exact
	window := q.Offset + q.Limit

	ops, err := s.operationRepo.ListByUserID(ctx, q.UserID, since, window, 0)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	payments, err := s.paymentRepo.ListSucceededByUser(ctx, q.UserID, since, window)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	records := make([]HistoryRecord, 0, len(ops)+len(payments))
	for _, op := range ops {
		rec := HistoryRecord{
			RecordType:      RecordTypeOperation,
			ID:              op.ID,
			Type:            op.Type,
			Status:          op.Status,
			Amount:          op.Price,
			OriginalAmount:  op.OriginalPrice,
			DiscountPercent: op.DiscountPercent,
			CreatedAt:       op.CreatedAt,
		}
		if op.Model != nil {
			rec.Model = *op.Model
		}
		records = append(records, rec)
	}
	for _, p := range payments {
		rec := HistoryRecord{
			RecordType:  RecordTypePayment,
			ID:          p.ID,
			Type:        "top_up",
			Status:      p.Status,
			Amount:      p.Amount,
			Description: p.Description,
			CreatedAt:   p.CreatedAt,
		}
		if p.PaidAmount != p.Amount {
			paid := p.PaidAmount
			rec.PaidAmount = &paid
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		if records[i].RecordType != records[j].RecordType {
			return records[i].RecordType == RecordTypePayment
		}
		return records[i].ID > records[j].ID
	})

	if q.Offset >= len(records) {
		return []HistoryRecord{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(records) {
		end = len(records)
	}
	return records[q.Offset:end], nil
}

// GetOperationsCount counts operations plus succeeded payments.
func (s *AccountService) GetOperationsCount(ctx context.Context, userID int64, days int) (int64, error) {
	since := s.since(days)
	ops, err := s.operationRepo.CountByUserID(ctx, userID, since)
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	payments, err := s.paymentRepo.CountSucceededByUser(ctx, userID, since)
	if err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return ops + payments, nil
}

// Statistics returns the user's analytics row, nil if none was recorded yet.
func (s *AccountService) Statistics(ctx context.Context, userID int64) (*model.UserStatistics, error) {
	return s.stats.Get(ctx, userID)
}

// JournalPage is one page of a user's balance journal, newest first.
type JournalPage struct {
	Items    []*model.BalanceTransaction `json:"items"`
	Total    int64                       `json:"total"`
	Page     int                         `json:"page"`
	PageSize int                         `json:"page_size"`
}

func (s *AccountService) GetTransactions(ctx context.Context, userID int64, page, pageSize int) (*JournalPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultHistoryLimit
	}
	if pageSize > maxHistoryLimit {
		pageSize = maxHistoryLimit
	}
	items, total, err := s.journalRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	return &JournalPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// JournalCheck compares a stored balance with the sum of its journal.
type JournalCheck struct {
	UserID     int64 `json:"user_id"`
	Balance    int64 `json:"balance"`
	JournalSum int64 `json:"journal_sum"`
}

func (c *JournalCheck) Consistent() bool {
	return c.Balance == c.JournalSum
}

// VerifyJournal reads the balance and the journal sum. Balances carried over
// by the unit backfill predate the journal and are expected to differ.
func (s *AccountService) VerifyJournal(ctx context.Context, userID int64) (*JournalCheck, error) {
	balance, err := s.balanceRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return nil, fmt.Errorf("%w: balance of user %d", ErrNotFound, userID)
		}
		return nil, err
	}
	if balance.Unit != model.UnitMinor {
		return nil, fmt.Errorf("%w: balance of user %d", ErrUnmigratedUnit, userID)
	}
	sum, err := s.journalRepo.SumByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sum journal: %w", err)
	}
	return &JournalCheck{UserID: userID, Balance: balance.Amount, JournalSum: sum}, nil
}
