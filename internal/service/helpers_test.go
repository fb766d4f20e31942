package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"billingledger/internal/config"
	"billingledger/internal/gateway"
	"billingledger/internal/infrastructure/database"
	"billingledger/internal/model"
	"billingledger/internal/pricing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var telegramSeq int64 = 1000

type testEnv struct {
	db        *gorm.DB
	cfg       *config.Config
	ledger    *LedgerService
	discounts *DiscountService
	payments  *PaymentService
	account   *AccountService
	gw        *fakeGateway
	notifier  *fakeNotifier
}

func testConfig() *config.Config {
	table := pricing.DefaultTable()
	table.Standard = 1000
	return &config.Config{
		Pricing: table,
		Business: config.BusinessConfig{
			StartingBalance: 3000,
			MinTopUp:        1000,
			PromptMaxLength: 2000,
		},
		Kafka:    config.KafkaConfig{Topic: config.KafkaTopicConfig{LedgerEvents: "test.ledger.events"}},
		YooKassa: config.YooKassaConfig{Currency: "RUB"},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:service_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection serializes transactions the way row locks would
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := testConfig()
	env := &testEnv{
		db:       db,
		cfg:      cfg,
		gw:       newFakeGateway(),
		notifier: &fakeNotifier{},
	}
	env.ledger = NewLedgerService(db, cfg, nil)
	env.discounts = NewDiscountService(db)
	env.payments = NewPaymentService(db, cfg, env.ledger, env.discounts, env.gw, env.notifier)
	env.account = NewAccountService(db)
	return env
}

// newUser creates a user through EnsureUser and then sets its balance.
func (e *testEnv) newUser(t *testing.T, balance int64) *model.User {
	t.Helper()
	id := atomic.AddInt64(&telegramSeq, 1)
	user, _, err := e.ledger.EnsureUser(context.Background(), id, model.Profile{Username: fmt.Sprintf("user%d", id)})
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if err := e.db.Model(&model.Balance{}).Where("user_id = ?", user.ID).Update("amount", balance).Error; err != nil {
		t.Fatalf("set balance: %v", err)
	}
	return user
}

func (e *testEnv) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	var b model.Balance
	if err := e.db.Where("user_id = ?", userID).First(&b).Error; err != nil {
		t.Fatalf("load balance: %v", err)
	}
	return b.Amount
}

func (e *testEnv) operation(t *testing.T, id int64) *model.Operation {
	t.Helper()
	var op model.Operation
	if err := e.db.First(&op, id).Error; err != nil {
		t.Fatalf("load operation: %v", err)
	}
	return &op
}

func (e *testEnv) payment(t *testing.T, externalID string) *model.Payment {
	t.Helper()
	var p model.Payment
	if err := e.db.Where("external_id = ?", externalID).First(&p).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	return &p
}

func (e *testEnv) createCode(t *testing.T, dc model.DiscountCode) *model.DiscountCode {
	t.Helper()
	if err := e.discounts.CreateCode(context.Background(), &dc); err != nil {
		t.Fatalf("CreateCode %s: %v", dc.Code, err)
	}
	return &dc
}

func (e *testEnv) count(t *testing.T, m interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(m).Where(query, args...).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (e *testEnv) reserve(t *testing.T, userID int64) *ReserveResult {
	t.Helper()
	res, err := e.ledger.Reserve(context.Background(), &ReserveRequest{UserID: userID, Type: model.OperationTypeGenerate})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return res
}

type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	created   []gateway.CreateRequest
	statuses  map[string]string
	amounts   map[string]int64
	createErr error
	getErr    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]string{}, amounts: map[string]int64{}}
}

func (g *fakeGateway) CreatePayment(_ context.Context, req gateway.CreateRequest) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	id := fmt.Sprintf("pay-%d", g.seq)
	g.created = append(g.created, req)
	g.statuses[id] = gateway.StatusPending
	g.amounts[id] = req.Amount
	return &gateway.Payment{
		ID:              id,
		Status:          gateway.StatusPending,
		Amount:          req.Amount,
		Currency:        "RUB",
		ConfirmationURL: "https://yoomoney.ru/checkout?orderId=" + id,
		Raw:             []byte(`{"id":"` + id + `","status":"pending"}`),
	}, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, externalID string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return nil, g.getErr
	}
	status, ok := g.statuses[externalID]
	if !ok {
		return nil, errors.New("payment not found at gateway")
	}
	return &gateway.Payment{
		ID:     externalID,
		Status: status,
		Paid:   status == gateway.StatusSucceeded,
		Amount: g.amounts[externalID],
		Raw:    []byte(`{"id":"` + externalID + `","status":"` + status + `"}`),
	}, nil
}

func (g *fakeGateway) set(externalID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[externalID] = status
}

func (g *fakeGateway) createCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (n *fakeNotifier) PaymentSucceeded(_ context.Context, telegramID int64, _, _ int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, telegramID)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}
