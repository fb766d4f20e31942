package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"billingledger/internal/gateway"
	"billingledger/internal/model"
)

func createTopUp(t *testing.T, env *testEnv, userID, amount int64) *CreatePaymentResult {
	t.Helper()
	res, err := env.payments.CreatePayment(context.Background(), &CreatePaymentRequest{
		UserID:       userID,
		Amount:       amount,
		ReceiptEmail: "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return res
}

func succeeded(externalID string) Observation {
	return Observation{
		ExternalID: externalID,
		Status:     ObservedSucceeded,
		Payload:    []byte(`{"event":"payment.succeeded","object":{"id":"` + externalID + `"}}`),
	}
}

func TestReconcile_DuplicateWebhookCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 3000)

	res := createTopUp(t, env, user.ID, 2100)
	if res.Status != model.PaymentStatusPending || res.RedirectURL == "" {
		t.Fatalf("CreatePayment = %+v", res)
	}

	first, err := env.payments.Reconcile(ctx, succeeded(res.ExternalID))
	if err != nil || !first.Applied {
		t.Fatalf("first reconcile = %+v, %v", first, err)
	}
	second, err := env.payments.Reconcile(ctx, succeeded(res.ExternalID))
	if err != nil || second.Applied {
		t.Fatalf("second reconcile = %+v, %v", second, err)
	}

	if got := env.balance(t, user.ID); got != 5100 {
		t.Fatalf("balance = %d, want 5100", got)
	}
	p := env.payment(t, res.ExternalID)
	if p.Status != model.PaymentStatusSucceeded || p.PaidAt == nil {
		t.Fatalf("payment status=%s paid_at=%v", p.Status, p.PaidAt)
	}
	if n := env.count(t, &model.BalanceTransaction{}, "ref_type = ? AND ref_id = ?", model.RefTypePayment, p.ID); n != 1 {
		t.Fatalf("topup journal entries = %d, want 1", n)
	}
	if n := env.count(t, &model.OutboxMessage{}, "event_type = ?", model.EventPaymentSucceeded); n != 1 {
		t.Fatalf("payment events = %d, want 1", n)
	}
	if env.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", env.notifier.count())
	}
}

func TestReconcile_ConcurrentDeliveries(t *testing.T) {
	env := newTestEnv(t)
	user := env.newUser(t, 0)
	res := createTopUp(t, env, user.ID, 2100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := env.payments.Reconcile(context.Background(), succeeded(res.ExternalID))
			if err != nil {
				t.Errorf("Reconcile: %v", err)
				return
			}
			if r.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("applied %d times, want 1", applied)
	}
	if got := env.balance(t, user.ID); got != 2100 {
		t.Fatalf("balance = %d, want 2100", got)
	}
}

func TestReconcile_Canceled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 100)
	res := createTopUp(t, env, user.ID, 1500)

	r, err := env.payments.Reconcile(ctx, Observation{ExternalID: res.ExternalID, Status: ObservedCanceled})
	if err != nil || !r.Applied || r.Status != model.PaymentStatusCanceled {
		t.Fatalf("cancel = %+v, %v", r, err)
	}
	if got := env.balance(t, user.ID); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
	if _, err := env.payments.Reconcile(ctx, Observation{ExternalID: res.ExternalID, Status: ObservedCanceled}); err != nil {
		t.Fatalf("repeated cancel: %v", err)
	}
	if _, err := env.payments.Reconcile(ctx, succeeded(res.ExternalID)); !errors.Is(err, ErrPaymentConflict) {
		t.Fatalf("success after cancel: got %v, want ErrPaymentConflict", err)
	}
	if got := env.balance(t, user.ID); got != 100 {
		t.Fatalf("balance after conflict = %d, want 100", got)
	}
}

func TestReconcile_IgnoresNonFinalStatuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 0)
	res := createTopUp(t, env, user.ID, 1000)

	for _, status := range []string{ObservedPending, ObservedWaitingForCapture} {
		r, err := env.payments.Reconcile(ctx, Observation{ExternalID: res.ExternalID, Status: status})
		if err != nil || r.Applied || r.Status != model.PaymentStatusPending {
			t.Fatalf("%s: %+v, %v", status, r, err)
		}
	}
	if _, err := env.payments.Reconcile(ctx, Observation{ExternalID: res.ExternalID, Status: "refunded_maybe"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unknown status: got %v, want ErrInvalidRequest", err)
	}
	if _, err := env.payments.Reconcile(ctx, succeeded("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown payment: got %v, want ErrNotFound", err)
	}
}

func TestReconcile_NotifierFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("bot blocked by user")
	user := env.newUser(t, 0)
	res := createTopUp(t, env, user.ID, 1000)

	r, err := env.payments.Reconcile(context.Background(), succeeded(res.ExternalID))
	if err != nil || !r.Applied {
		t.Fatalf("Reconcile = %+v, %v", r, err)
	}
	if got := env.balance(t, user.ID); got != 1000 {
		t.Fatalf("balance = %d, want 1000", got)
	}
}

func TestCreatePayment_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 0)

	_, err := env.payments.CreatePayment(ctx, &CreatePaymentRequest{UserID: user.ID, Amount: 999, ReceiptEmail: "a@b.c"})
	if !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("amount 999: got %v, want ErrAmountTooSmall", err)
	}
	_, err = env.payments.CreatePayment(ctx, &CreatePaymentRequest{UserID: user.ID, Amount: 1000})
	if !errors.Is(err, ErrEmailRequired) {
		t.Fatalf("no email: got %v, want ErrEmailRequired", err)
	}
	_, err = env.payments.CreatePayment(ctx, &CreatePaymentRequest{UserID: 9999, Amount: 1000, ReceiptEmail: "a@b.c"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: got %v, want ErrNotFound", err)
	}
	if env.gw.createCalls() != 0 {
		t.Fatalf("gateway called for invalid requests")
	}
}

func TestCreatePayment_RemembersEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 0)
	createTopUp(t, env, user.ID, 1000)

	// the stored email is reused when the next request omits it
	if _, err := env.payments.CreatePayment(ctx, &CreatePaymentRequest{UserID: user.ID, Amount: 1000}); err != nil {
		t.Fatalf("CreatePayment without email: %v", err)
	}
	if got := env.gw.created[1].ReceiptEmail; got != "buyer@example.com" {
		t.Fatalf("receipt email = %q", got)
	}
}

func TestCreatePayment_GatewayUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.gw.createErr = fmt.Errorf("%w: 503 after 3 attempts", gateway.ErrUnavailable)
	user := env.newUser(t, 0)

	_, err := env.payments.CreatePayment(context.Background(), &CreatePaymentRequest{
		UserID: user.ID, Amount: 2100, ReceiptEmail: "a@b.c",
	})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("got %v, want ErrGatewayUnavailable", err)
	}
	if n := env.count(t, &model.Payment{}, "user_id = ?", user.ID); n != 0 {
		t.Fatalf("payments stored = %d, want 0", n)
	}
}

func TestCreatePayment_IdempotencyKeyReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 0)
	req := &CreatePaymentRequest{UserID: user.ID, Amount: 2100, ReceiptEmail: "a@b.c", IdempotencyKey: "client-key-1"}

	first, err := env.payments.CreatePayment(ctx, req)
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	second, err := env.payments.CreatePayment(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.PaymentID != second.PaymentID || env.gw.createCalls() != 1 {
		t.Fatalf("replay created a new payment: %+v vs %+v", first, second)
	}
}

func TestCreatePayment_IdempotencyKeyPerUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t, 0)
	bob := env.newUser(t, 0)

	a, err := env.payments.CreatePayment(ctx, &CreatePaymentRequest{
		UserID: alice.ID, Amount: 2100, ReceiptEmail: "a@b.c", IdempotencyKey: "shared-key",
	})
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	b, err := env.payments.CreatePayment(ctx, &CreatePaymentRequest{
		UserID: bob.ID, Amount: 5000, ReceiptEmail: "b@b.c", IdempotencyKey: "shared-key",
	})
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	if a.PaymentID == b.PaymentID || a.ExternalID == b.ExternalID {
		t.Fatalf("users share a payment: %+v vs %+v", a, b)
	}
	if n := env.gw.createCalls(); n != 2 {
		t.Fatalf("gateway calls = %d, want 2", n)
	}
	if env.gw.created[0].IdempotencyKey == env.gw.created[1].IdempotencyKey {
		t.Fatalf("gateway keys collide: %q", env.gw.created[0].IdempotencyKey)
	}
	if p := env.payment(t, b.ExternalID); p.UserID != bob.ID || p.Amount != 5000 {
		t.Fatalf("bob's payment = %+v", p)
	}

	for _, ext := range []string{a.ExternalID, b.ExternalID} {
		if _, err := env.payments.Reconcile(ctx, succeeded(ext)); err != nil {
			t.Fatalf("Reconcile %s: %v", ext, err)
		}
	}
	if got := env.balance(t, alice.ID); got != 2100 {
		t.Fatalf("alice balance = %d, want 2100", got)
	}
	if got := env.balance(t, bob.ID); got != 5000 {
		t.Fatalf("bob balance = %d, want 5000", got)
	}
}

func TestCreatePayment_IdempotencyKeyMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 0)
	env.createCode(t, model.DiscountCode{Code: "SAVE20", DiscountPercent: 20, IsActive: true})

	if _, err := env.payments.CreatePayment(ctx, &CreatePaymentRequest{
		UserID: user.ID, Amount: 2100, ReceiptEmail: "a@b.c", IdempotencyKey: "client-key-1",
	}); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	cases := []struct {
		name string
		req  *CreatePaymentRequest
	}{
		{"amount", &CreatePaymentRequest{UserID: user.ID, Amount: 9900, ReceiptEmail: "a@b.c", IdempotencyKey: "client-key-1"}},
		{"discount code", &CreatePaymentRequest{UserID: user.ID, Amount: 2100, ReceiptEmail: "a@b.c", IdempotencyKey: "client-key-1", DiscountCode: "SAVE20"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.payments.CreatePayment(ctx, tc.req)
			if !errors.Is(err, ErrIdempotencyMismatch) || !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("got %v, want ErrIdempotencyMismatch", err)
			}
		})
	}

	if n := env.gw.createCalls(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1", n)
	}
	if n := env.count(t, &model.Payment{}, "user_id = ?", user.ID); n != 1 {
		t.Fatalf("payments stored = %d, want 1", n)
	}
}

func TestCreatePayment_WithDiscount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 0)
	env.createCode(t, model.DiscountCode{Code: "SAVE20", DiscountPercent: 20, IsActive: true})

	res, err := env.payments.CreatePayment(ctx, &CreatePaymentRequest{
		UserID: user.ID, Amount: 2000, ReceiptEmail: "a@b.c", DiscountCode: "save20",
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if res.Amount != 2000 || res.PaidAmount != 1600 || res.DiscountAmount != 400 {
		t.Fatalf("result = %+v", res)
	}
	if got := env.gw.created[0].Amount; got != 1600 {
		t.Fatalf("gateway charged %d, want 1600", got)
	}
	if n := env.count(t, &model.UserDiscountCode{}, "user_id = ? AND payment_id = ?", user.ID, res.PaymentID); n != 1 {
		t.Fatalf("usage rows = %d, want 1", n)
	}

	if _, err := env.payments.Reconcile(ctx, Observation{ExternalID: res.ExternalID, Status: ObservedSucceeded, Amount: 1600}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := env.balance(t, user.ID); got != 2000 {
		t.Fatalf("balance = %d, want the nominal 2000", got)
	}

	_, err = env.payments.CreatePayment(ctx, &CreatePaymentRequest{
		UserID: user.ID, Amount: 2000, ReceiptEmail: "a@b.c", DiscountCode: "SAVE20",
	})
	if !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("second use: got %v, want ErrAlreadyUsed", err)
	}
	if env.gw.createCalls() != 1 {
		t.Fatalf("gateway called for a used code")
	}
}

func TestCreatePayment_RejectedCode(t *testing.T) {
	env := newTestEnv(t)
	user := env.newUser(t, 0)
	env.createCode(t, model.DiscountCode{Code: "VIP", Kind: model.DiscountKindFreeAccess, IsActive: true})

	_, err := env.payments.CreatePayment(context.Background(), &CreatePaymentRequest{
		UserID: user.ID, Amount: 2000, ReceiptEmail: "a@b.c", DiscountCode: "VIP",
	})
	if !errors.Is(err, ErrCodeWrongKind) {
		t.Fatalf("got %v, want ErrCodeWrongKind", err)
	}
	_, err = env.payments.CreatePayment(context.Background(), &CreatePaymentRequest{
		UserID: user.ID, Amount: 2000, ReceiptEmail: "a@b.c", DiscountCode: "NOPE",
	})
	if !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("got %v, want ErrCodeNotFound", err)
	}
}

func TestRefreshPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 0)

	r, err := env.payments.RefreshLatestPending(ctx, user.ID)
	if err != nil || r != nil {
		t.Fatalf("no pending payments: %+v, %v", r, err)
	}

	res := createTopUp(t, env, user.ID, 1200)
	r, err = env.payments.RefreshLatestPending(ctx, user.ID)
	if err != nil || r.Applied {
		t.Fatalf("still pending: %+v, %v", r, err)
	}

	env.gw.set(res.ExternalID, gateway.StatusSucceeded)
	r, err = env.payments.RefreshPayment(ctx, res.ExternalID)
	if err != nil || !r.Applied {
		t.Fatalf("RefreshPayment = %+v, %v", r, err)
	}
	if got := env.balance(t, user.ID); got != 1200 {
		t.Fatalf("balance = %d, want 1200", got)
	}

	env.gw.getErr = gateway.ErrUnavailable
	if _, err := env.payments.RefreshPayment(ctx, res.ExternalID); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("got %v, want ErrGatewayUnavailable", err)
	}
}

func TestPendingPayments_AgeWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.newUser(t, 0)
	res := createTopUp(t, env, user.ID, 1000)

	list, err := env.payments.PendingPayments(ctx, 5*time.Minute, time.Hour, 10)
	if err != nil || len(list) != 0 {
		t.Fatalf("fresh payment listed: %d, %v", len(list), err)
	}

	aged := time.Now().UTC().Add(-10 * time.Minute)
	if err := env.db.Model(&model.Payment{}).Where("id = ?", res.PaymentID).Update("created_at", aged).Error; err != nil {
		t.Fatalf("age payment: %v", err)
	}
	list, err = env.payments.PendingPayments(ctx, 5*time.Minute, time.Hour, 10)
	if err != nil || len(list) != 1 || list[0].ExternalID != res.ExternalID {
		t.Fatalf("aged payment not listed: %d, %v", len(list), err)
	}
}
