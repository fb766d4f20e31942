package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(url string) *Client {
	return NewClient(Options{
		BaseURL:   url,
		ShopID:    "shop",
		SecretKey: "secret",
		ReturnURL: "https://t.me/bot",
		Currency:  "RUB",
		Retry:     RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}).WithSleeper(noSleep)
}

const paymentBody = `{"id":"2d8f-000f","status":"pending","paid":false,
"amount":{"value":"21.00","currency":"RUB"},
"confirmation":{"type":"redirect","confirmation_url":"https://yoomoney.ru/checkout?id=1"}}`

func TestCreatePayment_SendsRequest(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payments" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Idempotence-Key") != "key-1" {
			t.Errorf("missing idempotence key")
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "shop" || p != "secret" {
			t.Errorf("bad basic auth")
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(paymentBody))
	}))
	defer srv.Close()

	p, err := newTestClient(srv.URL).CreatePayment(context.Background(), CreateRequest{
		Amount:         2100,
		Description:    "Top up",
		ReceiptEmail:   "a@b.c",
		IdempotencyKey: "key-1",
		Metadata:       map[string]string{"telegram_user_id": "42"},
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if p.ID != "2d8f-000f" || p.Amount != 2100 || p.ConfirmationURL == "" || p.Status != StatusPending {
		t.Fatalf("unexpected payment: %+v", p)
	}

	amount := gotBody["amount"].(map[string]interface{})
	if amount["value"] != "21.00" || amount["currency"] != "RUB" {
		t.Fatalf("amount sent: %v", amount)
	}
	if gotBody["capture"] != true {
		t.Fatalf("capture not set")
	}
	receipt := gotBody["receipt"].(map[string]interface{})
	if receipt["customer"].(map[string]interface{})["email"] != "a@b.c" {
		t.Fatalf("receipt email not sent: %v", receipt)
	}
}

func TestCreatePayment_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(paymentBody))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreatePayment(context.Background(), CreateRequest{Amount: 2100, IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestCreatePayment_UnavailableAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreatePayment(context.Background(), CreateRequest{Amount: 2100, IdempotencyKey: "k"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestCreatePayment_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","code":"invalid_request","description":"receipt is required"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreatePayment(context.Background(), CreateRequest{Amount: 2100, IdempotencyKey: "k"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_request" {
		t.Fatalf("expected APIError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("4xx must not be retried, calls=%d", calls)
	}
}

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments/abc" {
			t.Errorf("path=%s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"abc","status":"succeeded","paid":true,"amount":{"value":"1000.50","currency":"RUB"}}`))
	}))
	defer srv.Close()

	p, err := newTestClient(srv.URL).GetPayment(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if p.Status != StatusSucceeded || !p.Paid || p.Amount != 100050 {
		t.Fatalf("unexpected: %+v", p)
	}
}

func TestParseNotification(t *testing.T) {
	n, err := ParseNotification([]byte(`{"type":"notification","event":"payment.succeeded",
		"object":{"id":"x1","status":"succeeded","paid":true,"amount":{"value":"21.00","currency":"RUB"}}}`))
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if n.Event != "payment.succeeded" || n.Payment.ID != "x1" || n.Payment.Amount != 2100 {
		t.Fatalf("unexpected: %+v %+v", n, n.Payment)
	}
	if _, err := ParseNotification([]byte(`{"event":"payment.succeeded"}`)); !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}

func TestAmountConversion(t *testing.T) {
	if got := FormatAmount(2100); got != "21.00" {
		t.Fatalf("FormatAmount=%s", got)
	}
	if got := FormatAmount(5); got != "0.05" {
		t.Fatalf("FormatAmount=%s", got)
	}
	for in, want := range map[string]int64{"21.00": 2100, "21": 2100, "0.01": 1, "7.5": 750} {
		got, err := ParseAmount(in)
		if err != nil || got != want {
			t.Fatalf("ParseAmount(%q)=%d,%v want %d", in, got, err, want)
		}
	}
	if _, err := ParseAmount("1.005"); !errors.Is(err, ErrBadResponse) {
		t.Fatalf("sub-kopeck amount should be rejected, got %v", err)
	}
}
