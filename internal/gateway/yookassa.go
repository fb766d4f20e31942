// Package gateway talks to the YooKassa payments API. Amounts cross this
// boundary as decimal strings ("21.00") and are kopecks everywhere else.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway payment statuses.
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

var (
	// ErrUnavailable is returned once every retry of a call has failed.
	ErrUnavailable = errors.New("payment gateway unavailable")
	ErrBadResponse = errors.New("unexpected gateway response")
)

// APIError is a non-retryable rejection from the gateway.
type APIError struct {
	StatusCode  int
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("yookassa: http %d: %s %s", e.StatusCode, e.Code, e.Description)
}

type CreateRequest struct {
	Amount         int64
	Description    string
	ReceiptEmail   string
	IdempotencyKey string
	Metadata       map[string]string
}

// Payment is the normalized view of a gateway payment object.
type Payment struct {
	ID              string
	Status          string
	Paid            bool
	Amount          int64
	Currency        string
	ConfirmationURL string
	Raw             json.RawMessage
}

type Options struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	ReturnURL string
	Currency  string
	Timeout   time.Duration
	Retry     RetryPolicy
}

type Client struct {
	http      *http.Client
	baseURL   string
	shopID    string
	secretKey string
	returnURL string
	currency  string
	retry     RetryPolicy
	sleep     Sleeper
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "RUB"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Client{
		http:      &http.Client{Timeout: opts.Timeout},
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		shopID:    opts.ShopID,
		secretKey: opts.SecretKey,
		returnURL: opts.ReturnURL,
		currency:  opts.Currency,
		retry:     opts.Retry,
		sleep:     ContextSleep,
	}
}

// WithSleeper replaces the wait between retries.
func (c *Client) WithSleeper(s Sleeper) *Client {
	c.sleep = s
	return c
}

type amountJSON struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type createBody struct {
	Amount       amountJSON        `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation confirmationJSON  `json:"confirmation"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Receipt      *receiptJSON      `json:"receipt,omitempty"`
}

type confirmationJSON struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type receiptJSON struct {
	Customer struct {
		Email string `json:"email"`
	} `json:"customer"`
	Items []receiptItem `json:"items"`
}

type receiptItem struct {
	Description    string     `json:"description"`
	Quantity       string     `json:"quantity"`
	Amount         amountJSON `json:"amount"`
	VatCode        int        `json:"vat_code"`
	PaymentMode    string     `json:"payment_mode"`
	PaymentSubject string     `json:"payment_subject"`
}

type paymentJSON struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	Paid         bool             `json:"paid"`
	Amount       amountJSON       `json:"amount"`
	Confirmation confirmationJSON `json:"confirmation"`
}

// CreatePayment registers a redirect payment. The idempotency key makes
// retries of the same request return the same gateway payment.
func (c *Client) CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("yookassa: idempotency key required")
	}
	value := FormatAmount(req.Amount)
	body := createBody{
		Amount:       amountJSON{Value: value, Currency: c.currency},
		Capture:      true,
		Confirmation: confirmationJSON{Type: "redirect", ReturnURL: c.returnURL},
		Description:  req.Description,
		Metadata:     req.Metadata,
	}
	if req.ReceiptEmail != "" {
		r := &receiptJSON{}
		r.Customer.Email = req.ReceiptEmail
		r.Items = []receiptItem{{
			Description:    truncate(req.Description, 128),
			Quantity:       "1.00",
			Amount:         amountJSON{Value: value, Currency: c.currency},
			VatCode:        1,
			PaymentMode:    "full_payment",
			PaymentSubject: "service",
		}}
		body.Receipt = r
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var out *Payment
	err = Retry(ctx, c.retry, c.sleep, func(int) error {
		p, err := c.do(ctx, http.MethodPost, "/payments", payload, req.IdempotencyKey)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, c.classify(err)
	}
	if out.ID == "" || out.ConfirmationURL == "" {
		return nil, fmt.Errorf("%w: missing id or confirmation url", ErrBadResponse)
	}
	return out, nil
}

// GetPayment fetches the current state of a gateway payment.
func (c *Client) GetPayment(ctx context.Context, externalID string) (*Payment, error) {
	var out *Payment
	err := Retry(ctx, c.retry, c.sleep, func(int) error {
		p, err := c.do(ctx, http.MethodGet, "/payments/"+externalID, nil, "")
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, c.classify(err)
	}
	return out, nil
}

func (c *Client) classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) || errors.Is(err, ErrBadResponse) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, idemKey string) (*Payment, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, Permanent(err)
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotence-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("yookassa: http %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return nil, Permanent(apiErr)
	}

	p, err := ParsePayment(raw)
	if err != nil {
		return nil, Permanent(err)
	}
	return p, nil
}

// ParsePayment decodes a gateway payment object.
func ParsePayment(raw []byte) (*Payment, error) {
	var pj paymentJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if pj.ID == "" {
		return nil, fmt.Errorf("%w: payment id missing", ErrBadResponse)
	}
	amount, err := ParseAmount(pj.Amount.Value)
	if err != nil {
		return nil, err
	}
	return &Payment{
		ID:              pj.ID,
		Status:          pj.Status,
		Paid:            pj.Paid,
		Amount:          amount,
		Currency:        pj.Amount.Currency,
		ConfirmationURL: pj.Confirmation.ConfirmationURL,
		Raw:             json.RawMessage(raw),
	}, nil
}

// Notification is an inbound webhook delivery.
type Notification struct {
	Type    string
	Event   string
	Payment *Payment
	Raw     json.RawMessage
}

// ParseNotification decodes a webhook body of the form
// {"type":"notification","event":"payment.succeeded","object":{...}}.
func ParseNotification(raw []byte) (*Notification, error) {
	var env struct {
		Type   string          `json:"type"`
		Event  string          `json:"event"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if env.Event == "" || len(env.Object) == 0 {
		return nil, fmt.Errorf("%w: event or object missing", ErrBadResponse)
	}
	p, err := ParsePayment(env.Object)
	if err != nil {
		return nil, err
	}
	return &Notification{Type: env.Type, Event: env.Event, Payment: p, Raw: json.RawMessage(raw)}, nil
}

// FormatAmount renders kopecks as a two-decimal ruble string.
func FormatAmount(kopecks int64) string {
	return decimal.New(kopecks, -2).StringFixed(2)
}

// ParseAmount converts a ruble string to kopecks. Fractions of a kopeck are rejected.
func ParseAmount(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrBadResponse, v, err)
	}
	k := d.Shift(2)
	if !k.Equal(k.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %q has sub-kopeck precision", ErrBadResponse, v)
	}
	return k.IntPart(), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
