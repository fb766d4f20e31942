package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"billingledger/internal/model"
	"billingledger/internal/service"
)

type fakePaymentSource struct {
	pending   []*model.Payment
	results   map[string]*service.ReconcileResult
	errs      map[string]error
	refreshed []string
}

func (f *fakePaymentSource) PendingPayments(_ context.Context, _, _ time.Duration, limit int) ([]*model.Payment, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakePaymentSource) RefreshPayment(_ context.Context, externalID string) (*service.ReconcileResult, error) {
	f.refreshed = append(f.refreshed, externalID)
	if err := f.errs[externalID]; err != nil {
		return nil, err
	}
	if res, ok := f.results[externalID]; ok {
		return res, nil
	}
	return &service.ReconcileResult{Status: model.PaymentStatusPending}, nil
}

func newFastPoller(src PaymentSource) *PaymentPoller {
	return NewPaymentPoller(src, PollerOptions{RPS: 1000})
}

func TestPaymentPoller_RefreshesPending(t *testing.T) {
	src := &fakePaymentSource{
		pending: []*model.Payment{{ExternalID: "a"}, {ExternalID: "b"}, {ExternalID: "c"}},
		results: map[string]*service.ReconcileResult{
			"a": {Applied: true, Status: model.PaymentStatusSucceeded},
			"c": {Applied: true, Status: model.PaymentStatusCanceled},
		},
		errs: map[string]error{"b": errors.New("boom")},
	}

	settled := newFastPoller(src).RunOnce(context.Background())
	if settled != 2 {
		t.Fatalf("settled = %d, want 2", settled)
	}
	if len(src.refreshed) != 3 {
		t.Fatalf("refreshed %v, want all three", src.refreshed)
	}
}

func TestPaymentPoller_StopsWhenGatewayDown(t *testing.T) {
	src := &fakePaymentSource{
		pending: []*model.Payment{{ExternalID: "a"}, {ExternalID: "b"}},
		errs:    map[string]error{"a": fmt.Errorf("%w: timeout", service.ErrGatewayUnavailable)},
	}

	if settled := newFastPoller(src).RunOnce(context.Background()); settled != 0 {
		t.Fatalf("settled = %d, want 0", settled)
	}
	if len(src.refreshed) != 1 {
		t.Fatalf("refreshed %v, want only the first", src.refreshed)
	}
}

func TestPaymentPoller_CanceledContext(t *testing.T) {
	src := &fakePaymentSource{pending: []*model.Payment{{ExternalID: "a"}, {ExternalID: "b"}}}
	p := NewPaymentPoller(src, PollerOptions{RPS: 0.001})
	// drain the single burst token so the next Wait blocks
	p.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if settled := p.RunOnce(ctx); settled != 0 || len(src.refreshed) != 0 {
		t.Fatalf("settled=%d refreshed=%v after cancel", settled, src.refreshed)
	}
}

func TestPaymentPoller_StopTwice(t *testing.T) {
	p := newFastPoller(&fakePaymentSource{})
	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	p.Stop()
	p.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
