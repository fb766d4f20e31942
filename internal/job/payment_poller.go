package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"billingledger/internal/model"
	"billingledger/internal/service"
	"billingledger/pkg/logger"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// PaymentSource is what the poller needs from the payment service.
type PaymentSource interface {
	PendingPayments(ctx context.Context, minAge, maxAge time.Duration, limit int) ([]*model.Payment, error)
	RefreshPayment(ctx context.Context, externalID string) (*service.ReconcileResult, error)
}

// PaymentPoller asks the gateway about payments whose webhook never
// arrived. Gateway calls are throttled by a token bucket.
type PaymentPoller struct {
	payments  PaymentSource
	limiter   *rate.Limiter
	minAge    time.Duration
	maxAge    time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

type PollerOptions struct {
	Interval time.Duration
	MinAge   time.Duration
	MaxAge   time.Duration
	RPS      float64
}

func NewPaymentPoller(payments PaymentSource, opts PollerOptions) *PaymentPoller {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.RPS <= 0 {
		opts.RPS = 2
	}
	return &PaymentPoller{
		payments:  payments,
		limiter:   rate.NewLimiter(rate.Limit(opts.RPS), 1),
		minAge:    opts.MinAge,
		maxAge:    opts.MaxAge,
		stopCh:    make(chan struct{}),
		interval:  opts.Interval,
		batchSize: 50,
		log:       logger.Component("payment_poller"),
	}
}

func (j *PaymentPoller) Start(ctx context.Context) {
	j.log.Info().Dur("interval", j.interval).Dur("min_age", j.minAge).Msg("payment poller started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("payment poller stopping, context done")
			return
		case <-j.stopCh:
			j.log.Info().Msg("payment poller stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// Stop ends Start. It is safe to call more than once.
func (j *PaymentPoller) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce refreshes one batch of stale pending payments and returns how
// many of them changed state.
func (j *PaymentPoller) RunOnce(ctx context.Context) int {
	payments, err := j.payments.PendingPayments(ctx, j.minAge, j.maxAge, j.batchSize)
	if err != nil {
		j.log.Error().Err(err).Msg("load pending payments failed")
		return 0
	}
	if len(payments) == 0 {
		return 0
	}

	j.log.Debug().Int("count", len(payments)).Msg("polling pending payments")

	settled := 0
	for _, p := range payments {
		if err := j.limiter.Wait(ctx); err != nil {
			return settled
		}
		res, err := j.payments.RefreshPayment(ctx, p.ExternalID)
		if err != nil {
			if errors.Is(err, service.ErrGatewayUnavailable) {
				j.log.Warn().Err(err).Msg("gateway unavailable, polling paused until next tick")
				return settled
			}
			j.log.Error().Err(err).Str("external_id", p.ExternalID).Msg("refresh payment failed")
			continue
		}
		if res.Applied {
			settled++
			j.log.Info().Str("external_id", p.ExternalID).Str("status", res.Status).Msg("payment settled by poll")
		}
	}
	return settled
}
