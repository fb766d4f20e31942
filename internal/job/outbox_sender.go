package job

import (
	"context"
	"sync"
	"time"

	"billingledger/internal/infrastructure/mq"
	"billingledger/internal/metrics"
	"billingledger/internal/model"
	"billingledger/internal/repository"
	"billingledger/pkg/logger"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// OutboxSender relays ledger events written by the services to the broker.
// Delivery is at-least-once; consumers dedupe on the message key.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	maxRetries int
	stopCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	batchSize  int
	log        zerolog.Logger
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, maxRetries int) *OutboxSender {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetries: maxRetries,
		stopCh:     make(chan struct{}),
		interval:   500 * time.Millisecond,
		batchSize:  100,
		log:        logger.Component("outbox_sender"),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("outbox sender stopping, context done")
			return
		case <-s.stopCh:
			s.log.Info().Msg("outbox sender stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop ends Start. It is safe to call more than once.
func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce sends one batch of pending messages and returns how many were sent.
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPending(ctx, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("load pending messages failed")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		metrics.OutboxPublished.WithLabelValues("sent").Inc()
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			// the message goes out again next tick
			s.log.Error().Err(err).Int64("id", msg.ID).Msg("mark sent failed")
			return false
		}
		s.log.Debug().Int64("id", msg.ID).Str("event", msg.EventType).Str("key", msg.MessageKey).Msg("message sent")
		return true
	}

	metrics.OutboxPublished.WithLabelValues("error").Inc()
	s.log.Warn().Err(err).Int64("id", msg.ID).Int("retry_count", msg.RetryCount).Msg("publish failed")

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.log.Error().Err(err).Int64("id", msg.ID).Msg("increment retry count failed")
	}
	if msg.RetryCount+1 >= s.maxRetries {
		if err := s.outboxRepo.MarkFailed(ctx, msg.ID); err != nil {
			s.log.Error().Err(err).Int64("id", msg.ID).Msg("mark failed failed")
		} else {
			metrics.OutboxPublished.WithLabelValues("dead").Inc()
			s.log.Error().Int64("id", msg.ID).Str("event", msg.EventType).Msg("message gave up after max retries")
		}
	}
	return false
}
