package worker

import (
	"context"
	"time"

	"jewellery-backend/internal/domain"
	"jewellery-backend/internal/infra/razorpay"
	"jewellery-backend/internal/repository"
	"jewellery-backend/internal/services"

	"go.uber.org/zap"
)

const (
	baseRetryDelay = time.Second
	maxRetryDelay  = 5 * time.Minute
)

// backoffDelay is min(1s * 2^retries, 5m).
func backoffDelay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := baseRetryDelay << uint(retries)
	if d <= 0 || d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// WebhookRetryWorker redelivers webhook events whose processing failed with a
// transient error. Signatures are re-verified before every redelivery; a
// payload signed under a rotated-out secret is never replayed.
type WebhookRetryWorker struct {
	ledger     repository.Ledger
	engine     *services.PaymentService
	gateway    razorpay.Gateway
	logger     *zap.Logger
	interval   time.Duration
	batch      int
	maxRetries int
	now        func() time.Time
}

func NewWebhookRetryWorker(ledger repository.Ledger, engine *services.PaymentService, gateway razorpay.Gateway, logger *zap.Logger, interval time.Duration, batch, maxRetries int) *WebhookRetryWorker {
	return &WebhookRetryWorker{
		ledger:     ledger,
		engine:     engine,
		gateway:    gateway,
		logger:     logger,
		interval:   interval,
		batch:      batch,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func (w *WebhookRetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("webhook retry worker started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("webhook retry worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce redelivers due events once. Exported for tests and manual runs.
func (w *WebhookRetryWorker) RunOnce(ctx context.Context) (succeeded, failed, skipped int) {
	events, err := w.ledger.FindRetryableWebhookEvents(ctx, w.maxRetries, w.batch)
	if err != nil {
		w.logger.Error("webhook retry query failed", zap.Error(err))
		return 0, 0, 0
	}

	for _, ev := range events {
		if !w.due(ev) {
			skipped++
			continue
		}
		if w.retry(ctx, ev) {
			succeeded++
		} else {
			failed++
		}
	}

	if len(events) > 0 {
		w.logger.Info("webhook retry sweep finished",
			zap.Int("scanned", len(events)),
			zap.Int("succeeded", succeeded),
			zap.Int("failed", failed),
			zap.Int("skipped", skipped),
		)
	}
	return succeeded, failed, skipped
}

// due applies the exponential backoff: the event waits at least
// backoffDelay(retryCount) after its previous attempt.
func (w *WebhookRetryWorker) due(ev domain.WebhookEvent) bool {
	last := ev.CreatedAt
	if ev.LastRetryAt != nil {
		last = *ev.LastRetryAt
	}
	return w.now().Sub(last) >= backoffDelay(ev.RetryCount)
}

func (w *WebhookRetryWorker) retry(ctx context.Context, ev domain.WebhookEvent) bool {
	if !w.gateway.VerifyWebhookSignature([]byte(ev.Payload), ev.Signature) {
		// Secret rotated or payload corrupted; replaying would be unsafe.
		w.logger.Warn("stored webhook signature no longer valid, dropping",
			zap.String("event_id", ev.EventID))
		w.markDone(ctx, ev.ID, "signature no longer valid")
		return false
	}

	err := w.engine.RedeliverWebhook(ctx, &ev)
	if err == nil {
		w.markDone(ctx, ev.ID, "")
		return true
	}

	w.logger.Warn("webhook redelivery failed",
		zap.String("event_id", ev.EventID),
		zap.Int("retry_count", ev.RetryCount+1),
		zap.Error(err),
	)
	if recErr := w.ledger.RecordWebhookRetry(ctx, ev.ID, err.Error()); recErr != nil {
		w.logger.Error("failed to record webhook retry", zap.Error(recErr))
		return false
	}
	if ev.RetryCount+1 >= w.maxRetries || domain.IsFatal(err) {
		// Give up: mark processed with the error kept for manual review
		// instead of retrying a permanently broken payload forever.
		w.markDone(ctx, ev.ID, err.Error())
	}
	return false
}

func (w *WebhookRetryWorker) markDone(ctx context.Context, id uint64, procErr string) {
	if err := w.ledger.MarkWebhookProcessed(ctx, id, procErr); err != nil {
		w.logger.Error("failed to mark webhook processed", zap.Error(err))
	}
}
