package worker

import (
	"context"
	"time"

	"jewellery-backend/internal/domain"
	"jewellery-backend/internal/repository"
	"jewellery-backend/internal/services"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconciliationWorker sweeps pending online payments and asks the gateway
// for the truth, healing orders whose webhooks were dropped. Payments older
// than the lookback window are left for manual review.
type ReconciliationWorker struct {
	ledger   repository.Ledger
	engine   *services.PaymentService
	logger   *zap.Logger
	interval time.Duration
	lookback time.Duration
	batch    int
	parallel int
}

func NewReconciliationWorker(ledger repository.Ledger, engine *services.PaymentService, logger *zap.Logger, interval, lookback time.Duration, batch int) *ReconciliationWorker {
	return &ReconciliationWorker{
		ledger:   ledger,
		engine:   engine,
		logger:   logger,
		interval: interval,
		lookback: lookback,
		batch:    batch,
		parallel: 5,
	}
}

// Run ticks until the context is cancelled. An in-flight sweep finishes; no
// new one starts after shutdown begins.
func (w *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("reconciliation worker started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep. Exported so tests and operators can trigger the
// job body directly instead of waiting on the timer.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) (reconciled, failed int) {
	cutoff := time.Now().Add(-w.lookback)
	payments, err := w.ledger.FindPendingGatewayPayments(ctx, cutoff, w.batch)
	if err != nil {
		w.logger.Error("reconciliation sweep query failed", zap.Error(err))
		return 0, 0
	}
	if len(payments) == 0 {
		return 0, 0
	}

	var okCount, errCount atomicCounter
	g := &errgroup.Group{}
	g.SetLimit(w.parallel)
	for _, p := range payments {
		payment := p
		g.Go(func() error {
			// One bad payment must not abort the batch; errors stop here.
			if err := w.engine.ReconcilePayment(ctx, payment); err != nil {
				errCount.inc()
				w.logger.Warn("payment reconciliation failed",
					zap.Uint64("payment_id", payment.ID),
					zap.Error(err),
				)
				w.auditFailure(ctx, payment.ID, err)
				return nil
			}
			okCount.inc()
			return nil
		})
	}
	_ = g.Wait()

	reconciled, failed = okCount.get(), errCount.get()
	w.logger.Info("reconciliation sweep finished",
		zap.Int("scanned", len(payments)),
		zap.Int("reconciled", reconciled),
		zap.Int("failed", failed),
	)
	return reconciled, failed
}

func (w *ReconciliationWorker) auditFailure(ctx context.Context, paymentID uint64, cause error) {
	entry := &domain.PaymentAuditLog{
		PaymentID:   paymentID,
		Action:      domain.AuditReconciliationError,
		PerformedBy: domain.ActorReconciliation,
		Metadata:    `{"error":` + jsonQuote(cause.Error()) + `}`,
	}
	if err := w.ledger.AppendAuditLog(ctx, entry); err != nil {
		w.logger.Error("failed to audit reconciliation error",
			zap.Uint64("payment_id", paymentID),
			zap.Error(err),
		)
	}
}
