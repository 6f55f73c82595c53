// Package reconcile repairs partial failures left behind by the release,
// refund, and ledger paths: payments that completed without their ledger
// record, refunds that could not be issued, and queued ledger appends.
// Every repair reuses the operation's original idempotency key, so replays
// are absorbed by the provider or the ledger rather than doubled.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agroclear/agroclear/internal/contract"
	"github.com/agroclear/agroclear/internal/ledgerd"
	"github.com/agroclear/agroclear/internal/retry"
)

// ReleaseRetrier resumes interrupted milestone releases.
type ReleaseRetrier interface {
	RetryRelease(ctx context.Context, contractID, milestoneID string) error
}

// CancellationRetrier re-attempts refunds on cancellation_pending contracts.
type CancellationRetrier interface {
	RetryCancellation(ctx context.Context, id string) (*contract.Contract, error)
}

const (
	scanLimit        = 200
	defaultBaseDelay = 30 * time.Second
	defaultMaxDelay  = 30 * time.Minute
)

// Job scans for stuck state and repairs it.
type Job struct {
	store       contract.Store
	releases    ReleaseRetrier
	cancels     CancellationRetrier
	ledger      ledgerd.Adapter
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewJob creates a reconciliation job.
func NewJob(store contract.Store, releases ReleaseRetrier, cancels CancellationRetrier, ledger ledgerd.Adapter) *Job {
	return &Job{
		store:       store,
		releases:    releases,
		cancels:     cancels,
		ledger:      ledger,
		logger:      slog.Default(),
		maxAttempts: 8,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
	}
}

// WithLogger sets a structured logger.
func (j *Job) WithLogger(l *slog.Logger) *Job {
	j.logger = l
	return j
}

// WithMaxAttempts caps per-item retries before flagging for manual review.
func (j *Job) WithMaxAttempts(n int) *Job {
	if n > 0 {
		j.maxAttempts = n
	}
	return j
}

// WithBackoff overrides the retry backoff window.
func (j *Job) WithBackoff(base, max time.Duration) *Job {
	if base > 0 {
		j.baseDelay = base
	}
	if max > 0 {
		j.maxDelay = max
	}
	return j
}

// Run executes one full reconciliation pass.
func (j *Job) Run(ctx context.Context) {
	start := time.Now()
	defer func() {
		runDuration.Observe(time.Since(start).Seconds())
	}()

	j.repairStuckReleases(ctx)
	j.retryCancellations(ctx)
	j.flushPendingLedger(ctx)
}

// due reports whether enough backoff has elapsed for another attempt.
func (j *Job) due(attempts int, last *time.Time) bool {
	if attempts == 0 || last == nil {
		return true
	}
	return time.Since(*last) >= retry.Backoff(attempts, j.baseDelay, j.maxDelay)
}

// repairStuckReleases finishes releases whose payment succeeded but whose
// ledger append never landed, and re-runs releases whose payment failed
// after approval.
func (j *Job) repairStuckReleases(ctx context.Context) {
	stuck, err := j.store.ListStuckReleases(ctx, scanLimit)
	if err != nil {
		j.logger.Error("failed to list stuck releases", "error", err)
		runErrors.Inc()
		return
	}
	stuckReleasesFound.Set(float64(len(stuck)))

	for _, c := range stuck {
		for i := range c.Milestones {
			ms := &c.Milestones[i]
			if ms.Status != contract.MilestoneApproved || ms.LedgerTxID != "" {
				continue
			}
			if ms.PaymentTxID == "" && ms.ReleaseAttempts == 0 {
				continue
			}
			if ms.ReleaseAttempts >= j.maxAttempts {
				j.logger.Error("milestone release exhausted retries, manual review required",
					"contract", c.ID, "milestone", ms.ID, "attempts", ms.ReleaseAttempts)
				exhaustedTotal.WithLabelValues("release").Inc()
				continue
			}
			if !j.due(ms.ReleaseAttempts, ms.LastReleaseAttempt) {
				continue
			}
			if err := j.releases.RetryRelease(ctx, c.ID, ms.ID); err != nil {
				j.logger.Warn("release repair failed",
					"contract", c.ID, "milestone", ms.ID, "error", err)
				continue
			}
			repairsTotal.WithLabelValues("release").Inc()
			j.logger.Info("repaired stuck release", "contract", c.ID, "milestone", ms.ID)
		}
	}
}

// retryCancellations re-issues refunds for contracts parked in
// cancellation_pending.
func (j *Job) retryCancellations(ctx context.Context) {
	parked, err := j.store.ListByStatus(ctx, contract.StatusCancellationPending, scanLimit)
	if err != nil {
		j.logger.Error("failed to list pending cancellations", "error", err)
		runErrors.Inc()
		return
	}
	pendingCancellations.Set(float64(len(parked)))

	for _, c := range parked {
		if c.RefundAttempts >= j.maxAttempts {
			j.logger.Error("cancellation refund exhausted retries, manual review required",
				"contract", c.ID, "attempts", c.RefundAttempts)
			exhaustedTotal.WithLabelValues("refund").Inc()
			continue
		}
		if !j.due(c.RefundAttempts, c.LastRefundAttempt) {
			continue
		}
		if _, err := j.cancels.RetryCancellation(ctx, c.ID); err != nil {
			j.logger.Warn("cancellation refund retry failed", "contract", c.ID, "error", err)
			continue
		}
		repairsTotal.WithLabelValues("refund").Inc()
		j.logger.Info("completed pending cancellation", "contract", c.ID)
	}
}

// flushPendingLedger replays queued ledger appends with their original
// idempotency keys.
func (j *Job) flushPendingLedger(ctx context.Context) {
	queued, err := j.store.ListPendingLedger(ctx, scanLimit)
	if err != nil {
		j.logger.Error("failed to list pending ledger events", "error", err)
		runErrors.Inc()
		return
	}
	total := 0
	for _, c := range queued {
		total += len(c.PendingLedger)
	}
	pendingLedgerEvents.Set(float64(total))

	for _, c := range queued {
		if c.LedgerAttempts >= j.maxAttempts {
			j.logger.Error("ledger queue exhausted retries, manual review required",
				"contract", c.ID, "attempts", c.LedgerAttempts)
			exhaustedTotal.WithLabelValues("ledger").Inc()
			continue
		}
		if !j.due(c.LedgerAttempts, c.LastLedgerAttempt) {
			continue
		}

		var remaining []contract.PendingLedgerEvent
		flushed := 0
		for _, ev := range c.PendingLedger {
			txID, err := j.ledger.RecordEscrowEvent(ctx, c.ID, ev.EventType, map[string]any{
				"status": string(c.Status),
				"replay": true,
			}, ev.IdempotencyKey)
			if err != nil {
				remaining = append(remaining, ev)
				continue
			}
			c.LedgerTxIDs = append(c.LedgerTxIDs, txID)
			flushed++
		}

		now := time.Now()
		c.PendingLedger = remaining
		if len(remaining) > 0 {
			c.LedgerAttempts++
			c.LastLedgerAttempt = &now
		} else {
			c.LedgerAttempts = 0
			c.LastLedgerAttempt = nil
		}
		if err := j.store.Update(ctx, c); err != nil {
			j.logger.Warn("failed to persist ledger queue progress", "contract", c.ID, "error", err)
			continue
		}
		if flushed > 0 {
			repairsTotal.WithLabelValues("ledger").Add(float64(flushed))
			j.logger.Info("flushed queued ledger events", "contract", c.ID, "count", flushed)
		}
	}
}

// Summary reports the current backlog sizes, used by the health endpoint.
func (j *Job) Summary(ctx context.Context) (map[string]int, error) {
	stuck, err := j.store.ListStuckReleases(ctx, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("list stuck releases: %w", err)
	}
	parked, err := j.store.ListByStatus(ctx, contract.StatusCancellationPending, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("list pending cancellations: %w", err)
	}
	queued, err := j.store.ListPendingLedger(ctx, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("list pending ledger: %w", err)
	}
	return map[string]int{
		"stuckReleases":        len(stuck),
		"pendingCancellations": len(parked),
		"pendingLedger":        len(queued),
	}, nil
}
