package milestone

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agroclear/agroclear/internal/contract"
)

// Timer periodically approves milestones whose review window expired while
// the buyer stayed silent. Silence past the deadline releases the funds
// whether or not evidence was filed; a buyer who objects must reject or
// dispute before the window closes.
type Timer struct {
	engine   *Engine
	store    contract.Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a milestone timeout timer.
func NewTimer(engine *Engine, store contract.Store, logger *slog.Logger) *Timer {
	return &Timer{
		engine:   engine,
		store:    store,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the scan interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the timeout scan loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeScan(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in milestone timer", "panic", fmt.Sprint(r))
		}
	}()
	t.scanExpired(ctx)
}

func (t *Timer) scanExpired(ctx context.Context) {
	now := time.Now()

	active, err := t.store.ListByStatus(ctx, contract.StatusActive, 500)
	if err != nil {
		t.logger.Warn("failed to list active contracts", "error", err)
		return
	}

	for _, c := range active {
		for i := range c.Milestones {
			ms := &c.Milestones[i]
			if ms.TimeoutAt == nil || now.Before(*ms.TimeoutAt) {
				continue
			}
			if ms.Status != contract.MilestonePending && ms.Status != contract.MilestoneEvidenceSubmitted {
				continue
			}
			if err := t.engine.ApproveExpired(ctx, c.ID, ms.ID); err != nil {
				t.logger.Warn("failed to auto-approve expired milestone",
					"contract", c.ID, "milestone", ms.ID, "error", err)
			} else {
				t.logger.Info("milestone auto-approved after review timeout",
					"contract", c.ID, "milestone", ms.ID)
			}
		}
	}
}
