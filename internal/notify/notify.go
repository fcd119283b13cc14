// Package notify delivers purchase status changes to interested parties.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// Notifier matches service.Notifier.
type Notifier interface {
	NotifyStatusChanged(ctx context.Context, purchaseID uuid.UUID, status domain.Status) error
}

// LogNotifier writes every status change to a structured logger.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier returns a LogNotifier writing to log.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyStatusChanged(ctx context.Context, purchaseID uuid.UUID, status domain.Status) error {
	n.log.InfoContext(ctx, "purchase status changed",
		"purchase_request_id", purchaseID,
		"status", status,
	)
	return nil
}

// Async delivers through next on its own goroutine so a slow notifier never
// holds up the caller. Each delivery gets a context detached from the
// caller's and bounded by timeout. Errors are logged.
type Async struct {
	next    Notifier
	timeout time.Duration
	log     *slog.Logger

	wg sync.WaitGroup
}

// NewAsync wraps next.
func NewAsync(next Notifier, timeout time.Duration, log *slog.Logger) *Async {
	return &Async{next: next, timeout: timeout, log: log}
}

// NotifyStatusChanged schedules the delivery and returns nil immediately.
func (a *Async) NotifyStatusChanged(ctx context.Context, purchaseID uuid.UUID, status domain.Status) error {
	ctx = context.WithoutCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		if err := a.next.NotifyStatusChanged(ctx, purchaseID, status); err != nil {
			a.log.WarnContext(ctx, "status notification failed",
				"purchase_request_id", purchaseID,
				"status", status,
				"error", err,
			)
		}
	}()
	return nil
}

// Wait blocks until pending deliveries finish or ctx is done.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
