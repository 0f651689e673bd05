package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dgmonitor/internal/store"
)

// Worker drains the alert outbox.
type Worker struct {
	Store       store.Store
	Senders     Senders
	Limiter     *rate.Limiter
	MaxAttempts int
	Interval    time.Duration
	BatchSize   int
	Log         zerolog.Logger

	now func() time.Time
}

func NewWorker(s store.Store, senders Senders, maxAttempts int, rps float64, log zerolog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return &Worker{
		Store:       s,
		Senders:     senders,
		Limiter:     lim,
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		BatchSize:   50,
		Log:         log,
		now:         time.Now,
	}
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueAlerts(ctx, w.now(), w.BatchSize)
	if err != nil {
		w.Log.Warn().Err(err).Msg("fetch due alerts")
		return 0
	}
	done := 0
	for _, it := range items {
		if w.Limiter != nil {
			if err := w.Limiter.Wait(ctx); err != nil {
				return done
			}
		}
		code, err := w.Senders.deliver(ctx, it)
		done++
		if err == nil {
			_ = w.Store.MarkAlert(ctx, it.ID, true, time.Time{}, "", code)
			continue
		}
		if it.Attempts+1 >= w.MaxAttempts {
			w.Log.Warn().Err(err).Str("alert_id", it.ID).Str("channel", string(it.Channel)).Int("attempts", it.Attempts+1).Msg("alert moved to dead-letter list")
			_ = w.Store.FailAlert(ctx, it.ID, err.Error(), code)
			continue
		}
		next := w.now().Add(nextBackoff(it.Attempts + 1))
		_ = w.Store.MarkAlert(ctx, it.ID, false, next, err.Error(), code)
	}
	return done
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
