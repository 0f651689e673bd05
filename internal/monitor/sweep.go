package monitor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"dgmonitor/internal/metrics"
	"dgmonitor/internal/model"
	"dgmonitor/internal/store"
)

// Sweep checks every ACTIVE session for GPS loss and records one freshness violation
// per outage. It returns the number of sessions newly flagged.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) (int, error) {
	ctx, span := c.tracer.Start(ctx, "monitor.Sweep")
	defer span.End()

	active, flagged := 0, 0
	f := store.SessionFilter{Statuses: []model.SessionStatus{model.SessionActive}, Limit: c.sweepPage}
	for {
		page, err := c.store.ListSessions(ctx, f)
		if err != nil {
			return flagged, err
		}
		active += len(page)
		for _, snap := range page {
			if ctx.Err() != nil {
				return flagged, ctx.Err()
			}
			if c.eval.CheckFreshness(snap, now).Empty() {
				continue
			}
			ok, err := c.flagStale(ctx, snap.ID, now)
			if err != nil {
				c.log.Warn().Err(err).Str("session_id", snap.ID).Msg("freshness sweep failed")
				continue
			}
			if ok {
				flagged++
			}
		}
		if len(page) < f.Limit {
			break
		}
		f.After = store.CursorOf(page[len(page)-1])
	}
	metrics.ActiveSessions.Set(float64(active))
	span.SetAttributes(attribute.Int("sessions.active", active), attribute.Int("sessions.flagged", flagged))
	return flagged, nil
}

// flagStale re-checks freshness under the session lock before recording it.
func (c *Coordinator) flagStale(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := c.locks.Lock(id)
	s, err := c.store.GetSession(ctx, id)
	if err != nil {
		unlock()
		return false, err
	}
	res := c.eval.CheckFreshness(s, now)
	if s.Status != model.SessionActive || res.Empty() {
		unlock()
		return false, nil
	}
	f := res.Violations[0]
	ev := findingEvent(freshnessEventID(s.ID, *s.LastUpdateAt), s.ID, now.UTC(), model.GeoPoint{}, f, now.UTC())
	if f.Location == nil {
		ev.Location = nil
	}
	out, inserted, err := c.commit(ctx, id, []model.ComplianceEvent{ev}, func(s *model.MonitoringSession, ins []model.ComplianceEvent) error {
		c.applyInserted(s, ins, nil)
		return nil
	})
	unlock()
	if err != nil {
		return false, err
	}
	if len(inserted) > 0 {
		c.log.Warn().Str("session_id", id).Time("last_update", *s.LastUpdateAt).Msg("gps communication lost")
	}
	c.afterCommit(ctx, out, inserted, nil)
	return len(inserted) > 0, nil
}

// Run sweeps on every tick until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if n, err := c.Sweep(ctx, t); err != nil {
				c.log.Warn().Err(err).Msg("sweep failed")
			} else if n > 0 {
				c.log.Info().Int("flagged", n).Msg("sweep flagged stale sessions")
			}
		}
	}
}
