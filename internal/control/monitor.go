package control

import (
	"context"
	"time"

	"github.com/matst80/backhaul/internal/obs"
)

// Sweeper is periodic housekeeping run alongside heartbeat checks, such as closing expired
// idle work connections or refreshing claim TTLs.
type Sweeper func(ctx context.Context, now time.Time)

// Monitor evicts sessions whose last heartbeat is older than Timeout. It is the only thing
// that closes a silent session.
type Monitor struct {
	Sessions *Manager
	Interval time.Duration
	Timeout  time.Duration
	Sweepers []Sweeper
}

// Run sweeps every Interval/2 until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	every := m.Interval / 2
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := m.Sweep(ctx, now); n > 0 {
				obs.Info("monitor.evicted", obs.Fields{"sessions": n})
			}
		}
	}
}

// Sweep closes expired sessions as of now, runs the sweepers and returns how many sessions
// were evicted.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) int {
	evicted := 0
	for _, s := range m.Sessions.All() {
		last := s.LastHeartbeat()
		if now.Sub(last) <= m.Timeout {
			continue
		}
		obs.Info("control.heartbeat.timeout", obs.Fields{"session": s.ID(), "run_id": s.RunID(), "last": last.UTC().Format(time.RFC3339)})
		obs.SessionEvictedTotal.Inc()
		s.Close(ErrHeartbeatTimeout)
		evicted++
	}
	for _, sw := range m.Sweepers {
		sw(ctx, now)
	}
	return evicted
}
