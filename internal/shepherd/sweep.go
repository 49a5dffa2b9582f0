package shepherd

import (
	"context"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/events"
	"github.com/lwmqn/shepherd-sub001/internal/registry"
)

// startSweepers launches the request timeout and device expiry tickers.
// They run until Stop.
func (s *Shepherd) startSweepers(ctx context.Context) error {
	sweepEvery := s.cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepInterval
	}
	expireEvery := s.cfg.ExpiryInterval
	if expireEvery <= 0 {
		expireEvery = defaultExpiryInterval
	}

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.tick(sweepCtx, sweepEvery, func() { s.SweepTimeouts() })
	go s.tick(sweepCtx, expireEvery, func() { s.ExpireDevices(sweepCtx) })
	return nil
}

func (s *Shepherd) tick(ctx context.Context, every time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// SweepTimeouts settles every request past its deadline and returns how
// many it settled. The sweeper calls it on each tick.
func (s *Shepherd) SweepTimeouts() int {
	n := s.coord.TimeoutSweep(s.now())
	if n > 0 {
		s.logger.Debug("requests timed out", "count", n)
	}
	return n
}

// ExpireDevices removes every device whose lifetime has run out, cancels
// its requests and emits an expired event for each. The sweeper calls it
// on each tick.
func (s *Shepherd) ExpireDevices(ctx context.Context) []*registry.Device {
	mark := s.coord.Mark()
	expired := s.registry.ExpireStale(ctx, s.now())
	for _, d := range expired {
		s.coord.CancelDeviceBefore(d.ClientID, mark)
		s.logger.Info("device lifetime expired", "client_id", d.ClientID, "last_seen", d.LastSeen)
		s.bus.Emit(events.Event{Kind: events.KindExpired, ClientID: d.ClientID, Device: d})
	}
	return expired
}
