package treasury

import (
	"context"
	"log/slog"
	"time"
)

// RunKeeper periodically calls the permissionless CancelAbandoned and
// UnlockStale on every live request that qualifies. It acts as an ordinary
// external caller; the core never cancels on its own.
func (s *Server) RunKeeper(ctx context.Context, interval time.Duration) error {
	for {
		if _, err := s.reap(ctx); err != nil {
			slog.Error("keeper round failed", slog.Any("err", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

const keeperAccount = "keeper"

// reap walks every request from the newest down and returns how many it
// cancelled.
func (s *Server) reap(ctx context.Context) (int, error) {
	const limit = 100

	if paused, err := s.Paused(ctx); err != nil || paused {
		return 0, err
	}

	var (
		before uint64
		count  int
	)

	for {
		requests, err := s.ListRequests(ctx, before, limit)
		if err != nil {
			return count, err
		}

		now := s.now()
		for _, req := range requests {
			before = req.ID

			switch {
			case abandoned(req, s.cfg.Policy, now):
				if _, err := s.CancelAbandoned(ctx, keeperAccount, req.ID); err != nil {
					slog.Warn("keeper: cancel abandoned", "id", req.ID, slog.Any("err", err))
					continue
				}
			case stale(req, s.cfg.Policy, now):
				if _, err := s.UnlockStale(ctx, keeperAccount, req.ID); err != nil {
					slog.Warn("keeper: unlock stale", "id", req.ID, slog.Any("err", err))
					continue
				}
			default:
				continue
			}

			count++
		}

		if len(requests) < limit {
			break
		}
	}

	if count > 0 {
		slog.Info("keeper round", "reaped", count)
	}

	return count, nil
}
