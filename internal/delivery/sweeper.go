package delivery

import (
	"context"
	"log/slog"
	"time"
)

// Sweeps run in bounded batches so one pass never holds a transaction
// over an unbounded row set.
const sweepBatchSize = 500

// StartSweeper reaps expired envelopes until ctx is canceled. Reaping
// scrubs ciphertext, tombstones the row, and fails every recipient
// still waiting on delivery.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reaped, err := s.ReapExpired(ctx)
				if err != nil {
					logger.Warn("envelope sweep failed", "error", err)
					continue
				}
				if reaped > 0 {
					logger.Info("envelope sweep", "reaped", reaped)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ReapExpired runs sweep passes until the backlog is empty and returns
// how many envelopes were reaped.
func (s *Service) ReapExpired(ctx context.Context) (int64, error) {
	var total int64
	for {
		ids, err := s.store.Envelopes().ExpiredIDs(ctx, s.now(), sweepBatchSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		n, err := s.store.Envelopes().Reap(ctx, ids, s.now())
		total += n
		if err != nil {
			return total, err
		}
		if len(ids) < sweepBatchSize {
			return total, nil
		}
	}
}
