package keyring

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper periodically purges dead prekeys until ctx is canceled.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := s.CleanupExpired(ctx)
				if err != nil {
					logger.Warn("prekey sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					logger.Info("prekey sweep", "removed", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
