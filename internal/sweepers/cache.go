package sweepers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fairdata/download-service/internal/cache"
)

// Housekeeper runs the cache maintenance steps
type Housekeeper interface {
	Housekeep(ctx context.Context) ([]cache.Report, error)
}

// CacheSweeper runs cache housekeeping on a schedule, independently of
// package generation
type CacheSweeper struct {
	cache  Housekeeper
	ticker *ticker
	logger *zerolog.Logger
}

func NewCacheSweeper(housekeeper Housekeeper, interval time.Duration, logger *zerolog.Logger) *CacheSweeper {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "cache_sweeper").Logger()
	return &CacheSweeper{cache: housekeeper, ticker: newTicker(interval), logger: &l}
}

// Start blocks running housekeeping until ctx is done or Stop is called.
// Returns at once when the interval is zero.
func (s *CacheSweeper) Start(ctx context.Context) {
	if s.ticker.interval <= 0 {
		s.logger.Info().Msg("Scheduled cache housekeeping disabled")
		return
	}
	s.logger.Info().Dur("interval", s.ticker.interval).Msg("Starting cache sweeper")
	s.ticker.run(ctx, s.Sweep)
}

func (s *CacheSweeper) Stop() {
	s.ticker.stop()
}

// Sweep runs housekeeping once and logs what it did
func (s *CacheSweeper) Sweep(ctx context.Context) {
	reports, err := s.cache.Housekeep(ctx)
	for _, r := range reports {
		s.logger.Info().
			Str("operation", r.Operation).
			Int("removed", len(r.Removed)).
			Msg(r.Message)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Cache housekeeping failed")
	}
}
