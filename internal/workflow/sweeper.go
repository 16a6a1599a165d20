package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Expirer expires stale instances. *Engine implements it.
type Expirer interface {
	ExpireStale(ctx context.Context, cutoff time.Time, batch int) (int, error)
}

// Sweeper runs ExpireStale on a cron schedule. Overlapping runs are skipped.
type Sweeper struct {
	cron    *cron.Cron
	expirer Expirer
	batch   int
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewSweeper schedules expirer on spec, a standard five-field cron
// expression or a descriptor such as "@every 5m".
func NewSweeper(expirer Expirer, spec string, batch int, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		expirer: expirer,
		batch:   batch,
		timeout: time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops scheduling sweeps and waits for a running sweep to finish or
// for ctx to be done.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep expires every instance that is stale now.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.expirer.ExpireStale(ctx, s.now(), s.batch)
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	s.logger.Debug("expiry sweep finished", zap.Int("expired", n))
}
