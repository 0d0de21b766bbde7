package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"approvline/internal/engine"
)

// Sweeper is the engine operation the scheduler drives.
type Sweeper interface {
	SweepTimeouts(ctx context.Context, now time.Time) (engine.SweepResult, error)
}

// Scheduler runs the timeout sweep on a cron schedule. A run that is still
// going when the next one is due makes the next one skip.
type Scheduler struct {
	sweeper Sweeper
	logger  *zap.Logger
	now     func() time.Time
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(sweeper Sweeper, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{sweeper: sweeper, logger: logger, now: time.Now}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})))
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("timeout sweep scheduled")
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	s.cancel()
	<-s.cron.Stop().Done()
}

// RunOnce sweeps immediately.
func (s *Scheduler) RunOnce(ctx context.Context) engine.SweepResult {
	res, err := s.sweeper.SweepTimeouts(ctx, s.now())
	if err != nil {
		s.logger.Error("timeout sweep failed", zap.Error(err))
	}
	return res
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
