package optimizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"RevEngine/internal/domain/models"
	"RevEngine/pkg/logger"
)

type job struct {
	entry  cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler runs one optimization cycle per MONITORED strategy every
// interval. Each strategy has its own cron entry and context; a cycle that
// is still running when the next tick fires is skipped, and untracking a
// strategy cancels its in-flight cycle.
type Scheduler struct {
	opt      *Optimizer
	interval time.Duration
	cron     *cron.Cron
	log      *logger.Logger

	mu      sync.Mutex
	baseCtx context.Context
	stop    context.CancelFunc
	jobs    map[string]*job
}

func NewScheduler(opt *Optimizer, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval < time.Second {
		interval = time.Second
	}
	cl := cronLogger{log: log}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		opt:      opt,
		interval: interval,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		log:      log,
		baseCtx:  ctx,
		stop:     stop,
		jobs:     make(map[string]*job),
	}
}

// OnTransition keeps the schedule in step with the lifecycle manager.
func (s *Scheduler) OnTransition(t models.Transition, _ models.Strategy) {
	switch {
	case t.To == models.StateMonitored:
		s.Track(t.StrategyID)
	case t.To.Terminal():
		s.Untrack(t.StrategyID)
	}
}

// Track schedules strategy id. Tracking twice is a no-op.
func (s *Scheduler) Track(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	j := &job{ctx: ctx, cancel: cancel}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: s.log})).Then(cron.FuncJob(func() {
		s.run(ctx, id)
	}))
	j.entry = s.cron.Schedule(cron.Every(s.interval), wrapped)
	s.jobs[id] = j
	s.log.Info("optimization scheduled", logger.String("strategy_id", id), logger.Duration("interval", s.interval))
}

// Untrack removes the schedule of id and cancels its running cycle.
func (s *Scheduler) Untrack(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	s.cron.Remove(j.entry)
	s.opt.adjuster.Forget(id)
	s.log.Info("optimization unscheduled", logger.String("strategy_id", id))
}

// Tracked reports whether id is scheduled.
func (s *Scheduler) Tracked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Optimize runs one cycle on demand. For a tracked strategy the cycle is
// also bound to its schedule context, so closing the strategy or stopping
// the scheduler discards it like a scheduled run.
func (s *Scheduler) Optimize(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return s.opt.Optimize(ctx, id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// AfterFunc fires on its own goroutine even for a context that is
	// already done, so an ended schedule is applied here synchronously.
	if j.ctx.Err() != nil {
		cancel()
	} else {
		stop := context.AfterFunc(j.ctx, cancel)
		defer stop()
	}
	return s.opt.Optimize(runCtx, id)
}

func (s *Scheduler) run(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.opt.Optimize(ctx, id); err != nil {
		var invalid *models.InvalidTransitionError
		if errors.As(err, &invalid) || errors.Is(err, models.ErrStrategyNotFound) {
			s.Untrack(id)
			return
		}
		s.log.Error("optimize cycle failed", logger.String("strategy_id", id), logger.Error(err))
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("optimization scheduler started", logger.Duration("interval", s.interval))
}

// Stop cancels every cycle and waits for running ones to return or ctx to
// end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stop()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("optimization scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logger.Any(key, kv[i+1]))
	}
	return fields
}
