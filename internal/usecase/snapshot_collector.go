package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"RevEngine/internal/domain/models"
	drepo "RevEngine/internal/domain/repository"
	"RevEngine/pkg/logger"
)

// SnapshotCollector pumps a live MarketStream into the ingest pipeline and
// keeps the stream connected.
type SnapshotCollector struct {
	stream  drepo.MarketStream
	proc    SnapshotProcessor
	metrics drepo.Metrics
	log     *logger.Logger
	// pause between reconnect rounds once the stream's own retry budget is spent
	cooldown time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSnapshotCollector(stream drepo.MarketStream, proc SnapshotProcessor, metrics drepo.Metrics, log *logger.Logger) *SnapshotCollector {
	return &SnapshotCollector{
		stream:   stream,
		proc:     proc,
		metrics:  metrics,
		log:      log.With(logger.String("component", "collector")),
		cooldown: 5 * time.Second,
	}
}

func (c *SnapshotCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

// Start connects once synchronously so configuration errors surface at boot,
// then consumes in the background until Shutdown.
func (c *SnapshotCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

func (c *SnapshotCollector) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		snaps, errs := c.stream.Read(ctx)
		c.consume(ctx, snaps, errs)
		if ctx.Err() != nil {
			return
		}
		if !c.reconnect(ctx) {
			return
		}
	}
}

func (c *SnapshotCollector) consume(ctx context.Context, snaps <-chan models.Snapshot, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				c.metrics.RecordError("stream")
				c.log.Warn("stream interrupted", logger.Error(err))
				return
			}
			errs = nil
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			c.process(ctx, snap)
		}
	}
}

func (c *SnapshotCollector) process(ctx context.Context, snap models.Snapshot) {
	_, err := c.proc.Process(ctx, snap)
	if err == nil || errors.Is(err, models.ErrThrottled) {
		return
	}
	var dq *models.DataQualityError
	if errors.As(err, &dq) {
		c.log.Debug("snapshot rejected", logger.String("symbol", snap.Symbol), logger.String("field", dq.Field))
		return
	}
	c.log.Warn("ingest failed", logger.String("symbol", snap.Symbol), logger.Error(err))
}

// reconnect retries until connected or ctx ends. It reports whether the
// stream is connected again.
func (c *SnapshotCollector) reconnect(ctx context.Context) bool {
	_ = c.stream.Close()
	for {
		err := c.stream.Connect(ctx)
		if err == nil {
			c.log.Info("stream reconnected")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		var te *models.TransientIngestionError
		if errors.As(err, &te) {
			c.log.Error("stream unavailable", logger.String("op", te.Op), logger.Int("attempts", te.Attempts), logger.Error(te.Err))
		} else {
			c.log.Error("stream reconnect failed", logger.Error(err))
		}
		c.metrics.RecordError("stream_reconnect")
		select {
		case <-time.After(c.cooldown):
		case <-ctx.Done():
			return false
		}
	}
}

// Shutdown stops consumption and closes the stream.
func (c *SnapshotCollector) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.stream.Close()
}
