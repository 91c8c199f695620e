// Package notifier delivers events to operators and reads their commands.
package notifier

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"TradeWarden/internal/model"
)

// Sink consumes structured events. The core loops depend only on this.
type Sink interface {
	Publish(ctx context.Context, e model.Event) error
}

// Multi fans an event out to every sink; one failing sink does not stop the others.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e model.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrQueueFull is returned when an Async sink drops an event.
var ErrQueueFull = errors.New("notifier queue full")

// Async hands events to a slow sink through a bounded queue drained by Run.
// Publish never waits on the inner sink; when the queue is full the event
// is dropped and logged.
type Async struct {
	inner   Sink
	queue   chan model.Event
	logger  *zap.Logger
	dropped atomic.Int64
}

// NewAsync wraps inner with a queue of size buffer.
func NewAsync(inner Sink, buffer int, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Async{inner: inner, queue: make(chan model.Event, buffer), logger: logger}
}

func (a *Async) Publish(_ context.Context, e model.Event) error {
	select {
	case a.queue <- e:
		return nil
	default:
		n := a.dropped.Add(1)
		a.logger.Warn("notification dropped",
			zap.String("type", string(e.Type)),
			zap.String("account", e.AccountID),
			zap.Int64("dropped_total", n))
		return ErrQueueFull
	}
}

// Dropped is the number of events discarded so far.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Run delivers queued events until ctx is done.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.queue:
			if err := a.inner.Publish(ctx, e); err != nil {
				a.logger.Warn("notification delivery failed", zap.String("type", string(e.Type)), zap.Error(err))
			}
		}
	}
}

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Publish(_ context.Context, e model.Event) error {
	fields := []zap.Field{
		zap.String("event", string(e.Type)),
		zap.String("account", e.AccountID),
	}
	if e.StrategyID != "" {
		fields = append(fields, zap.String("strategy", e.StrategyID))
	}
	if e.Instrument != "" {
		fields = append(fields, zap.String("instrument", e.Instrument))
	}
	if e.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", e.CorrelationID))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	for _, k := range sortedKeys(e.Fields) {
		fields = append(fields, zap.Float64(k, e.Fields[k]))
	}

	switch e.Type {
	case model.EventAccountDisabled, model.EventForceExit:
		l.logger.Warn("event", fields...)
	default:
		l.logger.Info("event", fields...)
	}
	return nil
}
