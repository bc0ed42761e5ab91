package dispatch

import (
	"context"
	"errors"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"circuitmesh/pkg/mesh"
)

// Source is the merged incoming stream a Loop consumes.
type Source interface {
	Incoming() <-chan mesh.Envelope
	Done() <-chan struct{}
}

// Loop runs a fixed pool of dispatch workers. Envelopes are sharded by
// connection id, so one connection's messages are handled in arrival order
// by a single worker while other connections proceed on the rest.
type Loop struct {
	dispatcher *Dispatcher
	source     Source
	workers    int
	queueSize  int
	logger     *zap.Logger
}

// NewLoop creates a dispatch loop. workers <= 0 uses one worker per CPU.
func NewLoop(d *Dispatcher, source Source, workers int, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Loop{
		dispatcher: d,
		source:     source,
		workers:    workers,
		queueSize:  64,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled or the source shuts down. Dispatch
// errors are logged and never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	shards := make([]chan mesh.Envelope, l.workers)
	for i := range shards {
		shards[i] = make(chan mesh.Envelope, l.queueSize)
		ch := shards[i]
		g.Go(func() error {
			for env := range ch {
				l.handle(ctx, env)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		for {
			select {
			case env := <-l.source.Incoming():
				shard := shards[env.ConnectionID%uint64(len(shards))]
				select {
				case shard <- env:
				case <-ctx.Done():
					return nil
				}
			case <-l.source.Done():
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

func (l *Loop) handle(ctx context.Context, env mesh.Envelope) {
	err := l.dispatcher.Dispatch(ctx, env)
	if err == nil {
		return
	}

	var handlerErr *HandlerError
	switch {
	case errors.Is(err, ErrHandlerNotFound):
		l.logger.Debug("No handler for message",
			zap.Uint64("connection_id", env.ConnectionID),
			zap.Error(err))
	case errors.Is(err, ErrDeserialization):
		l.logger.Debug("Dropped message",
			zap.Uint64("connection_id", env.ConnectionID),
			zap.Error(err))
	case errors.As(err, &handlerErr):
		l.logger.Debug("Handler returned error",
			zap.Uint64("connection_id", env.ConnectionID),
			zap.Stringer("type", handlerErr.Type),
			zap.Error(handlerErr.Err))
	default:
		l.logger.Warn("Dispatch failed",
			zap.Uint64("connection_id", env.ConnectionID),
			zap.Error(err))
	}
}
