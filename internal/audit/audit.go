// Package audit records every state transition the core performs.
// The production sink writes structured log records; deployments with
// an event pipeline swap in their own implementation.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/build"
)

type Sink interface {
	BuildTransition(ctx context.Context, b *build.Build, from, to build.Status, detail string)
	WorkerEvent(ctx context.Context, workerID, event, detail string)
}

type zapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) Sink {
	return &zapSink{log: log.Named("audit")}
}

func (s *zapSink) BuildTransition(_ context.Context, b *build.Build, from, to build.Status, detail string) {
	fields := []zap.Field{
		zap.String("build_id", b.ID),
		zap.String("platform", b.Platform),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("retry_count", b.RetryCount),
	}
	if b.WorkerID != nil {
		fields = append(fields, zap.String("worker_id", *b.WorkerID))
	}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	s.log.Info("build transition", fields...)
}

func (s *zapSink) WorkerEvent(_ context.Context, workerID, event, detail string) {
	fields := []zap.Field{
		zap.String("worker_id", workerID),
		zap.String("event", event),
	}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	s.log.Info("worker event", fields...)
}
