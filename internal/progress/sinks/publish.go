package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/progress"
)

// PublishSink forwards terminal job events to a message bus so downstream
// consumers (notifications, sync) learn when an import finished.
type PublishSink struct {
	publisher importer.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink builds a sink that publishes to topic.
func NewPublishSink(publisher importer.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes every terminal event in the batch. Non-terminal events are
// ignored. All publishes are attempted; errors are joined.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish job %s: %w", evt.JobID, err))
			continue
		}
		s.logger.Debug("published job event",
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
