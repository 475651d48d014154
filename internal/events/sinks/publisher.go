package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/scrape-scheduler/internal/events"
	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

// PublisherSink forwards job events to a topic. Progress events are skipped
// unless IncludeProgress is set.
type PublisherSink struct {
	publisher       jobs.Publisher
	topic           string
	IncludeProgress bool
}

// NewPublisherSink wraps a publisher for topic.
func NewPublisherSink(publisher jobs.Publisher, topic string) (*PublisherSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &PublisherSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes each event; failures are joined and returned after the
// whole batch has been attempted.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage == events.StageProgress && !s.IncludeProgress {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s: %w", evt.Stage, evt.JobID, err))
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return errors.Join(errs...)
}

// Close implements events.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
