package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"convopulse/pkg/errors"
	"convopulse/pkg/signals"
)

// SignalReader is the read side of the conversation store
type SignalReader interface {
	FetchConversation(ctx context.Context, id string) (*signals.Conversation, error)
	FetchMessagesInWindow(ctx context.Context, conversationID string, start, end time.Time) ([]signals.Message, error)
}

// Calculator aggregates message signals over a trailing window into a
// MetricSnapshot.
type Calculator struct {
	reader      SignalReader
	aggregators []Aggregator
	logger      *logrus.Entry
	now         func() time.Time
	newID       func() string
}

// CalculatorOption customises a Calculator
type CalculatorOption func(*Calculator)

// WithClock overrides the wall clock used to anchor windows
func WithClock(now func() time.Time) CalculatorOption {
	return func(c *Calculator) {
		c.now = now
	}
}

// WithIDGenerator overrides snapshot ID generation
func WithIDGenerator(newID func() string) CalculatorOption {
	return func(c *Calculator) {
		c.newID = newID
	}
}

// WithAggregators replaces the default aggregation chain
func WithAggregators(aggregators ...Aggregator) CalculatorOption {
	return func(c *Calculator) {
		c.aggregators = aggregators
	}
}

// NewCalculator creates a calculator using the default aggregation chain
// scored with the given weights.
func NewCalculator(reader SignalReader, weights Weights, logger *logrus.Logger, opts ...CalculatorOption) *Calculator {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Calculator{
		reader:      reader,
		aggregators: DefaultAggregators(weights),
		logger:      logger.WithField("component", "window_calculator"),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComputeWindowMetrics builds a snapshot over [now-window, now]. It returns
// (nil, nil) when the window holds no messages.
func (c *Calculator) ComputeWindowMetrics(ctx context.Context, conversationID string, window time.Duration, snapshotType SnapshotType) (*MetricSnapshot, error) {
	if window <= 0 {
		return nil, errors.NewInvalidInput("window must be positive", map[string]interface{}{
			"conversation_id": conversationID,
			"window":          window.String(),
		})
	}

	conv, err := c.reader.FetchConversation(ctx, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch conversation").WithField("conversation_id", conversationID)
	}

	end := c.now()
	start := end.Add(-window)

	messages, err := c.reader.FetchMessagesInWindow(ctx, conversationID, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "fetch messages").WithField("conversation_id", conversationID)
	}
	if len(messages) == 0 {
		c.logger.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"window":          window.String(),
		}).Debug("No messages in window, skipping snapshot")
		return nil, nil
	}

	snapshot := c.Build(Window{Conversation: *conv, Messages: messages, Start: start, End: end}, snapshotType)
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Build runs the aggregation chain over an already fetched window.
func (c *Calculator) Build(w Window, snapshotType SnapshotType) *MetricSnapshot {
	var m SnapshotMetrics
	for _, agg := range c.aggregators {
		agg.Aggregate(&w, &m)
	}

	return &MetricSnapshot{
		ID:             c.newID(),
		SnapshotType:   snapshotType,
		ConversationID: w.Conversation.ID,
		AgentID:        w.Conversation.AgentID,
		WindowStart:    w.Start,
		WindowEnd:      w.End,
		Metrics:        m,
		Trends:         Trends{PerformanceDirection: TrendUnknown},
		CalculatedAt:   c.now(),
		DataQuality:    DataQualityFor(len(w.Messages)),
		SampleSize:     len(w.Messages),
	}
}
