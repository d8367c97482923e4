package pipeline

import (
	"context"
	"fmt"

	"convopulse/pkg/broadcast"
	"convopulse/pkg/correlation"
	"convopulse/pkg/signals"

	"github.com/sirupsen/logrus"
)

// Trigger turns ingestion callbacks into queued pipeline runs. Its methods
// never block and never return pipeline errors to the caller.
type Trigger struct {
	pipeline *Pipeline
	pool     *WorkerPool
	logger   *logrus.Entry
}

// NewTrigger creates a trigger that runs the real-time pipeline on pool
func NewTrigger(p *Pipeline, pool *WorkerPool, logger *logrus.Logger) *Trigger {
	return &Trigger{
		pipeline: p,
		pool:     pool,
		logger:   logger.WithField("component", "pipeline_trigger"),
	}
}

// OnMessageRecorded is called once a message has been durably stored. It
// queues a task that publishes message.created and runs the real-time
// pipeline for the message's conversation. It reports whether the task was
// accepted.
func (t *Trigger) OnMessageRecorded(msg signals.Message) bool {
	if msg.ConversationID == "" {
		t.logger.WithField("message_id", msg.ID).Warn("Ignoring message without conversation")
		return false
	}

	runID := correlation.New()
	err := t.pool.Submit(Task{
		ID: fmt.Sprintf("message:%s", msg.ID),
		Run: func(ctx context.Context) {
			ctx = correlation.WithCorrelationID(ctx, runID)
			t.pipeline.publish(ctx, broadcast.ConversationScope(msg.ConversationID), broadcast.KindMessageCreated, msg)

			if _, err := t.pipeline.ProcessConversation(ctx, msg.ConversationID, t.pipeline.RealtimeOptions()); err != nil {
				t.logger.WithError(err).WithFields(logrus.Fields{
					"conversation_id": msg.ConversationID,
					"message_id":      msg.ID,
					"run_id":          runID.String(),
				}).Warn("Real-time pipeline run failed")
			}
		},
	})
	if err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
		}).Warn("Real-time pipeline run not queued")
		return false
	}
	return true
}

// OnConversationUpdated queues a conversation.updated broadcast
func (t *Trigger) OnConversationUpdated(conv signals.Conversation) bool {
	if conv.ID == "" {
		return false
	}
	err := t.pool.Submit(Task{
		ID: fmt.Sprintf("conversation:%s", conv.ID),
		Run: func(ctx context.Context) {
			t.pipeline.PublishConversationUpdated(ctx, conv)
		},
	})
	if err != nil {
		t.logger.WithError(err).WithField("conversation_id", conv.ID).Warn("Conversation update broadcast not queued")
		return false
	}
	return true
}
