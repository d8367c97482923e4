package pipeline

import (
	"context"
	"testing"
	"time"

	"convopulse/pkg/analytics"
	"convopulse/pkg/broadcast"
	"convopulse/pkg/signals"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerRunsRealtimePipeline(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0)
	pool := NewWorkerPool(2, 16, f.logger)
	trigger := NewTrigger(f.pipeline, pool, f.logger)

	msg := signals.Message{ID: "m3", ConversationID: "c1", SenderType: signals.SenderCustomer, CreatedAt: time.Now()}
	require.NoError(t, f.store.RecordMessage(context.Background(), msg))
	assert.True(t, trigger.OnMessageRecorded(msg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	created := f.recorder.Filter(broadcast.ConversationScope("c1"), broadcast.KindMessageCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "m3", created[0].Data.(signals.Message).ID)

	snaps := f.recorder.Filter(broadcast.ConversationScope("c1"), broadcast.KindMetricsSnapshot)
	require.Len(t, snaps, 1)
	assert.Equal(t, 3, snaps[0].Data.(*analytics.MetricSnapshot).Metrics.TotalMessages)

	events := f.recorder.Filter(broadcast.ConversationScope("c1"), "")
	assert.Equal(t, broadcast.KindMessageCreated, events[0].Type, "message.created precedes the snapshot")
}

func TestTriggerDoesNotBlockWhenQueueIsFull(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0)
	pool := NewWorkerPool(1, 1, f.logger)
	trigger := NewTrigger(f.pipeline, pool, f.logger)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: "blocker", Run: func(context.Context) {
		close(started)
		<-release
	}}))
	<-started
	require.True(t, trigger.OnMessageRecorded(signals.Message{ID: "a", ConversationID: "c1"}))

	done := make(chan bool, 1)
	go func() { done <- trigger.OnMessageRecorded(signals.Message{ID: "b", ConversationID: "c1"}) }()

	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("OnMessageRecorded blocked on a full queue")
	}

	var dropped bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Real-time pipeline run not queued" {
			dropped = true
		}
	}
	assert.True(t, dropped)

	close(release)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestTriggerIgnoresMessageWithoutConversation(t *testing.T) {
	f := newFixture(t)
	pool := NewWorkerPool(1, 1, f.logger)
	trigger := NewTrigger(f.pipeline, pool, f.logger)

	assert.False(t, trigger.OnMessageRecorded(signals.Message{ID: "orphan"}))
	assert.False(t, trigger.OnConversationUpdated(signals.Conversation{}))
	assert.False(t, pool.IsStarted(), "nothing was submitted")
}

func TestTriggerSwallowsPipelineErrors(t *testing.T) {
	f := newFixture(t)
	pool := NewWorkerPool(1, 4, f.logger)
	trigger := NewTrigger(f.pipeline, pool, f.logger)

	assert.True(t, trigger.OnMessageRecorded(signals.Message{ID: "m", ConversationID: "ghost"}))
	require.NoError(t, pool.Stop(context.Background()))

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Real-time pipeline run failed" {
			warned = true
		}
	}
	assert.True(t, warned)
	assert.Len(t, f.recorder.Filter("", broadcast.KindMessageCreated), 1)
}

func TestTriggerConversationUpdated(t *testing.T) {
	f := newFixture(t)
	pool := NewWorkerPool(1, 4, f.logger)
	trigger := NewTrigger(f.pipeline, pool, f.logger)

	assert.True(t, trigger.OnConversationUpdated(signals.Conversation{ID: "c1", Status: signals.StatusResolved}))
	require.NoError(t, pool.Stop(context.Background()))

	updates := f.recorder.Filter(broadcast.ScopeDashboard, broadcast.KindConversationUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, signals.StatusResolved, updates[0].Data.(signals.Conversation).Status)
}
