package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"convopulse/pkg/alerting"
	"convopulse/pkg/analytics"
	"convopulse/pkg/errors"
	"convopulse/pkg/metrics"
	"convopulse/pkg/signals"

	"github.com/sirupsen/logrus"
)

// Operation names a store call, used for metrics and failure injection
type Operation string

const (
	OpFetchConversation    Operation = "fetch_conversation"
	OpFetchMessages        Operation = "fetch_messages"
	OpListActive           Operation = "list_active"
	OpRecordConversation   Operation = "record_conversation"
	OpRecordMessage        Operation = "record_message"
	OpPersistSnapshot      Operation = "persist_snapshot"
	OpFetchRecentSnapshots Operation = "fetch_recent_snapshots"
	OpPersistAlert         Operation = "persist_alert"
	OpListAlerts           Operation = "list_alerts"
	OpPurgeExpiredAlerts   Operation = "purge_expired_alerts"
)

const memoryFailureAnyTarget = "*"

// MemoryStore keeps every record in process memory. It backs development
// runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]signals.Conversation
	messages      map[string][]signals.Message
	snapshots     map[string][]analytics.MetricSnapshot
	alerts        map[string]alerting.Alert
	failures      map[Operation]map[string]error
	logger        *logrus.Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]signals.Conversation),
		messages:      make(map[string][]signals.Message),
		snapshots:     make(map[string][]analytics.MetricSnapshot),
		alerts:        make(map[string]alerting.Alert),
		failures:      make(map[Operation]map[string]error),
		logger:        logger,
	}
}

// InjectFailure makes op fail with err for the given target (conversation ID,
// or alert ID for persist_alert). An empty target fails every call.
func (s *MemoryStore) InjectFailure(op Operation, target string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target == "" {
		target = memoryFailureAnyTarget
	}
	if s.failures[op] == nil {
		s.failures[op] = make(map[string]error)
	}
	s.failures[op][target] = err
}

// ClearFailures removes every injected failure
func (s *MemoryStore) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[Operation]map[string]error)
}

// failure must be called with s.mu held
func (s *MemoryStore) failure(op Operation, target string) error {
	byTarget := s.failures[op]
	if byTarget == nil {
		return nil
	}
	if err, ok := byTarget[target]; ok {
		return errors.NewStoreFailure(err, string(op), map[string]interface{}{"target": target})
	}
	if err, ok := byTarget[memoryFailureAnyTarget]; ok {
		return errors.NewStoreFailure(err, string(op), map[string]interface{}{"target": target})
	}
	return nil
}

func snapshotKey(conversationID string, snapshotType analytics.SnapshotType) string {
	return conversationID + ":" + string(snapshotType)
}

// FetchConversation returns the conversation or a not-found error
func (s *MemoryStore) FetchConversation(ctx context.Context, id string) (conv *signals.Conversation, err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpFetchConversation))
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpFetchConversation, id); err != nil {
		return nil, err
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, errors.NewConversationNotFound(id)
	}
	return &c, nil
}

// FetchMessagesInWindow returns messages with start <= CreatedAt <= end, oldest first
func (s *MemoryStore) FetchMessagesInWindow(ctx context.Context, conversationID string, start, end time.Time) (msgs []signals.Message, err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpFetchMessages))
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpFetchMessages, conversationID); err != nil {
		return nil, err
	}
	for _, m := range s.messages[conversationID] {
		if m.CreatedAt.Before(start) || m.CreatedAt.After(end) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ListActiveConversationIDs returns the IDs of open conversations, sorted
func (s *MemoryStore) ListActiveConversationIDs(ctx context.Context) (ids []string, err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpListActive))
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpListActive, ""); err != nil {
		return nil, err
	}
	for id, c := range s.conversations {
		if c.Status.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RecordConversation upserts a conversation
func (s *MemoryStore) RecordConversation(ctx context.Context, conv signals.Conversation) (changed bool, err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpRecordConversation))
	defer func() { done(err) }()

	if conv.ID == "" {
		return false, errors.NewInvalidInput("conversation ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpRecordConversation, conv.ID); err != nil {
		return false, err
	}
	prev, existed := s.conversations[conv.ID]
	s.conversations[conv.ID] = conv
	return existed && prev.Status != conv.Status, nil
}

// RecordMessage appends a message keeping CreatedAt order
func (s *MemoryStore) RecordMessage(ctx context.Context, msg signals.Message) (err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpRecordMessage))
	defer func() { done(err) }()

	if msg.ConversationID == "" {
		return errors.NewInvalidInput("message conversation ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpRecordMessage, msg.ConversationID); err != nil {
		return err
	}
	list := append(s.messages[msg.ConversationID], msg)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	s.messages[msg.ConversationID] = list
	return nil
}

// PersistSnapshot validates and stores a snapshot
func (s *MemoryStore) PersistSnapshot(ctx context.Context, snapshot analytics.MetricSnapshot) (err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpPersistSnapshot))
	defer func() { done(err) }()

	if err := snapshot.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpPersistSnapshot, snapshot.ConversationID); err != nil {
		return err
	}
	key := snapshotKey(snapshot.ConversationID, snapshot.SnapshotType)
	list := append(s.snapshots[key], snapshot)
	sort.SliceStable(list, func(i, j int) bool { return list[i].WindowEnd.Before(list[j].WindowEnd) })
	s.snapshots[key] = list
	return nil
}

// FetchRecentSnapshots returns the newest limit snapshots, oldest first
func (s *MemoryStore) FetchRecentSnapshots(ctx context.Context, conversationID string, snapshotType analytics.SnapshotType, limit int) (out []analytics.MetricSnapshot, err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpFetchRecentSnapshots))
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpFetchRecentSnapshots, conversationID); err != nil {
		return nil, err
	}
	list := s.snapshots[snapshotKey(conversationID, snapshotType)]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out = make([]analytics.MetricSnapshot, len(list))
	copy(out, list)
	return out, nil
}

// PersistAlert stores an alert keyed by ID
func (s *MemoryStore) PersistAlert(ctx context.Context, alert alerting.Alert) (err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpPersistAlert))
	defer func() { done(err) }()

	if alert.ID == "" {
		return errors.NewInvalidInput("alert ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpPersistAlert, alert.ID); err != nil {
		return err
	}
	if err := s.failure(OpPersistAlert, alert.ConversationID); err != nil {
		return err
	}
	s.alerts[alert.ID] = alert
	return nil
}

// ListAlerts returns unexpired alerts for a conversation, newest first
func (s *MemoryStore) ListAlerts(ctx context.Context, conversationID string) (out []alerting.Alert, err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpListAlerts))
	defer func() { done(err) }()

	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpListAlerts, conversationID); err != nil {
		return nil, err
	}
	for _, a := range s.alerts {
		if a.ConversationID != conversationID || a.Expired(now) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// PurgeExpiredAlerts deletes alerts that expired at or before now
func (s *MemoryStore) PurgeExpiredAlerts(ctx context.Context, now time.Time) (n int, err error) {
	done := metrics.ObserveStoreOperation(BackendMemory, string(OpPurgeExpiredAlerts))
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpPurgeExpiredAlerts, ""); err != nil {
		return 0, err
	}
	for id, a := range s.alerts {
		if a.Expired(now) {
			delete(s.alerts, id)
			n++
		}
	}
	if n > 0 && s.logger != nil {
		s.logger.WithField("count", n).Debug("Purged expired alerts from memory store")
	}
	return n, nil
}

// Health always succeeds
func (s *MemoryStore) Health(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
