// Package storage provides the conversation, snapshot and alert stores the
// pipeline reads from and writes to.
package storage

import (
	"context"
	"time"

	"convopulse/pkg/alerting"
	"convopulse/pkg/analytics"
	"convopulse/pkg/signals"
)

// Backend names accepted by STORAGE_BACKEND
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
)

// SignalStore reads and records conversations and their messages
type SignalStore interface {
	FetchConversation(ctx context.Context, id string) (*signals.Conversation, error)
	FetchMessagesInWindow(ctx context.Context, conversationID string, start, end time.Time) ([]signals.Message, error)
	ListActiveConversationIDs(ctx context.Context) ([]string, error)
	// RecordConversation upserts a conversation and reports whether its status changed
	RecordConversation(ctx context.Context, conv signals.Conversation) (bool, error)
	RecordMessage(ctx context.Context, msg signals.Message) error
}

// SnapshotStore persists metric snapshots
type SnapshotStore interface {
	PersistSnapshot(ctx context.Context, snapshot analytics.MetricSnapshot) error
	// FetchRecentSnapshots returns at most limit snapshots ordered oldest to newest
	FetchRecentSnapshots(ctx context.Context, conversationID string, snapshotType analytics.SnapshotType, limit int) ([]analytics.MetricSnapshot, error)
}

// AlertStore persists alerts
type AlertStore interface {
	PersistAlert(ctx context.Context, alert alerting.Alert) error
	// ListAlerts returns unexpired alerts for a conversation, newest first
	ListAlerts(ctx context.Context, conversationID string) ([]alerting.Alert, error)
	// PurgeExpiredAlerts removes alerts whose expiry is at or before now
	PurgeExpiredAlerts(ctx context.Context, now time.Time) (int, error)
}

// Store groups every store the pipeline needs
type Store interface {
	SignalStore
	SnapshotStore
	AlertStore
	Health(ctx context.Context) error
	Close() error
}

// Composite assembles a Store from separately backed parts
type Composite struct {
	SignalStore
	SnapshotStore
	AlertStore

	closers  []func() error
	checkers []func(ctx context.Context) error
}

// NewComposite builds a Store whose health and close cover every distinct backend
func NewComposite(sig SignalStore, snaps SnapshotStore, alerts AlertStore) *Composite {
	c := &Composite{SignalStore: sig, SnapshotStore: snaps, AlertStore: alerts}
	seen := make(map[interface{}]bool)
	for _, part := range []interface{}{sig, snaps, alerts} {
		if seen[part] {
			continue
		}
		seen[part] = true
		if h, ok := part.(interface{ Health(context.Context) error }); ok {
			c.checkers = append(c.checkers, h.Health)
		}
		if cl, ok := part.(interface{ Close() error }); ok {
			c.closers = append(c.closers, cl.Close)
		}
	}
	return c
}

// Health checks every backend and returns the first failure
func (c *Composite) Health(ctx context.Context) error {
	for _, check := range c.checkers {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every backend and returns the first failure
func (c *Composite) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
