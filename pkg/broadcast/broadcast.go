// Package broadcast delivers pipeline events to subscribers grouped by scope.
package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"convopulse/pkg/errors"
)

// Scope addresses a group of subscribers
type Scope string

const (
	ScopeDashboard   Scope = "dashboard"
	ScopeSupervisors Scope = "supervisors"

	conversationScopePrefix = "conversation_"
)

// ConversationScope returns the scope for subscribers of a single conversation
func ConversationScope(conversationID string) Scope {
	return Scope(conversationScopePrefix + conversationID)
}

// ConversationID extracts the conversation ID from a conversation scope
func (s Scope) ConversationID() (string, bool) {
	if !strings.HasPrefix(string(s), conversationScopePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(string(s), conversationScopePrefix)
	return id, id != ""
}

// Valid reports whether the scope is one of the known scope forms
func (s Scope) Valid() bool {
	if s == ScopeDashboard || s == ScopeSupervisors {
		return true
	}
	_, ok := s.ConversationID()
	return ok
}

// EventKind names the event carried by an envelope
type EventKind string

const (
	KindMetricsSnapshot     EventKind = "metrics.snapshot"
	KindAlertRaised         EventKind = "alert.raised"
	KindMessageCreated      EventKind = "message.created"
	KindConversationUpdated EventKind = "conversation.updated"
)

// Envelope is the wire form of every broadcast event
type Envelope struct {
	Type      EventKind   `json:"type"`
	Scope     Scope       `json:"scope"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEnvelope wraps a payload stamped with the current UTC time
func NewEnvelope(scope Scope, kind EventKind, payload interface{}) Envelope {
	return Envelope{
		Type:      kind,
		Scope:     scope,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
}

// Broadcaster publishes events to a scope. Implementations must be safe for
// concurrent use; delivery is at-most-once.
type Broadcaster interface {
	Publish(ctx context.Context, scope Scope, kind EventKind, payload interface{}) error
}

// Nop drops every event
type Nop struct{}

// Publish implements Broadcaster
func (Nop) Publish(context.Context, Scope, EventKind, interface{}) error { return nil }

// Fanout publishes each event to every wrapped broadcaster
type Fanout []Broadcaster

// Publish delivers to all targets and joins their errors
func (f Fanout) Publish(ctx context.Context, scope Scope, kind EventKind, payload interface{}) error {
	var errs []error
	for _, b := range f {
		if b == nil {
			continue
		}
		if err := b.Publish(ctx, scope, kind, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(errors.Join(append(errs, errors.ErrBroadcastFailure)...), "fanout publish failed").
		WithFields(map[string]interface{}{"scope": string(scope), "kind": string(kind)})
}

// Recorder keeps every published envelope in memory
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
	err    error
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent publishes return err; nil restores success
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Publish implements Broadcaster
func (r *Recorder) Publish(_ context.Context, scope Scope, kind EventKind, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, NewEnvelope(scope, kind, payload))
	return nil
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded envelopes matching scope and kind; empty values match all
func (r *Recorder) Filter(scope Scope, kind EventKind) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if scope != "" && e.Scope != scope {
			continue
		}
		if kind != "" && e.Type != kind {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Reset discards recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
