// Package signals defines the conversation and message records the metrics
// pipeline reads. The records are owned by the conversation store; the
// pipeline never mutates them.
package signals

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusWaiting   ConversationStatus = "waiting"
	StatusResolved  ConversationStatus = "resolved"
	StatusEscalated ConversationStatus = "escalated"
	StatusAbandoned ConversationStatus = "abandoned"
	StatusClosed    ConversationStatus = "closed"
)

// IsOpen reports whether periodic sweeps should cover the conversation
func (s ConversationStatus) IsOpen() bool {
	return s == StatusActive || s == StatusWaiting
}

// SenderType identifies who authored a message
type SenderType string

const (
	SenderAI         SenderType = "ai"
	SenderCustomer   SenderType = "customer"
	SenderSupervisor SenderType = "supervisor"
	SenderAgent      SenderType = "agent"
	SenderSystem     SenderType = "system"
)

// Marker flags supervisor intervention points in a conversation
type Marker string

const (
	MarkerNone     Marker = ""
	MarkerTakeover Marker = "takeover"
	MarkerReturn   Marker = "return"
)

// Conversation is the subset of conversation state the pipeline consumes
type Conversation struct {
	ID           string             `json:"id" db:"id"`
	Status       ConversationStatus `json:"status" db:"status"`
	CustomerName string             `json:"customerName,omitempty" db:"customer_name"`
	CustomerID   string             `json:"customerId,omitempty" db:"customer_id"`
	AgentID      string             `json:"agentId,omitempty" db:"agent_id"`
	SupervisorID string             `json:"supervisorId,omitempty" db:"supervisor_id"`
	StartedAt    time.Time          `json:"startedAt" db:"started_at"`
	UpdatedAt    time.Time          `json:"updatedAt" db:"updated_at"`
}

// Message carries the per-message signals aggregated into snapshots.
//
// LatencyMs, ResponseTimeMs and Confidence use zero for "not reported".
// Toxicity (0..1) and Polarity (-1..1) use zero for neutral.
type Message struct {
	ID             string     `json:"id" db:"id"`
	ConversationID string     `json:"conversationId" db:"conversation_id"`
	SenderType     SenderType `json:"senderType" db:"sender_type"`
	Content        string     `json:"content,omitempty" db:"content"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	LatencyMs      float64    `json:"latency,omitempty" db:"latency_ms"`
	ResponseTimeMs float64    `json:"responseTime,omitempty" db:"response_time_ms"`
	Toxicity       float64    `json:"toxicity,omitempty" db:"toxicity"`
	Polarity       float64    `json:"polarity,omitempty" db:"polarity"`
	Confidence     float64    `json:"confidence,omitempty" db:"confidence"`
	Marker         Marker     `json:"marker,omitempty" db:"marker"`
}

// IsTakeover reports whether the message marks a supervisor takeover
func (m Message) IsTakeover() bool {
	return m.Marker == MarkerTakeover
}

// IsReturn reports whether the message hands the conversation back to the AI
func (m Message) IsReturn() bool {
	return m.Marker == MarkerReturn
}
