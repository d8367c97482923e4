package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"convopulse/pkg/analytics"
	"convopulse/pkg/correlation"
	"convopulse/pkg/errors"
	"convopulse/pkg/pipeline"
	"convopulse/pkg/signals"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxIngestBody = 1 << 20

// Error codes returned by the ingestion route
const (
	CodeMalformedBody        = "MALFORMED_BODY"
	CodeMissingConversation  = "MISSING_CONVERSATION_ID"
	CodeConversationMismatch = "CONVERSATION_MISMATCH"
)

// MessageTrigger receives ingestion callbacks
type MessageTrigger interface {
	OnMessageRecorded(msg signals.Message) bool
	OnConversationUpdated(conv signals.Conversation) bool
}

// SignalRecorder stores conversations and messages on behalf of callers
// that have no store of their own
type SignalRecorder interface {
	RecordConversation(ctx context.Context, conv signals.Conversation) (bool, error)
	RecordMessage(ctx context.Context, msg signals.Message) error
}

// SweepRunner runs a periodic sweep on demand
type SweepRunner interface {
	RunPeriodicSnapshots(ctx context.Context, snapshotType analytics.SnapshotType) (pipeline.SweepReport, error)
}

// IngestRequest is the body of POST /api/ingest/messages
type IngestRequest struct {
	Message      signals.Message       `json:"message"`
	Conversation *signals.Conversation `json:"conversation,omitempty"`
}

// IngestResponse acknowledges an ingested message
type IngestResponse struct {
	MessageID           string `json:"messageId"`
	ConversationID      string `json:"conversationId"`
	Queued              bool   `json:"queued"`
	ConversationChanged bool   `json:"conversationChanged"`
}

// IngestHandler notifies the pipeline trigger of recorded messages. With a
// recorder configured it stores the message first.
type IngestHandler struct {
	trigger  MessageTrigger
	recorder SignalRecorder
	logger   *logrus.Logger
}

// NewIngestHandler creates the handler; recorder may be nil
func NewIngestHandler(trigger MessageTrigger, recorder SignalRecorder, logger *logrus.Logger) *IngestHandler {
	return &IngestHandler{trigger: trigger, recorder: recorder, logger: logger}
}

// RegisterHandlers mounts the ingestion route
func (h *IngestHandler) RegisterHandlers(server *Server) {
	server.RegisterHandler("/api/ingest/messages", h.handleIngestMessage)
}

func (h *IngestHandler) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&req); err != nil {
		respondError(w, r, h.logger, errors.NewInvalidInput("malformed ingest body", map[string]interface{}{"reason": err.Error()}).
			WithCode(CodeMalformedBody))
		return
	}

	msg := req.Message
	if msg.ConversationID == "" {
		respondError(w, r, h.logger, errors.NewInvalidInput("message.conversationId is required").WithCode(CodeMissingConversation))
		return
	}
	if req.Conversation != nil {
		if req.Conversation.ID == "" {
			req.Conversation.ID = msg.ConversationID
		}
		if req.Conversation.ID != msg.ConversationID {
			respondError(w, r, h.logger, errors.NewInvalidInput("conversation id does not match message", map[string]interface{}{
				"conversation_id":      req.Conversation.ID,
				"message_conversation": msg.ConversationID,
			}).WithCode(CodeConversationMismatch))
			return
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	logger := correlation.LoggerFromContext(r.Context(), h.logger).WithFields(logrus.Fields{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
	})

	resp := IngestResponse{MessageID: msg.ID, ConversationID: msg.ConversationID}
	if h.recorder != nil {
		if req.Conversation != nil {
			changed, err := h.recorder.RecordConversation(r.Context(), *req.Conversation)
			if err != nil {
				respondError(w, r, h.logger, err)
				return
			}
			resp.ConversationChanged = changed
		}
		if err := h.recorder.RecordMessage(r.Context(), msg); err != nil {
			respondError(w, r, h.logger, err)
			return
		}
	}

	if resp.ConversationChanged {
		h.trigger.OnConversationUpdated(*req.Conversation)
	}
	resp.Queued = h.trigger.OnMessageRecorded(msg)
	logger.WithField("queued", resp.Queued).Debug("Message ingested")

	writeJSON(w, http.StatusAccepted, resp)
}

// SnapshotHandler runs periodic sweeps on demand
type SnapshotHandler struct {
	runner  SweepRunner
	timeout time.Duration
	logger  *logrus.Logger
}

// NewSnapshotHandler creates the handler; timeout bounds each sweep
func NewSnapshotHandler(runner SweepRunner, timeout time.Duration, logger *logrus.Logger) *SnapshotHandler {
	return &SnapshotHandler{runner: runner, timeout: timeout, logger: logger}
}

// RegisterHandlers mounts the manual sweep route
func (h *SnapshotHandler) RegisterHandlers(server *Server) {
	server.RegisterHandler("/api/snapshots/run", h.handleRunSweep)
}

func (h *SnapshotHandler) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := r.URL.Query().Get("type")
	if raw == "" {
		raw = string(analytics.SnapshotHourly)
	}
	snapshotType, err := analytics.ParseSnapshotType(raw)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	report, err := h.runner.RunPeriodicSnapshots(ctx, snapshotType)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
