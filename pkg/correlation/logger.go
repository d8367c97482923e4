package correlation

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LoggerFromContext returns an entry carrying the run and request fields
// found in ctx
func LoggerFromContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(ContextFields(ctx))
}

// ContextFields extracts the log fields attached to ctx
func ContextFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := FromContext(ctx); !id.IsEmpty() {
		fields["correlation_id"] = id.String()
	}
	if run, ok := RunFromContext(ctx); ok {
		fields["run_id"] = run.ID.String()
		if run.Trigger != "" {
			fields["trigger"] = run.Trigger
		}
		if run.ConversationID != "" {
			fields["conversation_id"] = run.ConversationID
		}
		if run.SnapshotType != "" {
			fields["snapshot_type"] = run.SnapshotType
		}
	}
	if req, ok := RequestFromContext(ctx); ok {
		fields["client_ip"] = req.ClientIP
		fields["method"] = req.Method
		fields["path"] = req.Path
	}
	return fields
}
