package pipeline

import (
	"context"
	"sync"
	"time"

	"convopulse/pkg/analytics"
	"convopulse/pkg/correlation"
	"convopulse/pkg/errors"
	"convopulse/pkg/metrics"
	"convopulse/pkg/telemetry/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one periodic sweep. Skipped conversations had no
// messages in the window and count as successful.
type SweepReport struct {
	SnapshotType      analytics.SnapshotType `json:"snapshotType"`
	Processed         int                    `json:"processed"`
	Successful        int                    `json:"successful"`
	Failed            int                    `json:"failed"`
	Skipped           int                    `json:"skipped"`
	AnomaliesDetected int                    `json:"anomaliesDetected"`
	StartedAt         time.Time              `json:"startedAt"`
	CompletedAt       time.Time              `json:"completedAt"`
}

// RunPeriodicSnapshots computes a snapshot of the given cadence for every
// active or waiting conversation. A failing conversation is counted and
// logged without stopping the others.
func (p *Pipeline) RunPeriodicSnapshots(ctx context.Context, snapshotType analytics.SnapshotType) (SweepReport, error) {
	report := SweepReport{SnapshotType: snapshotType, StartedAt: time.Now()}
	if !snapshotType.Valid() || snapshotType == analytics.SnapshotRealTime {
		return report, errors.NewInvalidInput("periodic sweeps need an hourly, daily, weekly or monthly snapshot type", map[string]interface{}{
			"snapshot_type": string(snapshotType),
		})
	}

	ctx = correlation.WithRun(ctx, correlation.Run{
		ID:           correlation.New(),
		Trigger:      ModePeriodic,
		SnapshotType: string(snapshotType),
	})
	sweepID := correlation.FromContext(ctx)
	ctx, span := tracing.StartSpan(ctx, "pipeline.sweep")
	defer span.End()
	span.SetAttributes(attribute.String("snapshot.type", string(snapshotType)))

	log := p.logger.WithFields(logrus.Fields{
		"snapshot_type": string(snapshotType),
		"run_id":        sweepID.String(),
	})

	ids, err := p.signals.ListActiveConversationIDs(ctx)
	if err != nil {
		span.RecordError(err)
		log.WithError(err).Error("Failed to list active conversations")
		return report, errors.Wrap(err, "list active conversations").WithField("snapshot_type", string(snapshotType))
	}

	opts := p.PeriodicOptions(snapshotType)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.config.SweepConcurrency)

	for _, id := range ids {
		if ctx.Err() != nil {
			log.WithError(ctx.Err()).Warn("Sweep cancelled before all conversations were scheduled")
			break
		}
		conversationID := id
		g.Go(func() error {
			result, runErr := p.ProcessConversation(ctx, conversationID, opts)

			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			switch {
			case runErr != nil:
				report.Failed++
				metrics.RecordSweepConversation(string(snapshotType), "failed")
				log.WithError(runErr).WithField("conversation_id", conversationID).Warn("Periodic snapshot failed")
			case result.Skipped:
				report.Successful++
				report.Skipped++
				metrics.RecordSweepConversation(string(snapshotType), "skipped")
			default:
				report.Successful++
				report.AnomaliesDetected += result.Detection.TotalAnomalies
				metrics.RecordSweepConversation(string(snapshotType), "success")
			}
			return nil
		})
	}
	_ = g.Wait()

	report.CompletedAt = time.Now()
	span.SetAttributes(
		attribute.Int("sweep.processed", report.Processed),
		attribute.Int("sweep.failed", report.Failed),
	)
	log.WithFields(logrus.Fields{
		"processed":          report.Processed,
		"successful":         report.Successful,
		"failed":             report.Failed,
		"skipped":            report.Skipped,
		"anomalies_detected": report.AnomaliesDetected,
		"duration_ms":        report.CompletedAt.Sub(report.StartedAt).Milliseconds(),
	}).Info("Periodic snapshot sweep completed")

	return report, nil
}
