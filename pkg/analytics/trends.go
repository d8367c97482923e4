package analytics

// stableBand is the +/- percentage change treated as no movement
const stableBand = 5.0

// CompareTrend fills snapshot.Trends by comparing its composite score with
// the most recent usable entry of history (oldest first).
func CompareTrend(snapshot *MetricSnapshot, history []MetricSnapshot) {
	snapshot.Trends = Trends{PerformanceDirection: TrendUnknown}

	for i := len(history) - 1; i >= 0; i-- {
		prev := history[i]
		if prev.ID == snapshot.ID || prev.Metrics.CompositeScore <= 0 {
			continue
		}

		change := (snapshot.Metrics.CompositeScore - prev.Metrics.CompositeScore) / prev.Metrics.CompositeScore * 100
		direction := TrendStable
		switch {
		case change > stableBand:
			direction = TrendImproving
		case change < -stableBand:
			direction = TrendDeclining
		}

		compared := prev.WindowEnd
		snapshot.Trends = Trends{
			PerformanceDirection: direction,
			ChangePercentage:     change,
			ComparedToLastPeriod: &compared,
		}
		return
	}
}
