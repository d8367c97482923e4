package anomaly

import (
	"fmt"

	"convopulse/pkg/signals"
)

func (d *Detector) checkExcessiveInteraction(conv signals.Conversation, messages []signals.Message) *Anomaly {
	t := d.thresholds
	count := len(messages)
	if count <= t.ExcessiveMessages || conv.Status != signals.StatusActive {
		return nil
	}
	severity := SeverityMedium
	if count > t.ExcessiveMessagesHigh {
		severity = SeverityHigh
	}
	a := newAnomaly(ExcessiveInteraction{MessageCount: count}, severity, SourceConversation, float64(count),
		fmt.Sprintf("Conversation has %d messages without resolution", count)).
		withThreshold(float64(t.ExcessiveMessages))
	return &a
}

// checkCustomerFrustration looks for FrustrationBurst customer messages in a
// row (ignoring other senders) where every gap is shorter than
// FrustrationGapMs.
func (d *Detector) checkCustomerFrustration(_ signals.Conversation, messages []signals.Message) *Anomaly {
	t := d.thresholds
	if t.FrustrationBurst < 2 {
		return nil
	}

	run := 0
	var prev signals.Message
	for _, msg := range messages {
		if msg.SenderType != signals.SenderCustomer {
			continue
		}
		if run > 0 && float64(msg.CreatedAt.Sub(prev.CreatedAt).Milliseconds()) < t.FrustrationGapMs {
			run++
		} else {
			run = 1
		}
		prev = msg

		if run >= t.FrustrationBurst {
			a := newAnomaly(CustomerFrustration{BurstSize: run}, SeverityMedium, SourceConversation, float64(t.FrustrationBurst),
				"Customer sent multiple rapid messages, indicating possible frustration").
				withThreshold(float64(t.FrustrationBurst - 1))
			return &a
		}
	}
	return nil
}

func (d *Detector) checkLowAIConfidence(_ signals.Conversation, messages []signals.Message) *Anomaly {
	t := d.thresholds
	var confidences []float64
	for _, msg := range messages {
		if msg.SenderType == signals.SenderAI && msg.Confidence > 0 {
			confidences = append(confidences, msg.Confidence)
		}
	}
	if t.ConfidenceSamples <= 0 || len(confidences) < t.ConfidenceSamples {
		return nil
	}

	avg := average(lastN(confidences, t.ConfidenceSamples))
	if avg >= t.LowConfidence {
		return nil
	}
	severity := SeverityMedium
	if avg < t.LowConfidenceHigh {
		severity = SeverityHigh
	}
	a := newAnomaly(LowAIConfidence{AverageConfidence: avg}, severity, SourceConversation, avg,
		fmt.Sprintf("AI confidence has dropped to %.1f%%", avg*100)).
		withThreshold(t.LowConfidence)
	return &a
}

func (d *Detector) checkDelayedResponse(_ signals.Conversation, messages []signals.Message) *Anomaly {
	t := d.thresholds
	maxRT := 0.0
	for _, msg := range messages {
		if msg.ResponseTimeMs > maxRT {
			maxRT = msg.ResponseTimeMs
		}
	}
	if maxRT <= t.DelayedResponseMs {
		return nil
	}
	severity := SeverityMedium
	if maxRT > t.DelayedResponseHighMs {
		severity = SeverityHigh
	}
	a := newAnomaly(DelayedResponse{MaxResponseTime: maxRT}, severity, SourceConversation, maxRT,
		fmt.Sprintf("AI took %.1f minutes to respond", maxRT/60000)).
		withThreshold(t.DelayedResponseMs)
	return &a
}
