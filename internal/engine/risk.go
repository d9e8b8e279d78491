package engine

import (
	"fmt"
	"math"
	"strings"
)

// Alert type and severity vocabulary.
const (
	AlertNegativeSentiment = "negative_sentiment"
	AlertEscalationKeyword = "escalation_keyword"
	AlertDeadAir           = "dead_air"
	AlertHighRiskScore     = "high_risk_score"

	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Keywords that escalate a keyword alert to high severity on their own.
var highSeverityKeywords = map[string]bool{
	"supervisor": true,
	"lawyer":     true,
	"legal":      true,
}

// deadAirAlertSeconds is the dead-air duration that triggers an alert;
// deadAirHighSeconds escalates it to high severity.
const (
	deadAirAlertSeconds = 20
	deadAirHighSeconds  = 35
)

// terminal statuses decay the risk score.
var terminalStatuses = map[string]bool{
	"ended": true, "completed": true, "closed": true,
}

// smoothSentiment folds a new sentiment reading into the running call
// score with asymmetric exponential smoothing.
func smoothSentiment(prev, next float64) float64 {
	return round(0.72*prev+0.28*next, 3)
}

// pendingAlert is an alert rule hit before it is persisted.
type pendingAlert struct {
	Type     string
	Severity string
	Message  string
	Metadata map[string]any
}

// evaluateTriggers applies the sentiment, keyword, and dead-air rules to
// one normalized event. The high-risk rule runs separately after the risk
// score update.
func (e *Engine) evaluateTriggers(n Normalized) []pendingAlert {
	var out []pendingAlert

	if n.Sentiment != nil && *n.Sentiment <= e.negativeThreshold {
		sev := SeverityMedium
		if *n.Sentiment <= e.negativeThreshold-0.2 {
			sev = SeverityHigh
		}
		out = append(out, pendingAlert{
			Type:     AlertNegativeSentiment,
			Severity: sev,
			Message:  fmt.Sprintf("Negative sentiment %.2f detected", *n.Sentiment),
			Metadata: map[string]any{"sentiment": *n.Sentiment},
		})
	}

	if hits := matchKeywords(n.Text, e.keywords); len(hits) > 0 {
		sev := SeverityMedium
		for _, h := range hits {
			if highSeverityKeywords[h] {
				sev = SeverityHigh
				break
			}
		}
		out = append(out, pendingAlert{
			Type:     AlertEscalationKeyword,
			Severity: sev,
			Message:  fmt.Sprintf("Escalation keyword %q detected", hits[0]),
			Metadata: map[string]any{"keywords": hits},
		})
	}

	if da, ok := DeadAirSeconds(n.Metadata); ok && da >= deadAirAlertSeconds {
		sev := SeverityMedium
		if da >= deadAirHighSeconds {
			sev = SeverityHigh
		}
		out = append(out, pendingAlert{
			Type:     AlertDeadAir,
			Severity: sev,
			Message:  fmt.Sprintf("Dead air of %.0f seconds detected", da),
			Metadata: map[string]any{"dead_air_seconds": da},
		})
	}
	return out
}

// matchKeywords returns configured keywords found in text, preserving
// configuration order. Matching is a case-insensitive substring test.
func matchKeywords(text string, keywords []string) []string {
	if text == "" || len(keywords) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	var hits []string
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// updateRisk recomputes the call's risk score for one event. keywordHit
// reflects the raw text match (the keyword term applies even when the
// alert itself is suppressed by cooldown); raised holds the alerts that
// survived cooldown, whose severities feed the score.
func updateRisk(prev float64, n Normalized, keywordHit bool, raised []pendingAlert, status string) float64 {
	score := prev * 0.88

	if n.Sentiment != nil && *n.Sentiment < 0 {
		score += math.Min(0.46, math.Abs(*n.Sentiment)*0.42)
	}
	if keywordHit {
		score += 0.24
	}
	if da, ok := DeadAirSeconds(n.Metadata); ok {
		score += math.Min(0.25, math.Max(0, da-10)/100)
	}
	for _, a := range raised {
		switch a.Severity {
		case SeverityHigh:
			score += 0.16
		case SeverityCritical:
			score += 0.20
		}
	}
	if terminalStatuses[status] {
		score *= 0.6
	}
	return round(clamp(score, 0, 1), 2)
}

func round(f float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(f*p) / p
}
