// Model quality evaluation and the accept/reject filter. A submission's
// composite score combines self-reported accuracy, weight sanity scans and
// reputation-derived trust; the filter compares it against a per-participant
// adjusted threshold and writes the reputation consequences through the
// ledger.

package agg

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Accuracy assumed when a submission carries no contribution metadata.
const fallbackAccuracy = 0.7

// Evaluator scores submissions and maintains reputation consequences.
type Evaluator struct {
	cfg    Config
	state  *State
	ledger *LedgerClient
}

// NewEvaluator wires an evaluator over the shared state and ledger client.
func NewEvaluator(cfg Config, state *State, ledger *LedgerClient) *Evaluator {
	return &Evaluator{cfg: cfg, state: state, ledger: ledger}
}

// Evaluate computes the quality metrics for one submission.
//
// Reported accuracy and flags come from the ledger's contribution metadata
// when present; the NaN/Inf flags are always taken from the weight scan,
// which sees the actual bytes and overrides whatever was reported. The final
// score is accuracy weighted by a reputation trust factor, with penalties
// for NaN/Inf and oversized weights and a small bonus for self-certified
// models from reputable participants.
func (e *Evaluator) Evaluate(ctx context.Context, weights WeightSet, participantID, roundID, modelURI string) QualityMetrics {
	var m QualityMetrics
	m.Reputation = e.state.Reputation(participantID)

	contribution, err := e.ledger.Contribution(ctx, roundID, participantID)
	if err != nil {
		logrus.Warnf("⚠️ [AGGREGATOR] Failed to get contribution metadata for %s: %v", participantID, err)
		contribution = nil
	}

	if contribution != nil && contribution.AccuracyMetrics != nil {
		reported := contribution.AccuracyMetrics
		m.Accuracy = reported.Accuracy
		m.ValidationLoss = reported.ValidationLoss
		m.ValidationSamples = reported.ValidationSamples
		m.SelfCertified = reported.SelfCertified
		logrus.Infof("📊 [AGGREGATOR] Using self-reported metrics for %s: accuracy=%.4f", participantID, m.Accuracy)
	} else {
		logrus.Warnf("⚠️ [AGGREGATOR] No reported metrics for %s, using weight analysis only", participantID)
		m.Accuracy = fallbackAccuracy
	}

	// The scan sees the actual weights, so it wins over reported flags.
	m.HasNaN, m.HasInf = weights.Scan()
	m.AvgWeightMagnitude, m.WeightVariance = weights.MagnitudeStats()

	m.TrustFactor = 0.5 + 0.5*m.Reputation
	m.QualityScore = m.Accuracy * m.TrustFactor

	if m.HasNaN || m.HasInf {
		m.QualityScore *= 0.5
		logrus.Warnf("⚠️ [AGGREGATOR] Model from %s contains NaN/Inf values - reducing score", participantID)
	}
	if m.AvgWeightMagnitude > 10 {
		m.QualityScore *= 0.8
		logrus.Warnf("⚠️ [AGGREGATOR] Model from %s has large weights - reducing score", participantID)
	}
	if m.SelfCertified && m.Reputation > 0.7 {
		m.QualityScore = min(m.QualityScore*1.1, 1.0)
	}

	e.state.AppendParticipantHistory(participantID, m)
	logrus.Infof("📊 [AGGREGATOR] Final quality score for %s: %.4f (rep: %.2f, trust: %.2f)",
		participantID, m.QualityScore, m.Reputation, m.TrustFactor)
	return m
}

// Filter partitions evaluated submissions into accepted and rejected sets
// against the round's dynamic threshold and applies the reputation
// consequences. Participants are processed in sorted order so the ledger
// write sequence for a round is deterministic.
func (e *Evaluator) Filter(ctx context.Context, metrics map[string]QualityMetrics, roundID string) (accepted, rejected []string, threshold float64) {
	threshold = e.state.NextThreshold(roundID)

	ids := make([]string, 0, len(metrics))
	for id := range metrics {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		m := metrics[id]
		// Reputable participants get a slightly easier bar.
		adjusted := max(threshold*(1-0.1*m.Reputation), e.cfg.MinThreshold)
		if m.QualityScore >= adjusted {
			accepted = append(accepted, id)
			e.applyReputation(ctx, id, m.QualityScore, true, threshold, adjusted, roundID)
		} else {
			rejected = append(rejected, id)
			e.applyReputation(ctx, id, m.QualityScore, false, threshold, adjusted, roundID)
		}
	}

	logrus.Infof("🔍 [AGGREGATOR] Round %s: Accepted %d/%d models (threshold: %.4f)",
		roundID, len(accepted), len(metrics), threshold)
	return accepted, rejected, threshold
}

// applyReputation mutates the local reputation cache and mirrors the change
// to the ledger. The local update happens regardless of ledger outcome; the
// ledger write failing is logged as an inconsistency, not rolled back.
func (e *Evaluator) applyReputation(ctx context.Context, participantID string, qualityScore float64, accepted bool, threshold, adjusted float64, roundID string) {
	current := e.state.Reputation(participantID)

	var next float64
	var reason string
	if accepted {
		reward := e.cfg.ReputationReward * (1 + qualityScore)
		next = current + reward
		reason = fmtReasonAccepted(qualityScore)
		logrus.Infof("⬆️ [AGGREGATOR] Increasing reputation for %s: %.2f -> %.2f", participantID, current, min(next, e.cfg.ReputationMax))
	} else {
		penaltyFactor := max(0.2, 1-qualityScore/threshold)
		penalty := e.cfg.ReputationPenalty * penaltyFactor
		next = current - penalty
		reason = fmtReasonRejected(qualityScore, adjusted)
		logrus.Infof("⬇️ [AGGREGATOR] Decreasing reputation for %s: %.2f -> %.2f", participantID, current, max(next, e.cfg.ReputationMin))
	}

	stored := e.state.SetReputation(participantID, next)
	if err := e.ledger.UpdateReputation(ctx, participantID, stored, reason, roundID); err != nil {
		logrus.Warnf("⚠️ [AGGREGATOR] Failed to update reputation on ledger: %v", err)
	}
}

func fmtReasonAccepted(qualityScore float64) string {
	return fmt.Sprintf("Model accepted (quality score: %.4f)", qualityScore)
}

func fmtReasonRejected(qualityScore, adjustedThreshold float64) string {
	return fmt.Sprintf("Model rejected (quality score: %.4f, below threshold: %.4f)", qualityScore, adjustedThreshold)
}
