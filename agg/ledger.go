// HTTP client for the append-only ledger gateway. The ledger is the record
// of truth for reputation, quality events and final models; every mutation
// on the aggregation path is mirrored here.

package agg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// AccuracyMetrics is the self-reported block inside a contribution record.
type AccuracyMetrics struct {
	Accuracy          float64 `json:"accuracy"`
	ValidationLoss    float64 `json:"validation_loss"`
	ValidationSamples int     `json:"validation_samples"`
	HasNaNPredictions bool    `json:"has_nan_predictions"`
	HasInfPredictions bool    `json:"has_inf_predictions"`
	SelfCertified     bool    `json:"self_certified"`
}

// Contribution is the metadata the ledger holds for one (round, participant)
// model submission. AccuracyMetrics is optional.
type Contribution struct {
	AccuracyMetrics *AccuracyMetrics `json:"accuracyMetrics"`
}

// ParticipantQuality is the per-participant slice of a round quality event.
type ParticipantQuality struct {
	QualityScore float64 `json:"quality_score"`
	Reputation   float64 `json:"reputation"`
	Accepted     bool    `json:"accepted"`
}

// QualityEvent is the round-level quality record appended after filtering.
type QualityEvent struct {
	RoundID            string                        `json:"round_id"`
	Threshold          float64                       `json:"threshold"`
	AvgQuality         float64                       `json:"avg_quality"`
	AvgReputation      float64                       `json:"avg_reputation"`
	AcceptedCount      int                           `json:"accepted_count"`
	RejectedCount      int                           `json:"rejected_count"`
	ParticipantMetrics map[string]ParticipantQuality `json:"participant_metrics"`
}

// FinalQualityData accompanies the final aggregated model record.
type FinalQualityData struct {
	Threshold            float64            `json:"threshold"`
	RoundHistory         *RoundHistoryEntry `json:"round_history"`
	ParticipantsAccepted int                `json:"participants_accepted"`
	TotalParticipants    int                `json:"total_participants"`
	NonParticipants      int                `json:"non_participants"`
	AvgReputation        float64            `json:"avg_reputation"`
	ReputationScores     map[string]float64 `json:"reputation_scores"`
}

// LedgerClient talks to the ledger gateway over HTTP.
type LedgerClient struct {
	baseURL string
	hc      *http.Client
}

// NewLedgerClient creates a client for the gateway at baseURL.
func NewLedgerClient(baseURL string) *LedgerClient {
	return &LedgerClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// UpdateReputation appends a reputation-update fact.
func (lc *LedgerClient) UpdateReputation(ctx context.Context, participantID string, score float64, reason, roundID string) error {
	body := map[string]any{
		"participantId": participantID,
		"score":         score,
		"reason":        reason,
		"roundId":       roundID,
	}
	if err := lc.postJSON(ctx, "/reputation/update", body); err != nil {
		return err
	}
	logrus.Infof("✅ [AGGREGATOR] Reputation updated on ledger for %s: %.4f (Reason: %s)", participantID, score, reason)
	return nil
}

// Contribution fetches the contribution metadata for one submission.
// A non-200 response is not an error: the metadata is optional and callers
// fall back to weight analysis (nil, nil is returned).
func (lc *LedgerClient) Contribution(ctx context.Context, roundID, participantID string) (*Contribution, error) {
	q := url.Values{}
	q.Set("roundId", roundID)
	q.Set("participantId", participantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lc.baseURL+"/models/contribution?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: build contribution request: %w", err)
	}
	resp, err := lc.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: get contribution: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logrus.Warnf("⚠️ [AGGREGATOR] Failed to get contribution metadata: %s", string(msg))
		return nil, nil
	}
	var c Contribution
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, fmt.Errorf("ledger: decode contribution: %w", err)
	}
	return &c, nil
}

// RecordQuality appends the round-level quality event.
func (lc *LedgerClient) RecordQuality(ctx context.Context, ev QualityEvent) error {
	if err := lc.postJSON(ctx, "/events/quality", ev); err != nil {
		return err
	}
	logrus.Infof("✅ [AGGREGATOR] Quality metrics recorded on ledger for round %s", ev.RoundID)
	return nil
}

// SubmitFinalModel appends the final aggregated model record.
func (lc *LedgerClient) SubmitFinalModel(ctx context.Context, roundID, modelURI, weightHash string, quality FinalQualityData) error {
	body := map[string]any{
		"roundId":     roundID,
		"modelURI":    modelURI,
		"weightHash":  weightHash,
		"qualityData": quality,
	}
	if err := lc.postJSON(ctx, "/models/final", body); err != nil {
		return err
	}
	logrus.Infof("✅ [AGGREGATOR] Final model submitted for round %s", roundID)
	return nil
}

func (lc *LedgerClient) postJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ledger: marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lc.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ledger: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := lc.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger: post %s: status %d: %s", path, resp.StatusCode, string(msg))
	}
	return nil
}
