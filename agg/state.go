// Process-wide threshold and reputation state. All mutation happens through
// the methods here under a single lock, so concurrent aggregation workers
// and the status server see consistent values.

package agg

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// QualityMetrics is the full evaluation record for one submission.
type QualityMetrics struct {
	Accuracy           float64 `json:"accuracy"`
	ValidationLoss     float64 `json:"validation_loss"`
	ValidationSamples  int     `json:"validation_samples"`
	HasNaN             bool    `json:"has_nan"`
	HasInf             bool    `json:"has_inf"`
	SelfCertified      bool    `json:"self_certified"`
	AvgWeightMagnitude float64 `json:"avg_weight_magnitude"`
	WeightVariance     float64 `json:"weight_variance"`
	Reputation         float64 `json:"reputation"`
	TrustFactor        float64 `json:"trust_factor"`
	QualityScore       float64 `json:"quality_score"`
}

// RoundHistoryEntry summarizes one completed round for threshold adaptation.
type RoundHistoryEntry struct {
	RoundID       string    `json:"round_id"`
	Timestamp     time.Time `json:"timestamp"`
	AvgQuality    float64   `json:"avg_quality"`
	AvgReputation float64   `json:"avg_reputation"`
	NumModels     int       `json:"num_models"`
	NumAccepted   int       `json:"num_accepted"`
	Threshold     float64   `json:"threshold"`
}

// SnapshotData is the durable subset of State written by the snapshotter.
type SnapshotData struct {
	CurrentThreshold float64             `json:"current_threshold"`
	RoundHistory     []RoundHistoryEntry `json:"round_history"`
	ReputationScores map[string]float64  `json:"reputation_scores"`
}

// State holds the acceptance threshold, the bounded round history, bounded
// per-participant metric histories and the reputation cache. The ledger is
// authoritative for reputation; this is the working copy.
type State struct {
	cfg Config

	mu                 sync.Mutex
	currentThreshold   float64
	roundHistory       []RoundHistoryEntry
	participantHistory map[string][]QualityMetrics
	reputation         map[string]float64
}

// NewState creates a State seeded from the config defaults.
func NewState(cfg Config) *State {
	return &State{
		cfg:                cfg,
		currentThreshold:   cfg.InitialThreshold,
		participantHistory: make(map[string][]QualityMetrics),
		reputation:         make(map[string]float64),
	}
}

// Reputation returns the participant's score, seeding unknown participants
// with the configured initial reputation. The participant set is open.
func (s *State) Reputation(participantID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reputationLocked(participantID)
}

func (s *State) reputationLocked(participantID string) float64 {
	rep, ok := s.reputation[participantID]
	if !ok {
		rep = s.cfg.ReputationInit
		s.reputation[participantID] = rep
		logrus.Infof("🆕 [AGGREGATOR] Initialized reputation for %s: %.2f", participantID, rep)
	}
	return rep
}

// SetReputation stores a score, clamped to [ReputationMin, ReputationMax].
func (s *State) SetReputation(participantID string, score float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	score = clamp(score, s.cfg.ReputationMin, s.cfg.ReputationMax)
	s.reputation[participantID] = score
	return score
}

// MeanReputation averages all known reputations, falling back to the initial
// reputation when no participant has been observed yet.
func (s *State) MeanReputation() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meanReputationLocked()
}

func (s *State) meanReputationLocked() float64 {
	if len(s.reputation) == 0 {
		return s.cfg.ReputationInit
	}
	sum := 0.0
	for _, rep := range s.reputation {
		sum += rep
	}
	return sum / float64(len(s.reputation))
}

// ReputationSnapshot copies the reputation map.
func (s *State) ReputationSnapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.reputation))
	for id, rep := range s.reputation {
		out[id] = rep
	}
	return out
}

// Threshold returns the current acceptance threshold.
func (s *State) Threshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentThreshold
}

// setThreshold clamps and stores a new threshold, returning the stored value.
func (s *State) setThreshold(v float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentThreshold = clamp(v, s.cfg.MinThreshold, s.cfg.MaxThreshold)
	return s.currentThreshold
}

// AppendRoundHistory records a round summary, keeping the FIFO bounded.
func (s *State) AppendRoundHistory(entry RoundHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundHistory = append(s.roundHistory, entry)
	if len(s.roundHistory) > s.cfg.HistorySize {
		s.roundHistory = s.roundHistory[len(s.roundHistory)-s.cfg.HistorySize:]
	}
}

// RoundHistory copies the bounded round history, oldest first.
func (s *State) RoundHistory() []RoundHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoundHistoryEntry, len(s.roundHistory))
	copy(out, s.roundHistory)
	return out
}

// LastRoundEntry returns the most recent round summary, or nil.
func (s *State) LastRoundEntry() *RoundHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.roundHistory) == 0 {
		return nil
	}
	entry := s.roundHistory[len(s.roundHistory)-1]
	return &entry
}

// AppendParticipantHistory records one evaluation for a participant, keeping
// the per-participant FIFO bounded.
func (s *State) AppendParticipantHistory(participantID string, m QualityMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.participantHistory[participantID], m)
	if len(hist) > s.cfg.HistorySize {
		hist = hist[len(hist)-s.cfg.HistorySize:]
	}
	s.participantHistory[participantID] = hist
}

// ParticipantHistory copies one participant's bounded metric history.
func (s *State) ParticipantHistory(participantID string) []QualityMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QualityMetrics, len(s.participantHistory[participantID]))
	copy(out, s.participantHistory[participantID])
	return out
}

// Snapshot extracts the durable state for the snapshotter.
func (s *State) Snapshot() SnapshotData {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := SnapshotData{
		CurrentThreshold: s.currentThreshold,
		RoundHistory:     make([]RoundHistoryEntry, len(s.roundHistory)),
		ReputationScores: make(map[string]float64, len(s.reputation)),
	}
	copy(data.RoundHistory, s.roundHistory)
	for id, rep := range s.reputation {
		data.ReputationScores[id] = rep
	}
	return data
}

// Restore replaces the durable state with a loaded snapshot. Participant
// metric histories are not part of the snapshot and are left untouched.
func (s *State) Restore(data SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentThreshold = clamp(data.CurrentThreshold, s.cfg.MinThreshold, s.cfg.MaxThreshold)
	s.roundHistory = append([]RoundHistoryEntry(nil), data.RoundHistory...)
	if len(s.roundHistory) > s.cfg.HistorySize {
		s.roundHistory = s.roundHistory[len(s.roundHistory)-s.cfg.HistorySize:]
	}
	s.reputation = make(map[string]float64, len(data.ReputationScores))
	for id, rep := range data.ReputationScores {
		s.reputation[id] = clamp(rep, s.cfg.ReputationMin, s.cfg.ReputationMax)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
