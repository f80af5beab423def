// Round lifecycle coordination. A round is created on the first event that
// names it, collects one submission per participant, and transitions to
// processing exactly once: either when every expected participant has
// submitted or when the round deadline fires. Processing downloads the
// models, runs the quality pipeline, aggregates and publishes.

package agg

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Round tracks one coordination epoch. Fields are guarded by mu; the
// processing flag serializes the transition into aggregation.
type Round struct {
	mu sync.Mutex

	id          string
	startTime   time.Time
	expected    []string
	submissions map[string]string // participant -> model URI
	deadline    time.Time
	timerSet    bool
	processing  bool
	completed   bool
}

// RoundStatus is the read-only view of a round exposed by the status server.
type RoundStatus struct {
	ID          string            `json:"round_id"`
	StartTime   time.Time         `json:"start_time"`
	Expected    []string          `json:"expected_participants"`
	Submissions map[string]string `json:"submissions"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	Processing  bool              `json:"processing"`
	Completed   bool              `json:"completed"`
}

// Coordinator owns the active-round map and drives rounds through their
// state machine. One aggregation worker runs per round; a per-round cleanup
// worker removes completed rounds after a grace period.
type Coordinator struct {
	cfg    Config
	state  *State
	ledger *LedgerClient
	blob   *BlobClient
	eval   *Evaluator
	aggr   *Aggregator

	mu     sync.Mutex
	rounds map[string]*Round
}

// NewCoordinator wires the coordinator over its collaborators.
func NewCoordinator(cfg Config, state *State, ledger *LedgerClient, blob *BlobClient, eval *Evaluator, aggr *Aggregator) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		state:  state,
		ledger: ledger,
		blob:   blob,
		eval:   eval,
		aggr:   aggr,
		rounds: make(map[string]*Round),
	}
}

// ensureRound returns the tracked round, creating it with the configured
// default participant set on first observation.
func (c *Coordinator) ensureRound(roundID string) *Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rounds[roundID]; ok {
		return r
	}
	r := &Round{
		id:          roundID,
		startTime:   time.Now(),
		expected:    append([]string(nil), c.cfg.DefaultParticipants...),
		submissions: make(map[string]string),
	}
	c.rounds[roundID] = r
	logrus.Infof("🆕 [AGGREGATOR] Created new round tracking for %s with expected participants: %v", roundID, r.expected)
	return r
}

// HandleRoundStarted ensures a round entry exists for a ROUND_STARTED event.
func (c *Coordinator) HandleRoundStarted(roundID, initiator, description string) {
	logrus.Infof("🚀 [AGGREGATOR] New training round started: %s (initiator: %s) %s", roundID, initiator, description)
	r := c.ensureRound(roundID)
	r.mu.Lock()
	expected := append([]string(nil), r.expected...)
	r.mu.Unlock()
	logrus.Infof("🔍 [AGGREGATOR] Tracking round %s with expected participants: %v", roundID, expected)
}

// HandleSubmission records one model submission. The first URI per
// (round, participant) wins; duplicates are ignored. When the last expected
// participant submits, processing starts; otherwise a single deadline timer
// is armed on the first submission.
func (c *Coordinator) HandleSubmission(ctx context.Context, roundID, participantID, modelURI string) {
	r := c.ensureRound(roundID)

	r.mu.Lock()
	if r.completed || r.processing {
		r.mu.Unlock()
		logrus.Warnf("⚠️ [AGGREGATOR] Ignoring submission from %s for round %s: round already processing", participantID, roundID)
		return
	}
	if _, dup := r.submissions[participantID]; dup {
		r.mu.Unlock()
		logrus.Warnf("⚠️ [AGGREGATOR] Duplicate submission from %s for round %s ignored (first URI kept)", participantID, roundID)
		return
	}
	r.submissions[participantID] = modelURI
	logrus.Infof("📬 [AGGREGATOR] Model submission from %s for round %s", participantID, roundID)

	allSubmitted := true
	var missing []string
	for _, p := range r.expected {
		if _, ok := r.submissions[p]; !ok {
			allSubmitted = false
			missing = append(missing, p)
		}
	}

	if !allSubmitted && !r.timerSet {
		r.timerSet = true
		// The clock starts at the first submission, not at round creation:
		// a round may sit open for arbitrarily long before anyone submits.
		r.deadline = time.Now().Add(c.cfg.RoundTimeout)
		logrus.Infof("⏱️ [AGGREGATOR] Starting timeout timer for round %s: deadline %s", roundID, r.deadline.Format(time.RFC3339))
		time.AfterFunc(c.cfg.RoundTimeout, func() { c.onDeadline(ctx, roundID) })
	}
	r.mu.Unlock()

	if allSubmitted {
		logrus.Infof("✅ [AGGREGATOR] All expected participants have submitted for round %s. Starting aggregation...", roundID)
		go c.ProcessRound(ctx, roundID)
		return
	}
	logrus.Infof("⏳ [AGGREGATOR] Waiting for submissions from: %v for round %s", missing, roundID)
}

// HandleLegacyAggregation merges submissions from a START_AGGREGATION
// command and forces processing. The command's submissions are authoritative
// only when none were observed before; otherwise observed URIs are kept.
func (c *Coordinator) HandleLegacyAggregation(ctx context.Context, roundID string, submissions map[string]string) {
	logrus.Warnf("⚠️ [AGGREGATOR] Received legacy START_AGGREGATION command for round %s", roundID)
	r := c.ensureRound(roundID)
	r.mu.Lock()
	for participantID, uri := range submissions {
		if _, ok := r.submissions[participantID]; !ok {
			r.submissions[participantID] = uri
		}
	}
	r.mu.Unlock()
	go c.ProcessRound(ctx, roundID)
}

// onDeadline fires when a round's timeout elapses. If the round is still
// collecting, it is processed with whatever submissions arrived.
func (c *Coordinator) onDeadline(ctx context.Context, roundID string) {
	c.mu.Lock()
	r, ok := c.rounds[roundID]
	c.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	done := r.processing || r.completed
	allSubmitted := true
	for _, p := range r.expected {
		if _, s := r.submissions[p]; !s {
			allSubmitted = false
			break
		}
	}
	r.mu.Unlock()
	if done || allSubmitted {
		return
	}
	logrus.Warnf("⏰ [AGGREGATOR] Round %s timed out after %s", roundID, c.cfg.RoundTimeout)
	c.ProcessRound(ctx, roundID)
}

// ProcessRound runs the aggregation pipeline for one round. The transition
// into processing is exactly-once; concurrent attempts lose the race and
// return. Per-round failures never crash the process.
func (c *Coordinator) ProcessRound(ctx context.Context, roundID string) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("❌ [AGGREGATOR] Panic processing round %s: %v\n%s", roundID, rec, debug.Stack())
		}
	}()

	c.mu.Lock()
	r, ok := c.rounds[roundID]
	c.mu.Unlock()
	if !ok {
		logrus.Errorf("❌ [AGGREGATOR] Cannot process round %s: round not found", roundID)
		return
	}

	r.mu.Lock()
	if r.processing || r.completed {
		r.mu.Unlock()
		logrus.Warnf("⚠️ [AGGREGATOR] Round %s is already being processed", roundID)
		return
	}
	r.processing = true
	submissions := make(map[string]string, len(r.submissions))
	for id, uri := range r.submissions {
		submissions[id] = uri
	}
	expected := append([]string(nil), r.expected...)
	r.mu.Unlock()

	defer c.finishRound(r)

	logrus.Infof("🚀 [AGGREGATOR] Processing round %s", roundID)

	nonParticipants := c.penalizeNonParticipants(ctx, roundID, submissions, expected)

	models, uris := c.downloadModels(ctx, roundID, submissions)
	if len(models) == 0 {
		logrus.Errorf("❌ [AGGREGATOR] No models downloaded. Aborting aggregation for round %s.", roundID)
		return
	}

	metrics := make(map[string]QualityMetrics, len(models))
	for _, participantID := range sortedKeys(models) {
		metrics[participantID] = c.eval.Evaluate(ctx, models[participantID], participantID, roundID, uris[participantID])
	}

	accepted, rejected, threshold := c.eval.Filter(ctx, metrics, roundID)
	entry := c.recordRoundHistory(roundID, metrics, accepted)
	c.recordQualityEvent(ctx, roundID, entry, metrics, accepted, rejected)

	// Failsafe: with submissions in hand but nothing accepted, promote all.
	// Reputation consequences of the rejections above are not revisited.
	if len(accepted) == 0 {
		logrus.Warnf("⚠️ [AGGREGATOR] No models passed threshold for round %s! Using all models as failsafe.", roundID)
		accepted = sortedKeys(models)
	}

	averaged, err := c.aggr.Average(models, accepted)
	if err != nil {
		logrus.Errorf("❌ [AGGREGATOR] Failed to aggregate models for round %s: %v", roundID, err)
		return
	}
	modelPath, err := c.aggr.Materialize(averaged, roundID)
	if err != nil {
		logrus.Errorf("❌ [AGGREGATOR] Failed to materialize aggregated model for round %s: %v", roundID, err)
		return
	}
	weightHash, err := HashFile(modelPath)
	if err != nil {
		logrus.Errorf("❌ [AGGREGATOR] Failed to hash aggregated model for round %s: %v", roundID, err)
		return
	}
	objectPath, err := c.blob.Upload(ctx, modelPath, roundID)
	if err != nil {
		logrus.Errorf("❌ [AGGREGATOR] Failed to upload aggregated model for round %s: %v", roundID, err)
		return
	}

	quality := FinalQualityData{
		Threshold:            threshold,
		RoundHistory:         &entry,
		ParticipantsAccepted: len(accepted),
		TotalParticipants:    len(submissions),
		NonParticipants:      len(nonParticipants),
		AvgReputation:        c.state.MeanReputation(),
		ReputationScores:     c.state.ReputationSnapshot(),
	}
	if err := c.ledger.SubmitFinalModel(ctx, roundID, objectPath, weightHash, quality); err != nil {
		logrus.Errorf("❌ [AGGREGATOR] Failed to submit final model for round %s: %v", roundID, err)
		return
	}

	logrus.Infof("✅ [AGGREGATOR] Round %s processing completed successfully", roundID)
}

// finishRound marks the round completed and schedules its removal from the
// active set after the grace period, preventing reprocessing.
func (c *Coordinator) finishRound(r *Round) {
	r.mu.Lock()
	r.processing = false
	r.completed = true
	roundID := r.id
	r.mu.Unlock()

	time.AfterFunc(c.cfg.CleanupGrace, func() {
		c.mu.Lock()
		delete(c.rounds, roundID)
		c.mu.Unlock()
		logrus.Infof("🧹 [AGGREGATOR] Removed round %s from active rounds", roundID)
	})
}

// penalizeNonParticipants applies the non-participation penalty to every
// expected participant that never submitted, before any model is downloaded.
func (c *Coordinator) penalizeNonParticipants(ctx context.Context, roundID string, submissions map[string]string, expected []string) []string {
	logrus.Infof("🔍 [AGGREGATOR] Checking for non-participants in round %s...", roundID)

	var missing []string
	for _, p := range expected {
		if _, ok := submissions[p]; !ok {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)

	if len(missing) == 0 {
		logrus.Infof("✅ [AGGREGATOR] All expected participants submitted models for round %s", roundID)
		return nil
	}
	logrus.Warnf("⚠️ [AGGREGATOR] Found %d non-participants: %v", len(missing), missing)

	for _, participantID := range missing {
		current := c.state.Reputation(participantID)
		next := c.state.SetReputation(participantID, current-c.cfg.ReputationPenaltyNonParticipation)
		logrus.Infof("⬇️ [AGGREGATOR] Decreasing reputation for non-participant %s: %.2f -> %.2f", participantID, current, next)
		reason := "Non-participation in round " + roundID
		if err := c.ledger.UpdateReputation(ctx, participantID, next, reason, roundID); err != nil {
			logrus.Warnf("⚠️ [AGGREGATOR] Failed to update reputation on ledger: %v", err)
		}
	}
	return missing
}

// downloadModels fetches and loads every submitted model. Individual
// failures are logged and skipped; the round aborts only if nothing loads.
func (c *Coordinator) downloadModels(ctx context.Context, roundID string, submissions map[string]string) (map[string]WeightSet, map[string]string) {
	models := make(map[string]WeightSet, len(submissions))
	uris := make(map[string]string, len(submissions))
	for _, participantID := range sortedKeys(submissions) {
		path, err := c.blob.Download(ctx, roundID, participantID)
		if err != nil {
			logrus.Errorf("❌ [AGGREGATOR] Failed to download model from %s for round %s: %v", participantID, roundID, err)
			continue
		}
		ws, err := LoadWeights(path)
		if err != nil {
			logrus.Errorf("❌ [AGGREGATOR] Failed to load model weights from %s: %v", path, err)
			continue
		}
		models[participantID] = ws
		uris[participantID] = submissions[participantID]
	}
	return models, uris
}

// recordRoundHistory appends the round summary used by the threshold
// controller: average quality over accepted models and average reputation
// over all evaluated submitters, read after the filter's updates.
func (c *Coordinator) recordRoundHistory(roundID string, metrics map[string]QualityMetrics, accepted []string) RoundHistoryEntry {
	avgQuality := 0.0
	if len(accepted) > 0 {
		for _, id := range accepted {
			avgQuality += metrics[id].QualityScore
		}
		avgQuality /= float64(len(accepted))
	}

	avgReputation := 0.0
	if len(metrics) > 0 {
		for id := range metrics {
			avgReputation += c.state.Reputation(id)
		}
		avgReputation /= float64(len(metrics))
	}

	entry := RoundHistoryEntry{
		RoundID:       roundID,
		Timestamp:     time.Now().UTC(),
		AvgQuality:    avgQuality,
		AvgReputation: avgReputation,
		NumModels:     len(metrics),
		NumAccepted:   len(accepted),
		Threshold:     c.state.Threshold(),
	}
	c.state.AppendRoundHistory(entry)
	return entry
}

// recordQualityEvent mirrors the round's filtering outcome to the ledger.
func (c *Coordinator) recordQualityEvent(ctx context.Context, roundID string, entry RoundHistoryEntry, metrics map[string]QualityMetrics, accepted, rejected []string) {
	acceptedSet := make(map[string]bool, len(accepted))
	for _, id := range accepted {
		acceptedSet[id] = true
	}
	ev := QualityEvent{
		RoundID:            roundID,
		Threshold:          entry.Threshold,
		AvgQuality:         entry.AvgQuality,
		AvgReputation:      entry.AvgReputation,
		AcceptedCount:      len(accepted),
		RejectedCount:      len(rejected),
		ParticipantMetrics: make(map[string]ParticipantQuality, len(metrics)),
	}
	for id, m := range metrics {
		ev.ParticipantMetrics[id] = ParticipantQuality{
			QualityScore: m.QualityScore,
			Reputation:   c.state.Reputation(id),
			Accepted:     acceptedSet[id],
		}
	}
	if err := c.ledger.RecordQuality(ctx, ev); err != nil {
		logrus.Errorf("❌ [AGGREGATOR] Failed to record quality metrics: %v", err)
	}
}

// ActiveRounds returns read-only views of the tracked rounds, sorted by ID.
func (c *Coordinator) ActiveRounds() []RoundStatus {
	c.mu.Lock()
	rounds := make([]*Round, 0, len(c.rounds))
	for _, r := range c.rounds {
		rounds = append(rounds, r)
	}
	c.mu.Unlock()

	out := make([]RoundStatus, 0, len(rounds))
	for _, r := range rounds {
		r.mu.Lock()
		st := RoundStatus{
			ID:          r.id,
			StartTime:   r.startTime,
			Expected:    append([]string(nil), r.expected...),
			Submissions: make(map[string]string, len(r.submissions)),
			Processing:  r.processing,
			Completed:   r.completed,
		}
		for id, uri := range r.submissions {
			st.Submissions[id] = uri
		}
		if r.timerSet {
			deadline := r.deadline
			st.Deadline = &deadline
		}
		r.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
