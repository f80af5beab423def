package agg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForFinal(t *testing.T, fl *fakeLedger, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return fl.finalCount() == want },
		5*time.Second, 10*time.Millisecond, "expected %d final model posts", want)
}

func TestProcessRound_HappyPathThreeSubmitters(t *testing.T) {
	// GIVEN three expected participants, each submitting a clean model with
	// self-reported accuracy 0.96 at the initial reputation 0.5
	rig := newTestRig(t, nil)
	ctx := context.Background()
	for i, id := range []string{"dbs", "ing", "ocbc"} {
		rig.ledger.setContribution(id, AccuracyMetrics{Accuracy: 0.96})
		rig.blob.putWeights(t, "r1", id, denseWeights(3, float64(i+1)))
	}

	// WHEN all three submit
	rig.coord.HandleRoundStarted("r1", "dbs", "fraud detection round")
	rig.coord.HandleSubmission(ctx, "r1", "dbs", "minio://r1/dbs")
	rig.coord.HandleSubmission(ctx, "r1", "ing", "minio://r1/ing")
	rig.coord.HandleSubmission(ctx, "r1", "ocbc", "minio://r1/ocbc")

	// THEN exactly one final model and one quality event are published
	waitForFinal(t, rig.ledger, 1)
	assert.Equal(t, 1, rig.ledger.qualityEventCount())

	// AND every model is accepted: qs = 0.96 * 0.75 = 0.72 >= 0.7125,
	// reputation rises to 0.5 + 0.05 * 1.72
	for _, id := range []string{"dbs", "ing", "ocbc"} {
		assert.InDelta(t, 0.58375, rig.state.Reputation(id), 1e-9, "participant %s", id)
	}

	final := rig.ledger.lastFinal()
	assert.Equal(t, "r1", final.RoundID)
	assert.Equal(t, "models/r1/aggregated_model.h5", final.ModelURI)
	assert.Equal(t, 3, final.QualityData.ParticipantsAccepted)
	assert.Equal(t, 3, final.QualityData.TotalParticipants)
	assert.Equal(t, 0, final.QualityData.NonParticipants)
	assert.InDelta(t, 0.58375, final.QualityData.AvgReputation, 1e-9)
	require.NotNil(t, final.QualityData.RoundHistory)
	assert.Equal(t, 3, final.QualityData.RoundHistory.NumAccepted)
	assert.InDelta(t, 0.72, final.QualityData.RoundHistory.AvgQuality, 1e-9)

	// AND the published hash is the SHA-256 of the uploaded bytes
	uploaded := rig.blob.uploadedBytes("r1")
	require.NotEmpty(t, uploaded)
	sum := sha256.Sum256(uploaded)
	assert.Equal(t, hex.EncodeToString(sum[:]), final.WeightHash)

	// AND the round history records the round
	hist := rig.state.RoundHistory()
	require.Len(t, hist, 1)
	assert.Equal(t, "r1", hist[0].RoundID)
	assert.Equal(t, 3, hist[0].NumModels)
}

func TestProcessRound_TimeoutPenalizesNonParticipants(t *testing.T) {
	// GIVEN only dbs and ing submit before the deadline
	rig := newTestRig(t, nil)
	ctx := context.Background()
	for _, id := range []string{"dbs", "ing"} {
		rig.ledger.setContribution(id, AccuracyMetrics{Accuracy: 0.96})
		rig.blob.putWeights(t, "r2", id, denseWeights(3, 0.1))
	}

	// WHEN the round times out
	rig.coord.HandleSubmission(ctx, "r2", "dbs", "minio://r2/dbs")
	rig.coord.HandleSubmission(ctx, "r2", "ing", "minio://r2/ing")
	waitForFinal(t, rig.ledger, 1)

	// THEN ocbc took exactly one non-participation penalty: 0.5 - 0.15
	assert.InDelta(t, 0.35, rig.state.Reputation("ocbc"), 1e-12)

	var nonPartUpdates []repUpdate
	for _, upd := range rig.ledger.reputationUpdates() {
		if upd.Reason == "Non-participation in round r2" {
			nonPartUpdates = append(nonPartUpdates, upd)
		}
	}
	require.Len(t, nonPartUpdates, 1)
	assert.Equal(t, "ocbc", nonPartUpdates[0].ParticipantID)
	assert.InDelta(t, 0.35, nonPartUpdates[0].Score, 1e-12)

	// AND aggregation used the two submitted models
	final := rig.ledger.lastFinal()
	assert.Equal(t, 2, final.QualityData.TotalParticipants)
	assert.Equal(t, 1, final.QualityData.NonParticipants)
}

func TestHandleSubmission_DeadlineStartsAtFirstSubmission(t *testing.T) {
	// GIVEN a round announced well before anyone finishes training: the
	// ROUND_STARTED event precedes the first submission by more than the
	// round timeout
	rig := newTestRig(t, func(cfg *Config) { cfg.RoundTimeout = 300 * time.Millisecond })
	ctx := context.Background()
	for _, id := range []string{"dbs", "ing", "ocbc"} {
		rig.ledger.setContribution(id, AccuracyMetrics{Accuracy: 0.96})
		rig.blob.putWeights(t, "r12", id, denseWeights(3, 0.2))
	}
	rig.coord.HandleRoundStarted("r12", "dbs", "slow training round")
	time.Sleep(400 * time.Millisecond)

	// WHEN the first submission arrives after the round has aged past the
	// timeout, with the others following shortly
	rig.coord.HandleSubmission(ctx, "r12", "dbs", "minio://r12/dbs")
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, rig.ledger.finalCount(), "round must not process before the first-submission deadline")
	rig.coord.HandleSubmission(ctx, "r12", "ing", "minio://r12/ing")
	rig.coord.HandleSubmission(ctx, "r12", "ocbc", "minio://r12/ocbc")

	// THEN all three models make it into the round and nobody is penalized
	// for non-participation
	waitForFinal(t, rig.ledger, 1)
	final := rig.ledger.lastFinal()
	assert.Equal(t, 3, final.QualityData.TotalParticipants)
	assert.Equal(t, 0, final.QualityData.NonParticipants)
	for _, upd := range rig.ledger.reputationUpdates() {
		assert.NotContains(t, upd.Reason, "Non-participation")
	}
}

func TestHandleSubmission_DuplicateKeepsFirstURI(t *testing.T) {
	// GIVEN a submission from dbs
	rig := newTestRig(t, func(cfg *Config) { cfg.RoundTimeout = time.Hour })
	ctx := context.Background()
	rig.coord.HandleSubmission(ctx, "r3", "dbs", "minio://r3/dbs-v1")

	// WHEN dbs submits again with a different URI
	rig.coord.HandleSubmission(ctx, "r3", "dbs", "minio://r3/dbs-v2")

	// THEN the first URI is kept and no extra ledger writes happened
	rounds := rig.coord.ActiveRounds()
	require.Len(t, rounds, 1)
	assert.Equal(t, map[string]string{"dbs": "minio://r3/dbs-v1"}, rounds[0].Submissions)
	assert.Empty(t, rig.ledger.reputationUpdates())
}

func TestProcessRound_ExactlyOnceUnderConcurrency(t *testing.T) {
	// GIVEN a round with all submissions in place but not yet processed
	rig := newTestRig(t, func(cfg *Config) {
		cfg.DefaultParticipants = []string{"dbs"}
		cfg.RoundTimeout = time.Hour
	})
	ctx := context.Background()
	rig.ledger.setContribution("dbs", AccuracyMetrics{Accuracy: 0.96})
	rig.blob.putWeights(t, "r4", "dbs", denseWeights(3, 0.2))

	rig.coord.HandleRoundStarted("r4", "dbs", "")
	r := rig.coord.ensureRound("r4")
	r.mu.Lock()
	r.submissions["dbs"] = "minio://r4/dbs"
	r.mu.Unlock()

	// WHEN five workers race into processing
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rig.coord.ProcessRound(ctx, "r4")
		}()
	}
	wg.Wait()

	// THEN the round was processed exactly once
	waitForFinal(t, rig.ledger, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rig.ledger.finalCount())
	assert.Equal(t, 1, rig.ledger.qualityEventCount())
}

func TestProcessRound_UnknownRoundIsNoop(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.coord.ProcessRound(context.Background(), "ghost")
	assert.Zero(t, rig.ledger.finalCount())
}

func TestProcessRound_FailsafePromotesAllRejected(t *testing.T) {
	// GIVEN two submitters whose models all score far below the threshold
	rig := newTestRig(t, func(cfg *Config) {
		cfg.DefaultParticipants = []string{"dbs", "ing"}
	})
	ctx := context.Background()
	for _, id := range []string{"dbs", "ing"} {
		rig.ledger.setContribution(id, AccuracyMetrics{Accuracy: 0.1})
		rig.blob.putWeights(t, "r5", id, denseWeights(3, 0.3))
	}

	// WHEN the round processes
	rig.coord.HandleSubmission(ctx, "r5", "dbs", "minio://r5/dbs")
	rig.coord.HandleSubmission(ctx, "r5", "ing", "minio://r5/ing")

	// THEN the failsafe still publishes an aggregated model
	waitForFinal(t, rig.ledger, 1)
	final := rig.ledger.lastFinal()
	assert.Equal(t, 2, final.QualityData.ParticipantsAccepted)

	// AND reputations reflect the rejections, not the failsafe promotion:
	// qs = 0.1 * 0.75 = 0.075, penalty = 0.1 * (1 - 0.075/0.75) = 0.09
	assert.InDelta(t, 0.41, rig.state.Reputation("dbs"), 1e-9)
	assert.InDelta(t, 0.41, rig.state.Reputation("ing"), 1e-9)

	// AND the history entry shows zero genuinely accepted models
	require.NotNil(t, final.QualityData.RoundHistory)
	assert.Equal(t, 0, final.QualityData.RoundHistory.NumAccepted)
}

func TestProcessRound_AllDownloadsFailingAbortsRound(t *testing.T) {
	// GIVEN a submission whose weight file is missing from the blob store
	rig := newTestRig(t, func(cfg *Config) {
		cfg.DefaultParticipants = []string{"dbs"}
	})
	ctx := context.Background()
	rig.coord.HandleSubmission(ctx, "r6", "dbs", "minio://r6/dbs")

	// WHEN processing runs (triggered by the full submission set)
	require.Eventually(t, func() bool {
		for _, rs := range rig.coord.ActiveRounds() {
			if rs.ID == "r6" && rs.Completed {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// THEN nothing was published and the round cannot be reprocessed
	assert.Zero(t, rig.ledger.finalCount())
	assert.Zero(t, rig.ledger.qualityEventCount())
	rig.coord.ProcessRound(ctx, "r6")
	assert.Zero(t, rig.ledger.finalCount())
}

func TestHandleLegacyAggregation_MergeKeepsObservedURIs(t *testing.T) {
	// GIVEN a round with one observed submission
	rig := newTestRig(t, func(cfg *Config) {
		cfg.DefaultParticipants = []string{"dbs", "ing"}
		cfg.RoundTimeout = time.Hour
	})
	ctx := context.Background()
	for _, id := range []string{"dbs", "ing"} {
		rig.ledger.setContribution(id, AccuracyMetrics{Accuracy: 0.96})
		rig.blob.putWeights(t, "r7", id, denseWeights(3, 0.4))
	}
	rig.coord.HandleSubmission(ctx, "r7", "dbs", "minio://r7/dbs-observed")

	// WHEN a legacy START_AGGREGATION arrives with a conflicting URI
	rig.coord.HandleLegacyAggregation(ctx, "r7", map[string]string{
		"dbs": "minio://r7/dbs-legacy",
		"ing": "minio://r7/ing-legacy",
	})

	// THEN processing happens with the observed URI preserved
	waitForFinal(t, rig.ledger, 1)
	rounds := rig.coord.ActiveRounds()
	require.Len(t, rounds, 1)
	assert.Equal(t, "minio://r7/dbs-observed", rounds[0].Submissions["dbs"])
	assert.Equal(t, "minio://r7/ing-legacy", rounds[0].Submissions["ing"])
}

func TestFinishRound_CleanupRemovesRoundAfterGrace(t *testing.T) {
	// GIVEN a short cleanup grace period
	rig := newTestRig(t, func(cfg *Config) {
		cfg.DefaultParticipants = []string{"dbs"}
		cfg.CleanupGrace = 50 * time.Millisecond
	})
	ctx := context.Background()
	rig.blob.putWeights(t, "r8", "dbs", denseWeights(3, 0.2))
	rig.coord.HandleSubmission(ctx, "r8", "dbs", "minio://r8/dbs")
	waitForFinal(t, rig.ledger, 1)

	// THEN the round disappears from the active set after the grace period
	require.Eventually(t, func() bool {
		return len(rig.coord.ActiveRounds()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
