// Dynamic acceptance threshold. The threshold drifts with the quality trend
// of recent rounds and the mean reputation of the participant population,
// always clamped to [MinThreshold, MaxThreshold].

package agg

import (
	"github.com/sirupsen/logrus"
)

// NextThreshold computes, stores and returns the acceptance threshold for a
// round. Called once per round on the aggregation path, before filtering.
//
// With no history the initial threshold is used. With two or more history
// entries the threshold follows the quality trend of the last two rounds:
// improving quality raises it by AdjustmentRate scaled up by mean
// reputation; degrading quality lowers it by AdjustmentRate scaled down for
// a reputable population. With exactly one entry the threshold is nudged by
// half the rate toward the recent average quality.
func (s *State) NextThreshold(roundID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.roundHistory) == 0 {
		logrus.Infof("🔍 [AGGREGATOR] Using initial threshold: %.4f", s.cfg.InitialThreshold)
		s.currentThreshold = clamp(s.cfg.InitialThreshold, s.cfg.MinThreshold, s.cfg.MaxThreshold)
		return s.currentThreshold
	}

	recent := s.roundHistory
	avgQuality := 0.0
	for _, entry := range recent {
		avgQuality += entry.AvgQuality
	}
	avgQuality /= float64(len(recent))
	avgReputation := s.meanReputationLocked()

	previous := s.currentThreshold
	var next float64
	if len(recent) >= 2 {
		if recent[len(recent)-1].AvgQuality > recent[len(recent)-2].AvgQuality {
			next = previous + s.cfg.AdjustmentRate*avgReputation
		} else {
			next = previous - s.cfg.AdjustmentRate*(1-0.5*avgReputation)
		}
	} else {
		if avgQuality > previous {
			next = previous + s.cfg.AdjustmentRate/2
		} else {
			next = previous - s.cfg.AdjustmentRate/2
		}
	}

	s.currentThreshold = clamp(next, s.cfg.MinThreshold, s.cfg.MaxThreshold)
	logrus.Infof("🔍 [AGGREGATOR] New dynamic threshold for round %s: %.4f (was %.4f, avg_rep: %.2f)",
		roundID, s.currentThreshold, previous, avgReputation)
	return s.currentThreshold
}
