// Reputation-weighted federated averaging and materialization of the
// aggregated model. The math is element-wise over the ordered layer list;
// per-model weights are normalized reputations, falling back to uniform
// weighting when the whole population sits at zero.

package agg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// Hidden layer widths of the agreed model architecture. The input dimension
// is taken from the first kernel of the weights being materialized.
var denseLayerWidths = []int{64, 32, 1}

// Aggregator combines accepted models into one and files the result.
type Aggregator struct {
	cfg   Config
	state *State
}

// NewAggregator creates an aggregator over the shared state.
func NewAggregator(cfg Config, state *State) *Aggregator {
	return &Aggregator{cfg: cfg, state: state}
}

// Average computes the reputation-weighted mean of the accepted models.
// All models must share identical layer shapes; a mismatch aborts the round.
func (a *Aggregator) Average(models map[string]WeightSet, accepted []string) (WeightSet, error) {
	if len(accepted) == 0 {
		return nil, fmt.Errorf("fedavg: no models to aggregate")
	}

	weights := make([]float64, len(accepted))
	for i, id := range accepted {
		weights[i] = a.state.Reputation(id)
	}
	total := floats.Sum(weights)
	if total > 0 {
		floats.Scale(1/total, weights)
	} else {
		uniform := 1 / float64(len(accepted))
		for i := range weights {
			weights[i] = uniform
		}
	}
	logrus.Infof("⚖️ [AGGREGATOR] Aggregating %d models with normalized reputation weights %v", len(accepted), weights)

	reference := models[accepted[0]]
	out := make(WeightSet, len(reference))
	for k, layer := range reference {
		out[k] = Tensor{
			Shape: append([]int(nil), layer.Shape...),
			Data:  make([]float64, len(layer.Data)),
		}
	}

	for i, id := range accepted {
		model := models[id]
		if len(model) != len(reference) {
			return nil, fmt.Errorf("fedavg: model from %s has %d layers, expected %d", id, len(model), len(reference))
		}
		for k, layer := range model {
			if !layer.SameShape(reference[k]) {
				return nil, fmt.Errorf("fedavg: model from %s layer %d shape %v, expected %v",
					id, k, layer.Shape, reference[k].Shape)
			}
			floats.AddScaled(out[k].Data, weights[i], layer.Data)
		}
	}
	return out, nil
}

// Materialize checks the averaged weights against the agreed dense
// architecture and writes the aggregated model file for a round, returning
// its path. The layer list must be the kernel/bias alternation of
// Dense(64,relu) -> Dense(32,relu) -> Dense(1,sigmoid).
func (a *Aggregator) Materialize(ws WeightSet, roundID string) (string, error) {
	if err := checkDenseArchitecture(ws); err != nil {
		return "", err
	}
	path := filepath.Join(a.cfg.ModelDir, roundID+"_aggregated_model.h5")
	if err := ws.WriteFile(path); err != nil {
		return "", err
	}
	logrus.Infof("✅ [AGGREGATOR] Aggregated model saved: %s", path)
	return path, nil
}

// checkDenseArchitecture validates kernel and bias shapes layer by layer.
func checkDenseArchitecture(ws WeightSet) error {
	if len(ws) != 2*len(denseLayerWidths) {
		return fmt.Errorf("fedavg: expected %d weight tensors for the dense architecture, got %d",
			2*len(denseLayerWidths), len(ws))
	}
	if len(ws[0].Shape) != 2 {
		return fmt.Errorf("fedavg: first kernel must be rank 2, got shape %v", ws[0].Shape)
	}
	in := ws[0].Shape[0]
	for i, width := range denseLayerWidths {
		kernel, bias := ws[2*i], ws[2*i+1]
		if len(kernel.Shape) != 2 || kernel.Shape[0] != in || kernel.Shape[1] != width {
			return fmt.Errorf("fedavg: layer %d kernel shape %v, expected [%d %d]", i, kernel.Shape, in, width)
		}
		if len(bias.Shape) != 1 || bias.Shape[0] != width {
			return fmt.Errorf("fedavg: layer %d bias shape %v, expected [%d]", i, bias.Shape, width)
		}
		in = width
	}
	return nil
}

// HashFile computes the lowercase-hex SHA-256 of a file's bytes. This is the
// weight hash published with the final model record.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash: open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash: read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
