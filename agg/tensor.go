// Weight tensor handling: the on-disk codec for participant weight files and
// the numeric scans the quality evaluator runs over them. A weight set is an
// ordered list of rectangular layers; the aggregation math in fedavg.go is
// element-wise over this representation and framework-agnostic.

package agg

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"
)

// Tensor is one layer of a model: a shape and the row-major flattened values.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Size returns the number of elements implied by the shape.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// SameShape reports whether two tensors have identical dimensions.
func (t Tensor) SameShape(o Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i, d := range t.Shape {
		if o.Shape[i] != d {
			return false
		}
	}
	return true
}

// WeightSet is the ordered layer list of one model.
type WeightSet []Tensor

// weightsFile is the JSON document stored in the blob store per model.
type weightsFile struct {
	Layers []Tensor `json:"layers"`
}

// LoadWeights reads and validates a weight file. A model with no layers, or
// with a layer whose data length disagrees with its shape, is rejected.
func LoadWeights(path string) (WeightSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("weights: read %s: %w", path, err)
	}
	var wf weightsFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("weights: parse %s: %w", path, err)
	}
	if len(wf.Layers) == 0 {
		return nil, fmt.Errorf("weights: %s has no layers", path)
	}
	for i, layer := range wf.Layers {
		if layer.Size() != len(layer.Data) {
			return nil, fmt.Errorf("weights: %s layer %d: shape %v implies %d values, found %d",
				path, i, layer.Shape, layer.Size(), len(layer.Data))
		}
	}
	return WeightSet(wf.Layers), nil
}

// WriteFile serializes the weight set with the same codec the trainers use.
func (ws WeightSet) WriteFile(path string) error {
	data, err := json.Marshal(weightsFile{Layers: ws})
	if err != nil {
		return fmt.Errorf("weights: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("weights: write %s: %w", path, err)
	}
	return nil
}

// Scan walks every nonempty layer and reports NaN / Inf presence.
func (ws WeightSet) Scan() (hasNaN, hasInf bool) {
	for _, layer := range ws {
		if len(layer.Data) == 0 {
			continue
		}
		for _, v := range layer.Data {
			switch {
			case math.IsNaN(v):
				hasNaN = true
			case math.IsInf(v, 0):
				hasInf = true
			}
			if hasNaN && hasInf {
				return
			}
		}
	}
	return
}

// MagnitudeStats computes the mean of per-layer mean absolute values over all
// nonempty layers, and the variance of those per-layer magnitudes.
func (ws WeightSet) MagnitudeStats() (avgMagnitude, variance float64) {
	var magnitudes []float64
	for _, layer := range ws {
		if len(layer.Data) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range layer.Data {
			sum += math.Abs(v)
		}
		magnitudes = append(magnitudes, sum/float64(len(layer.Data)))
	}
	if len(magnitudes) == 0 {
		return 0, 0
	}
	avgMagnitude = stat.Mean(magnitudes, nil)
	if len(magnitudes) > 1 {
		variance = stat.Variance(magnitudes, nil)
	}
	return avgMagnitude, variance
}
