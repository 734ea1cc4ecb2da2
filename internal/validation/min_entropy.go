package validation

import (
	"math"

	"randomness-lab/internal/bitseq"
)

// MinEntropyEstimate summarises the byte-level min-entropy estimators for a
// sequence packed MSB-first into bytes. Values are bits per byte in [0, 8].
type MinEntropyEstimate struct {
	Bytes           int     `json:"bytes"`
	MCV             float64 `json:"mcv"`
	Collision       float64 `json:"collision"`
	Conservative    float64 `json:"conservative"`
	MostCommonValue byte    `json:"most_common_value"`
	UniqueValues    int     `json:"unique_values"`
}

// EstimateMinEntropy packs seq into bytes and runs the MCV and Collision
// estimators over them. The conservative figure is the lower of the two.
func EstimateMinEntropy(seq bitseq.Sequence) MinEntropyEstimate {
	data := seq.Bytes()
	if len(data) == 0 {
		return MinEntropyEstimate{}
	}

	var histogram [256]int
	for _, b := range data {
		histogram[b]++
	}

	estimate := MinEntropyEstimate{
		Bytes:     len(data),
		MCV:       mcvFromHistogram(&histogram, len(data)),
		Collision: EstimateCollision(data),
	}
	maxCount := 0
	for value, count := range histogram {
		if count > 0 {
			estimate.UniqueValues++
		}
		if count > maxCount {
			maxCount = count
			estimate.MostCommonValue = byte(value)
		}
	}
	estimate.Conservative = math.Min(estimate.MCV, estimate.Collision)
	return estimate
}

// EstimateMCV estimates min-entropy with the Most Common Value method:
// -log2(pmax) where pmax is the relative frequency of the most common byte.
// Empty input yields 0.
func EstimateMCV(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var histogram [256]int
	for _, b := range data {
		histogram[b]++
	}
	return mcvFromHistogram(&histogram, len(data))
}

func mcvFromHistogram(histogram *[256]int, total int) float64 {
	maxCount := 0
	for _, count := range histogram {
		if count > maxCount {
			maxCount = count
		}
	}

	pMax := float64(maxCount) / float64(total)
	if pMax >= 1 {
		return 0
	}
	return -math.Log2(pMax)
}

// EstimateCollision estimates min-entropy from the position t (1-based) of
// the first repeated byte as log2(t), clamped to [0, 8]. Input without a
// repeat, or a single byte, yields 8. Empty input yields 0.
func EstimateCollision(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var seen [256]bool
	collision := 0
	for i, b := range data {
		if seen[b] {
			collision = i + 1
			break
		}
		seen[b] = true
	}

	if collision == 0 {
		return 8
	}
	return math.Max(0, math.Min(8, math.Log2(float64(collision))))
}
