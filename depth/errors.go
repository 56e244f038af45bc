// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package depth implements the depth estimation loss (scale-invariant log loss), the standard
// depth evaluation metrics and the pre-processing of predictions for evaluation.
package depth

import (
	"math"

	"github.com/pkg/errors"
)

// Metric identifies one of the depth evaluation metrics, in their canonical order.
type Metric int

const (
	SILog Metric = iota
	AbsRel
	Log10
	RMS
	SqRel
	LogRMS
	D1
	D2
	D3

	// NumMetrics is the number of evaluation metrics.
	NumMetrics = 9

	// NumLowerIsBetter is the number of leading metrics for which a lower value is better.
	// The remaining ones (the threshold accuracies) are better when higher.
	NumLowerIsBetter = 6
)

// MetricNames in the canonical order, as used in summaries and checkpoint names.
var MetricNames = [NumMetrics]string{"silog", "abs_rel", "log10", "rms", "sq_rel", "log_rms", "d1", "d2", "d3"}

// String implements fmt.Stringer.
func (m Metric) String() string {
	if m < 0 || int(m) >= NumMetrics {
		return "unknown"
	}
	return MetricNames[m]
}

// LowerIsBetter reports whether improvements on the metric mean a lower value.
func (m Metric) LowerIsBetter() bool {
	return int(m) < NumLowerIsBetter
}

// Errors holds the value of each metric, indexed by Metric.
type Errors [NumMetrics]float64

// ComputeErrors calculates the depth metrics between ground-truth and predicted depths, already
// filtered to the valid pixels. Both slices must have the same non-zero length, and all values must be
// positive.
//
// The silog metric is scaled by 100, as is customary.
func ComputeErrors(gt, pred []float64) (Errors, error) {
	var e Errors
	if len(gt) != len(pred) {
		return e, errors.Errorf("ground-truth has %d values, but prediction has %d", len(gt), len(pred))
	}
	n := float64(len(gt))
	if n == 0 {
		return e, errors.New("no valid pixels to compute depth errors")
	}

	var d1, d2, d3 float64
	var sqErr, sqLogErr, absRel, sqRel float64
	var logErr, logErrSq, log10Err float64
	for ii, g := range gt {
		p := pred[ii]
		thresh := math.Max(g/p, p/g)
		if thresh < 1.25 {
			d1++
		}
		if thresh < 1.25*1.25 {
			d2++
		}
		if thresh < 1.25*1.25*1.25 {
			d3++
		}
		diff := g - p
		sqErr += diff * diff
		absRel += math.Abs(diff) / g
		sqRel += diff * diff / g

		logDiff := math.Log(p) - math.Log(g)
		sqLogErr += logDiff * logDiff
		logErr += logDiff
		logErrSq += logDiff * logDiff
		log10Err += math.Abs(math.Log10(p) - math.Log10(g))
	}

	meanLogErr := logErr / n
	// Rounding can make the variance slightly negative when all log errors are equal.
	e[SILog] = math.Sqrt(math.Max(logErrSq/n-meanLogErr*meanLogErr, 0)) * 100
	e[AbsRel] = absRel / n
	e[Log10] = log10Err / n
	e[RMS] = math.Sqrt(sqErr / n)
	e[SqRel] = sqRel / n
	e[LogRMS] = math.Sqrt(sqLogErr / n)
	e[D1] = d1 / n
	e[D2] = d2 / n
	e[D3] = d3 / n
	return e, nil
}
