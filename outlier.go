// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements outlier gating of observations. The static gate compares
// residuals against a fixed multiple of the theoretical noise; the dynamic
// gate widens or narrows with the filter's own innovation covariance.

package gorbit

import (
	"math"
)

// StaticOutlierGate flags an observation as rejected when any residual
// component exceeds MaxSigma times the theoretical standard deviation.
// The first Warmup observations pass unfiltered so the filter can converge
// before gating starts.
type StaticOutlierGate struct {
	Warmup   int
	MaxSigma float64

	count int
}

func NewStaticOutlierGate(warmup int, maxSigma float64) *StaticOutlierGate {
	return &StaticOutlierGate{Warmup: warmup, MaxSigma: maxSigma}
}

func (g *StaticOutlierGate) Modify(meas Measurement, eval *MeasEval) {
	g.count++
	if g.count <= g.Warmup {
		return
	}
	sigma := meas.StdDev()
	for i, res := range Residuals(meas, eval) {
		if math.Abs(res) > g.MaxSigma*sigma[i] {
			eval.Rejected = true
			PrintD(2, "\toutlier: component %d residual %.3f exceeds %.1f sigma (%.3f)\n",
				i, res, g.MaxSigma, g.MaxSigma*sigma[i])
			return
		}
	}
}

// DynamicOutlierGate is an adaptive gate. Before each residual computation
// the filter sets the per-component sigma to sqrt(diag(S)) * sigma_theoretical
// where S is the innovation covariance; after use the sigma is reset to unset
// so each observation is judged independently. While unset the gate passes
// everything.
type DynamicOutlierGate struct {
	Warmup   int
	MaxSigma float64

	sigma []float64 // Dynamic per-component sigma, nil while unset
	count int
}

func NewDynamicOutlierGate(warmup int, maxSigma float64) *DynamicOutlierGate {
	return &DynamicOutlierGate{Warmup: warmup, MaxSigma: maxSigma}
}

// SetSigma arms the gate with the dynamic per-component sigma; nil disarms it.
func (g *DynamicOutlierGate) SetSigma(sigma []float64) {
	g.sigma = sigma
}

// Sigma returns the currently armed dynamic sigma (nil while unset).
func (g *DynamicOutlierGate) Sigma() []float64 {
	return g.sigma
}

func (g *DynamicOutlierGate) Modify(meas Measurement, eval *MeasEval) {
	if g.sigma == nil {
		return
	}
	g.count++
	if g.count <= g.Warmup {
		return
	}
	for i, res := range Residuals(meas, eval) {
		if math.Abs(res) > g.MaxSigma*g.sigma[i] {
			eval.Rejected = true
			PrintD(2, "\toutlier (dynamic): component %d residual %.3f exceeds %.1f sigma (%.3f)\n",
				i, res, g.MaxSigma, g.MaxSigma*g.sigma[i])
			return
		}
	}
}
