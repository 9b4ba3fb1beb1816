// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

package gorbit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// newTestFilter builds a single-trajectory filter on a circular orbit with
// the given initial position/velocity sigmas and per-step process noise.
func newTestFilter(t *testing.T, sigmaPos, sigmaVel, qPos, qVel float64) (*Filter, *KeplerBuilder) {
	t.Helper()
	b := NewKeplerBuilder(testEpoch(), circularState(testEpoch(), 7000e3))
	noise := NewDiagonalNoise(
		[]float64{SQ(sigmaPos), SQ(sigmaPos), SQ(sigmaPos), SQ(sigmaVel), SQ(sigmaVel), SQ(sigmaVel)},
		[]float64{SQ(qPos), SQ(qPos), SQ(qPos), SQ(qVel), SQ(qVel), SQ(qVel)})
	f, err := NewFilter([]TrajectoryBuilder{b}, []NoiseProvider{noise}, nil)
	require.NoError(t, err)
	return f, b
}

// rangeAt builds a range observation of the trajectory from a station on the
// +X axis, with the observed value offset from the true geometric range.
func rangeAt(epoch GTime, truePos PosXYZ, offset, sigma float64) *Range {
	station := PosXYZ{X: Re, Y: 0, Z: 0}
	rho := EucDist(&truePos, &station)
	return NewRange(epoch, station, 0, rho+offset, sigma, nil)
}

func TestFilterInitialEstimate(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)

	require.Equal(t, 6, f.Registry().Dim())
	x := f.CorrectedEstimate().State
	assert.InDelta(t, 7000e3/ScalePos, x.AtVec(0), 1e-9)
	assert.InDelta(t, 0.0, x.AtVec(1), 1e-9)

	// Initial covariance: normalized variances on the diagonal
	p := f.CorrectedEstimate().Cov
	assert.InDelta(t, SQ(100)/SQ(ScalePos), p.At(0, 0), 1e-15)
	assert.InDelta(t, SQ(1)/SQ(ScaleVel), p.At(3, 3), 1e-15)

	assert.Equal(t, 0, f.MeasurementCount())
}

func TestFilterEvolutionSameEpoch(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)
	s0 := circularState(testEpoch(), 7000e3)

	meas := rangeAt(testEpoch(), s0.Pos, 10, 10)
	ev, err := f.Evolution(meas)
	require.NoError(t, err)

	assert.Equal(t, 1, f.MeasurementCount())
	assert.True(t, f.CurrentEpoch().Equal(testEpoch()))

	// Zero time advance: prediction equals the initial estimate, STM is the
	// identity up to finite-difference noise.
	x0 := f.CorrectedEstimate().State
	for i := 0; i < 6; i++ {
		assert.InDelta(t, x0.AtVec(i), ev.State.AtVec(i), 1e-9)
		for j := 0; j < 6; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.InDelta(t, want, ev.STM.At(i, j), 1e-6)
		}
	}

	// Station and satellite both on the +X axis: the only sensitive column is
	// x with dM/dC = 1, scaled by scale/sigma.
	rows, cols := ev.H.Dims()
	require.Equal(t, 1, rows)
	require.Equal(t, 6, cols)
	assert.InDelta(t, ScalePos/10, ev.H.At(0, 0), 1e-6)
	for j := 1; j < 6; j++ {
		assert.InDelta(t, 0.0, ev.H.At(0, j), 1e-6)
	}

	// Zero process noise after the initial seed
	for i := 0; i < 6; i++ {
		assert.InDelta(t, 0.0, ev.Noise.At(i, i), 1e-15)
	}
}

func TestFilterEvolutionBadTrajectoryIndex(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)
	s0 := circularState(testEpoch(), 7000e3)
	station := PosXYZ{X: Re, Y: 0, Z: 0}
	rho := EucDist(&s0.Pos, &station)

	// One trajectory registered, observation claims index 1: the observation
	// is unusable and must be refused before any filter state moves.
	meas := NewRange(testEpoch(), station, 1, rho, 10, nil)
	_, err := f.Evolution(meas)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trajectory 1")
	assert.Equal(t, 0, f.MeasurementCount())

	_, err = f.Evolution(NewRange(testEpoch(), station, -1, rho, 10, nil))
	require.Error(t, err)

	// A valid observation still goes through afterwards.
	_, err = f.Evolution(rangeAt(testEpoch(), s0.Pos, 10, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, f.MeasurementCount())
}

func TestFilterInnovationNormalized(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)
	s0 := circularState(testEpoch(), 7000e3)

	// 10 m offset with sigma 10 gives a normalized innovation of exactly 1.0
	meas := rangeAt(testEpoch(), s0.Pos, 10, 10)
	_, err := f.Evolution(meas)
	require.NoError(t, err)

	s := mat.NewDense(1, 1, []float64{2})
	innov := f.Innovation(meas, s)
	require.NotNil(t, innov)
	assert.InDelta(t, 1.0, innov.AtVec(0), 1e-9)
}

func TestFilterInnovationNilOnRejection(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)
	s0 := circularState(testEpoch(), 7000e3)

	meas := rangeAt(testEpoch(), s0.Pos, 1000, 10)
	meas.AddModifier(NewStaticOutlierGate(0, 3))

	_, err := f.Evolution(meas)
	require.NoError(t, err)
	assert.True(t, f.PredictedEval().Rejected, "a 100 sigma residual must trip the static gate")

	s := mat.NewDense(1, 1, []float64{2})
	assert.Nil(t, f.Innovation(meas, s))
}

func TestFilterDynamicGateUsesInnovationCovariance(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)
	s0 := circularState(testEpoch(), 7000e3)

	// Dynamic sigma is sqrt(S)*sigma = sqrt(4)*10 = 20; a 3 sigma gate allows
	// residuals up to 60 m, so 50 m passes and 70 m is rejected.
	gate := NewDynamicOutlierGate(0, 3)
	s := mat.NewDense(1, 1, []float64{4})

	meas := rangeAt(testEpoch(), s0.Pos, 50, 10)
	meas.AddModifier(gate)
	_, err := f.Evolution(meas)
	require.NoError(t, err)
	assert.NotNil(t, f.Innovation(meas, s))
	assert.Nil(t, gate.Sigma(), "the dynamic sigma must be reset after use")

	meas = rangeAt(testEpoch(), s0.Pos, 70, 10)
	meas.AddModifier(gate)
	_, err = f.Evolution(meas)
	require.NoError(t, err)
	assert.Nil(t, f.Innovation(meas, s))
	assert.Nil(t, gate.Sigma())
}

func TestFilterFinalizeWritesParameters(t *testing.T) {
	f, b := newTestFilter(t, 100, 1, 0, 0)
	s0 := circularState(testEpoch(), 7000e3)

	meas := rangeAt(testEpoch(), s0.Pos, 10, 10)
	ev, err := f.Evolution(meas)
	require.NoError(t, err)

	// Move the x position by +5 m in the corrected estimate
	x := mat.VecDenseCopyOf(ev.State)
	x.SetVec(0, x.AtVec(0)+5/ScalePos)
	require.NoError(t, f.Finalize(meas, Estimate{State: x, Cov: f.CorrectedEstimate().Cov}))

	assert.InDelta(t, 7000e3+5, b.OrbitalParams().Find("px").Value(), 1e-6)
	assert.InDelta(t, 7000e3+5, f.CorrectedStates()[0].Pos.X, 1e-6)
	require.NotNil(t, f.CorrectedEval())
	assert.InDelta(t, 5.0, Residuals(meas, f.CorrectedEval())[0], 1e-6,
		"corrected residual must reflect the moved state")
}

func TestFilterSharedDynamicalParameter(t *testing.T) {
	// Two trajectories sharing one dynamical parameter by name: a single
	// column, and a corrected value fanning out to both instances.
	t0 := testEpoch()
	b0 := NewKeplerBuilder(t0, circularState(t0, 7000e3))
	at0 := NewParam("athrust", 0, ScaleAccel)
	at0.Selected = true
	b0.AddDynParam(at0)

	b1 := NewKeplerBuilder(t0, circularState(t0, 7200e3))
	at1 := NewParam("athrust", 0, ScaleAccel)
	at1.Selected = true
	b1.AddDynParam(at1)

	mk := func() *ConstantNoise {
		return NewDiagonalNoise(make([]float64, 7), make([]float64, 7))
	}
	f, err := NewFilter(
		[]TrajectoryBuilder{b0, b1},
		[]NoiseProvider{mk(), mk()},
		nil)
	require.NoError(t, err)

	// 12 orbital columns + 1 shared dynamical column
	require.Equal(t, 13, f.Registry().Dim())
	col, ok := f.Registry().ColumnOf("athrust")
	require.True(t, ok)

	meas := NewPosVel(t0, 0, circularState(t0, 7000e3).Vec6(),
		[]float64{10, 10, 10, 0.1, 0.1, 0.1})
	ev, err := f.Evolution(meas)
	require.NoError(t, err)

	x := mat.VecDenseCopyOf(ev.State)
	x.SetVec(col, 3.0) // 3 * ScaleAccel physical
	require.NoError(t, f.Finalize(meas, Estimate{State: x, Cov: f.CorrectedEstimate().Cov}))

	assert.InDelta(t, 3*ScaleAccel, at0.Value(), 1e-20)
	assert.InDelta(t, 3*ScaleAccel, at1.Value(), 1e-20)
}

func TestFilterRejectsBackwardPropagation(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)
	s0 := circularState(testEpoch(), 7000e3)

	e := testEpoch()
	meas := rangeAt(e.Add(60), s0.Pos, 0, 10)
	_, err := f.Evolution(meas)
	require.NoError(t, err)
	require.NoError(t, f.Finalize(meas, f.CorrectedEstimate()))

	early := rangeAt(e.Add(30), s0.Pos, 0, 10)
	_, err = f.Evolution(early)
	assert.Error(t, err)
}
