// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

package gorbit

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatorCorrectionReducesResidual(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)
	est := NewEstimator(f, nil)
	s0 := circularState(testEpoch(), 7000e3)

	// 10 m range offset, sigma 10
	meas := rangeAt(testEpoch(), s0.Pos, 10, 10)
	r, err := est.ProcessMeasurement(meas)
	require.NoError(t, err)

	assert.False(t, r.Rejected)
	assert.Equal(t, 1, r.Number)
	require.NotNil(t, r.Innovation)
	assert.InDelta(t, 1.0, r.Innovation.AtVec(0), 1e-9)

	// The correction must move the estimate toward the observation
	predRes := math.Abs(Residuals(meas, r.PredEval)[0])
	corrRes := math.Abs(Residuals(meas, r.CorrEval)[0])
	assert.Less(t, corrRes, predRes)

	// And shrink the along-track position variance
	assert.Less(t, r.Cov.At(0, 0), SQ(100.0))
}

func TestEstimatorConvergesOnRepeatedObservations(t *testing.T) {
	f, _ := newTestFilter(t, 1000, 1, 0.01, 1e-5)
	opt := NewEstimOpt()
	opt.NoChiTest = true
	est := NewEstimator(f, opt)

	// The true orbit is offset +50 m in x from the initial estimate
	truth := circularState(testEpoch(), 7000e3+50)
	tb := NewKeplerBuilder(testEpoch(), truth)
	tprop, err := tb.Build()
	require.NoError(t, err)

	e := testEpoch()
	var last *Result
	for i := 0; i < 30; i++ {
		epoch := e.Add(float64(i) * 10)
		ts, err := tprop.Propagate(epoch)
		require.NoError(t, err)
		meas := NewPosVel(epoch, 0, ts.Vec6(), []float64{5, 5, 5, 0.05, 0.05, 0.05})
		last, err = est.ProcessMeasurement(meas)
		require.NoError(t, err)
	}

	require.NotNil(t, last)
	// After 30 position/velocity fixes the estimate tracks the truth closely
	ts, err := tprop.Propagate(e.Add(290))
	require.NoError(t, err)
	assert.InDelta(t, ts.Pos.X, last.State.AtVec(0), 1.0)
	assert.InDelta(t, ts.Pos.Y, last.State.AtVec(1), 1.0)
	assert.InDelta(t, ts.Vel.Y, last.State.AtVec(4), 0.05)
}

func TestEstimatorRejectionKeepsState(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)
	opt := NewEstimOpt()
	opt.NoChiTest = true
	est := NewEstimator(f, opt)
	s0 := circularState(testEpoch(), 7000e3)

	// First observation corrects the filter
	_, err := est.ProcessMeasurement(rangeAt(testEpoch(), s0.Pos, 10, 10))
	require.NoError(t, err)

	stateBefore := append([]float64{}, f.PhysicalState().RawVector().Data...)
	covBefore := append([]float64{}, f.PhysicalCovariance().RawMatrix().Data...)

	// Second observation at the same epoch with zero process noise, gated out
	meas := rangeAt(testEpoch(), s0.Pos, 1000, 10)
	meas.AddModifier(NewStaticOutlierGate(0, 3))
	r, err := est.ProcessMeasurement(meas)
	require.NoError(t, err)

	assert.True(t, r.Rejected)
	assert.Nil(t, r.Innovation)
	assert.Equal(t, 2, r.Number)

	// The rejected observation must not disturb the estimate
	stateAfter := f.PhysicalState().RawVector().Data
	for i := range stateBefore {
		if stateBefore[i] == 0 {
			assert.InDelta(t, 0.0, stateAfter[i], 1e-9)
		} else {
			assert.InEpsilon(t, stateBefore[i], stateAfter[i], 1e-12)
		}
	}
	covAfter := f.PhysicalCovariance().RawMatrix().Data
	for i := range covBefore {
		if covBefore[i] == 0 {
			assert.InDelta(t, 0.0, covAfter[i], 1e-12)
		} else {
			assert.InEpsilon(t, covBefore[i], covAfter[i], 1e-6)
		}
	}
}

func TestEstimatorChiSquareRejection(t *testing.T) {
	// Tight prior: S is close to R, so a 10 sigma innovation yields a
	// chi-squared statistic far above the 1-dof threshold.
	f, _ := newTestFilter(t, 10, 0.1, 0, 0)
	est := NewEstimator(f, nil)
	s0 := circularState(testEpoch(), 7000e3)

	r, err := est.ProcessMeasurement(rangeAt(testEpoch(), s0.Pos, 100, 10))
	require.NoError(t, err)
	assert.True(t, r.Rejected)
	assert.Nil(t, r.Innovation)

	// Same observation with the test disabled is accepted
	f2, _ := newTestFilter(t, 10, 0.1, 0, 0)
	opt := NewEstimOpt()
	opt.NoChiTest = true
	est2 := NewEstimator(f2, opt)
	r2, err := est2.ProcessMeasurement(rangeAt(testEpoch(), s0.Pos, 100, 10))
	require.NoError(t, err)
	assert.False(t, r2.Rejected)
}

func TestEstimatorRejectsOutOfOrderObservation(t *testing.T) {
	f, _ := newTestFilter(t, 100, 1, 0, 0)
	est := NewEstimator(f, nil)
	s0 := circularState(testEpoch(), 7000e3)

	e := testEpoch()
	_, err := est.ProcessMeasurement(rangeAt(e.Add(60), s0.Pos, 0, 10))
	require.NoError(t, err)

	_, err = est.ProcessMeasurement(rangeAt(e.Add(30), s0.Pos, 0, 10))
	require.Error(t, err)
	var step *StepError
	assert.False(t, errors.As(err, &step), "ordering violations are configuration errors, not step errors")
}

func TestEstimatorStepErrorCarriesEpoch(t *testing.T) {
	inner := errors.New("boom")
	err := &StepError{Epoch: GTime{Week: 2200, Sec: 30}, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "week 2200")
}

func TestEstimatorBatchSkipsStepErrors(t *testing.T) {
	f, _ := newTestFilter(t, 1000, 1, 0.01, 1e-5)
	opt := NewEstimOpt()
	opt.NoChiTest = true
	est := NewEstimator(f, opt)
	s0 := circularState(testEpoch(), 7000e3)

	e := testEpoch()
	batch := []Measurement{
		rangeAt(e.Add(10), s0.Pos, 0, 10),
		rangeAt(e.Add(20), s0.Pos, 0, 10),
	}
	results, err := est.ProcessMeasurements(batch)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
