// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements the filter core: the bridge between the reference trajectories,
// the measurement models and the correction driver. It owns the normalized
// state vector and covariance, predicts and linearizes at every observation
// epoch and writes corrected values back into the parameters.

package gorbit

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Estimate is one normalized state/covariance pair.
type Estimate struct {
	State *mat.VecDense
	Cov   *mat.Dense
}

// Filter holds the sequential estimation state across observations. It is
// created once per run by NewFilter and driven by an Estimator; it is not
// safe for concurrent use.
type Filter struct {
	reg      *Registry
	composer *noiseComposer
	trajs    []*refTrajectory

	corrected    Estimate
	predStates   []State // Predicted state per trajectory, current epoch
	corrStates   []State // Corrected state per trajectory, current epoch
	predEval     *MeasEval
	corrEval     *MeasEval
	currentEpoch GTime
	measCount    int
}

// NewFilter assembles a filter from one trajectory builder and one process
// noise provider per estimated body, plus the observation-source parameters
// (already selected). The column layout is frozen here; the initial normalized
// state is read from the current parameter values and the initial covariance
// from the noise providers.
func NewFilter(builders []TrajectoryBuilder, providers []NoiseProvider, obsParams ParamList) (*Filter, error) {
	if len(builders) == 0 {
		return nil, fmt.Errorf("at least one trajectory builder is required")
	}

	reg := NewRegistry(builders[0].InitialEpoch())
	for k, b := range builders {
		if err := reg.RegisterTrajectory(b.OrbitalParams(), b.DynParams()); err != nil {
			return nil, fmt.Errorf("registering trajectory %d failed, err= %s", k, err.Error())
		}
	}
	if err := reg.RegisterObservationParameters(obsParams); err != nil {
		return nil, err
	}
	if err := reg.Build(); err != nil {
		return nil, err
	}

	composer, err := newNoiseComposer(providers, reg)
	if err != nil {
		return nil, err
	}

	f := &Filter{
		reg:          reg,
		composer:     composer,
		currentEpoch: reg.RefEpoch(),
	}
	for k, b := range builders {
		t, err := newRefTrajectory(b)
		if err != nil {
			return nil, fmt.Errorf("trajectory %d: %w", k, err)
		}
		f.trajs = append(f.trajs, t)
		f.corrStates = append(f.corrStates, t.prop.InitialState())
	}
	f.predStates = append([]State{}, f.corrStates...)

	f.corrected.State = f.normStateFromParams()
	f.corrected.Cov, err = composer.compose(nil, f.corrStates)
	if err != nil {
		return nil, fmt.Errorf("initial covariance failed, err= %s", err.Error())
	}
	return f, nil
}

// normStateFromParams reads the current parameter values into a normalized
// state vector, in column order.
func (f *Filter) normStateFromParams() *mat.VecDense {
	x := mat.NewVecDense(f.reg.Dim(), nil)
	for _, l := range []ParamList{f.reg.AllOrbital(), f.reg.AllDyn(), f.reg.MeasParams()} {
		for _, p := range l {
			col, _ := f.reg.ColumnOf(p.Name)
			x.SetVec(col, p.NormValue())
		}
	}
	return x
}

// predictState propagates every reference trajectory to the observation epoch
// and returns the predicted normalized state vector. The trajectories advance
// in parallel; results are kept in local candidate slots and promoted only
// once every propagation has succeeded, so a failure leaves the filter at the
// last good state.
func (f *Filter) predictState(epoch GTime) (*mat.VecDense, error) {
	n := len(f.trajs)
	candidates := make([]State, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for k := 0; k < n; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			candidates[k], errs[k] = f.trajs[k].propagate(epoch)
		}(k)
	}
	wg.Wait()
	for k, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("predicting trajectory %d failed, err= %s", k, err.Error())
		}
	}

	f.predStates = candidates
	for k := 0; k < n; k++ {
		f.trajs[k].builder.ResetOrbit(candidates[k])
	}

	// Only the orbital columns move under prediction; dynamical and
	// observation-source columns keep their corrected values.
	predicted := mat.VecDenseCopyOf(f.corrected.State)
	for k := 0; k < n; k++ {
		col := f.reg.OrbitsStart(k)
		for _, p := range f.reg.OrbitalParams(k) {
			if p.Selected {
				predicted.SetVec(col, p.NormValue())
				col++
			}
		}
	}
	return predicted, nil
}

// Evolution predicts the filter to the observation epoch and linearizes the
// dynamics and the measurement there. The observation counter and the current
// epoch advance whether or not the observation is later accepted.
func (f *Filter) Evolution(meas Measurement) (*Evolution, error) {
	for _, k := range meas.TrajIndices() {
		if k < 0 || k >= f.reg.NumTrajectories() {
			e := meas.Epoch()
			return nil, fmt.Errorf("observation at week %d sec %.3f refers to trajectory %d, filter has %d",
				e.Week, e.Sec, k, f.reg.NumTrajectories())
		}
	}

	f.measCount++
	f.currentEpoch = meas.Epoch()

	predicted, err := f.predictState(meas.Epoch())
	if err != nil {
		return nil, err
	}

	stm, err := f.makeSTM()
	if err != nil {
		return nil, err
	}

	states := make([]State, len(meas.TrajIndices()))
	for i, k := range meas.TrajIndices() {
		states[i] = f.predStates[k]
	}
	eval, err := meas.Evaluate(states)
	if err != nil {
		e := meas.Epoch()
		return nil, fmt.Errorf("evaluating measurement at week %d sec %.3f failed, err= %s",
			e.Week, e.Sec, err.Error())
	}
	// Dynamic gates wait for the innovation covariance; everything else is
	// applied on the predicted evaluation right away.
	for _, mod := range meas.Modifiers() {
		if _, ok := mod.(*DynamicOutlierGate); !ok {
			mod.Modify(meas, eval)
		}
	}
	f.predEval = eval

	h, err := f.makeH(meas, eval)
	if err != nil {
		return nil, err
	}

	noise, err := f.composer.compose(f.corrStates, f.predStates)
	if err != nil {
		return nil, err
	}

	return &Evolution{
		Epoch: meas.Epoch(),
		State: predicted,
		STM:   stm,
		Noise: noise,
		H:     h,
	}, nil
}

// Innovation applies the dynamic outlier gates (scaled by the innovation
// covariance s) and returns the normalized residual vector, or nil when the
// observation is rejected. A nil return is the signal to skip the correction.
func (f *Filter) Innovation(meas Measurement, s *mat.Dense) *mat.VecDense {
	sigma := meas.StdDev()
	for _, mod := range meas.Modifiers() {
		gate, ok := mod.(*DynamicOutlierGate)
		if !ok {
			continue
		}
		dyn := make([]float64, meas.Dimension())
		for i := range dyn {
			dyn[i] = math.Sqrt(s.At(i, i)) * sigma[i]
		}
		gate.SetSigma(dyn)
		gate.Modify(meas, f.predEval)
		gate.SetSigma(nil)
	}

	if f.predEval.Rejected {
		return nil
	}

	res := Residuals(meas, f.predEval)
	innov := mat.NewVecDense(len(res), nil)
	for i := range res {
		innov.SetVec(i, res[i]/sigma[i])
	}
	return innov
}

// Finalize installs the corrected estimate: corrected values are written back
// into the parameters (clipping at their bounds, shared columns fanning out to
// every alias), the reference trajectories are rebuilt from them and the
// measurement is re-evaluated at the corrected states for diagnostics.
//
// For a rejected observation the caller passes the predicted estimate, so the
// corrected state simply carries the prediction forward.
func (f *Filter) Finalize(meas Measurement, est Estimate) error {
	x := est.State

	for k := range f.trajs {
		col := f.reg.OrbitsStart(k)
		for _, p := range f.reg.OrbitalParams(k) {
			if p.Selected {
				p.SetNormValue(x.AtVec(col))
				x.SetVec(col, p.NormValue())
				col++
			}
		}
	}
	for _, p := range f.reg.AllDyn() {
		col, _ := f.reg.ColumnOf(p.Name)
		clipped := f.reg.SetSharedValue(p.Name, x.AtVec(col)*p.Scale)
		x.SetVec(col, clipped/p.Scale)
	}
	for _, p := range f.reg.MeasParams() {
		col, _ := f.reg.ColumnOf(p.Name)
		p.SetNormValue(x.AtVec(col))
		x.SetVec(col, p.NormValue())
	}

	f.corrected = est

	for k := range f.trajs {
		if err := f.trajs[k].rebuild(); err != nil {
			return fmt.Errorf("trajectory %d: %w", k, err)
		}
		f.corrStates[k] = f.trajs[k].prop.InitialState()
	}

	states := make([]State, len(meas.TrajIndices()))
	for i, k := range meas.TrajIndices() {
		states[i] = f.corrStates[k]
	}
	eval, err := meas.Evaluate(states)
	if err != nil {
		e := meas.Epoch()
		return fmt.Errorf("corrected evaluation at week %d sec %.3f failed, err= %s",
			e.Week, e.Sec, err.Error())
	}
	f.corrEval = eval
	return nil
}

// CorrectedEstimate returns the current corrected normalized estimate.
func (f *Filter) CorrectedEstimate() Estimate {
	return f.corrected
}

// PhysicalState returns the corrected state vector in physical units.
func (f *Filter) PhysicalState() *mat.VecDense {
	return UnnormalizeVec(f.corrected.State, f.reg.Scale())
}

// PhysicalCovariance returns the corrected covariance in physical units.
func (f *Filter) PhysicalCovariance() *mat.Dense {
	return UnnormalizeCov(f.corrected.Cov, f.reg.Scale())
}

// PredictedStates returns the per-trajectory predicted states at the current
// epoch.
func (f *Filter) PredictedStates() []State {
	return append([]State{}, f.predStates...)
}

// CorrectedStates returns the per-trajectory corrected states at the current
// epoch.
func (f *Filter) CorrectedStates() []State {
	return append([]State{}, f.corrStates...)
}

// PredictedEval returns the evaluation of the last observation at the
// predicted states, nil before the first observation.
func (f *Filter) PredictedEval() *MeasEval {
	return f.predEval
}

// CorrectedEval returns the evaluation of the last observation at the
// corrected states, nil before the first observation.
func (f *Filter) CorrectedEval() *MeasEval {
	return f.corrEval
}

// CurrentEpoch returns the epoch of the last processed observation, or the
// reference epoch before any.
func (f *Filter) CurrentEpoch() GTime {
	return f.currentEpoch
}

// MeasurementCount returns the number of observations processed so far,
// rejected ones included.
func (f *Filter) MeasurementCount() int {
	return f.measCount
}

// Registry returns the column layout of the filter state.
func (f *Filter) Registry() *Registry {
	return f.reg
}
