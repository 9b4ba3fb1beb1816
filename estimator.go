// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements the correction driver: the extended Kalman update wrapped around
// the filter core, one observation at a time.

package gorbit

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StepError reports a numerical failure while processing one observation.
// The filter instance stays at its last good corrected state and may be
// resumed with the next observation.
type StepError struct {
	Epoch GTime
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step at week %d sec %.3f failed, err= %s", e.Epoch.Week, e.Epoch.Sec, e.Err.Error())
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Result is the outcome of processing one observation.
type Result struct {
	Epoch      GTime
	Number     int           // 1-based observation counter (rejected ones included)
	Rejected   bool          // Observation gated out; no correction was applied
	Innovation *mat.VecDense // Normalized innovation, nil when rejected
	State      *mat.VecDense // Corrected state, physical units
	Cov        *mat.Dense    // Corrected covariance, physical units
	PredEval   *MeasEval     // Evaluation at the predicted states
	CorrEval   *MeasEval     // Evaluation at the corrected states
}

// EstimOpt holds the estimation options.
type EstimOpt struct {
	NoChiTest bool // Skip the chi-squared innovation test
}

// NewEstimOpt creates an EstimOpt with default values.
func NewEstimOpt() *EstimOpt {
	return &EstimOpt{
		NoChiTest: false,
	}
}

// Estimator drives the sequential estimation. Observations must be fed in
// chronological order.
type Estimator struct {
	model *Filter
	opt   *EstimOpt
}

// NewEstimator couples a filter with the estimation options.
func NewEstimator(model *Filter, opt *EstimOpt) *Estimator {
	if opt == nil {
		opt = NewEstimOpt()
	}
	return &Estimator{model: model, opt: opt}
}

// Model returns the underlying filter.
func (e *Estimator) Model() *Filter {
	return e.model
}

// ProcessMeasurement runs one predict/correct cycle. A gated observation
// yields a Result with Rejected set and the prediction carried forward as the
// corrected state. Numerical failures are returned as *StepError.
func (e *Estimator) ProcessMeasurement(meas Measurement) (*Result, error) {
	epoch := meas.Epoch()
	if cur := e.model.CurrentEpoch(); epoch.Less(cur, false) {
		return nil, fmt.Errorf("observation at week %d sec %.3f is %.3f s before the current epoch",
			epoch.Week, epoch.Sec, cur.SubSec(epoch))
	}

	prev := e.model.CorrectedEstimate()
	ev, err := e.model.Evolution(meas)
	if err != nil {
		return nil, &StepError{Epoch: epoch, Err: err}
	}

	// Predicted covariance: P- = STM P STM^t + Q
	var phiP, pPred mat.Dense
	phiP.Mul(ev.STM, prev.Cov)
	pPred.Mul(&phiP, ev.STM.T())
	pPred.Add(&pPred, ev.Noise)

	// Innovation covariance: S = H P- H^t + R, with R the identity since both
	// residuals and H are normalized by the theoretical sigma.
	n := meas.Dimension()
	var hp, s mat.Dense
	hp.Mul(ev.H, &pPred)
	s.Mul(&hp, ev.H.T())
	for i := 0; i < n; i++ {
		s.Set(i, i, s.At(i, i)+1)
	}

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return nil, &StepError{Epoch: epoch,
			Err: fmt.Errorf("innovation covariance is singular, err= %s", err.Error())}
	}

	innov := e.model.Innovation(meas, &s)

	if innov != nil && !e.opt.NoChiTest {
		var sv mat.VecDense
		sv.MulVec(&sInv, innov)
		chi2 := mat.Dot(innov, &sv)
		if chi2 > ChiSqr(n-1) {
			PrintD(2, "observation %d rejected by chi-squared test, chi2= %.3f\n",
				e.model.MeasurementCount(), chi2)
			e.model.PredictedEval().Rejected = true
			innov = nil
		}
	}

	var est Estimate
	if innov == nil {
		// Rejected: carry the prediction forward unchanged.
		est = Estimate{State: ev.State, Cov: &pPred}
	} else {
		// K = P- H^t S^-1
		var pht, gain mat.Dense
		pht.Mul(&pPred, ev.H.T())
		gain.Mul(&pht, &sInv)

		var corr mat.VecDense
		corr.MulVec(&gain, innov)
		xNew := mat.VecDenseCopyOf(ev.State)
		xNew.AddVec(xNew, &corr)

		// P+ = (I - K H) P-
		m := e.model.Registry().Dim()
		var kh mat.Dense
		kh.Mul(&gain, ev.H)
		ikh := mat.NewDense(m, m, nil)
		for i := 0; i < m; i++ {
			ikh.Set(i, i, 1)
		}
		ikh.Sub(ikh, &kh)
		var pNew mat.Dense
		pNew.Mul(ikh, &pPred)

		est = Estimate{State: xNew, Cov: &pNew}
	}

	if err := e.model.Finalize(meas, est); err != nil {
		return nil, &StepError{Epoch: epoch, Err: err}
	}

	return &Result{
		Epoch:      epoch,
		Number:     e.model.MeasurementCount(),
		Rejected:   innov == nil,
		Innovation: innov,
		State:      e.model.PhysicalState(),
		Cov:        e.model.PhysicalCovariance(),
		PredEval:   e.model.PredictedEval(),
		CorrEval:   e.model.CorrectedEval(),
	}, nil
}

// ProcessMeasurements runs ProcessMeasurement over a chronological batch and
// returns the per-observation results. A *StepError is logged and skipped so
// one bad observation does not abort the run; any other error aborts.
func (e *Estimator) ProcessMeasurements(measurements []Measurement) ([]*Result, error) {
	results := make([]*Result, 0, len(measurements))
	for _, meas := range measurements {
		r, err := e.ProcessMeasurement(meas)
		if err != nil {
			var step *StepError
			if errors.As(err, &step) {
				PrintE(err)
				continue
			}
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}
