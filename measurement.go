// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements observation records and the bundled measurement models (range,
// range rate, azimuth/elevation, position/velocity). Each model satisfies the
// linearize-and-evaluate contract the filter consumes.

package gorbit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// Measurement is one immutable observation: type, epoch, observed values,
// theoretical noise, associated observation-source parameters and the
// trajectories it involves. An observation may involve several bodies
// (e.g. an inter-satellite link).
type Measurement interface {
	// Epoch returns the observation epoch.
	Epoch() GTime

	// Dimension returns the number of observed components.
	Dimension() int

	// ObservedValue returns the observed components.
	ObservedValue() []float64

	// StdDev returns the theoretical standard deviation per component.
	StdDev() []float64

	// TrajIndices returns the indices of the trajectories the observation
	// depends on, in evaluation-state order.
	TrajIndices() []int

	// Params returns the observation-source parameters the observation
	// depends on (biases etc). May be empty.
	Params() ParamList

	// Modifiers returns the modifiers applied after evaluation (outlier
	// gates etc). May be empty.
	Modifiers() []Modifier

	// Evaluate computes the theoretical measurement and its partial
	// derivatives at the given states (one per involved trajectory, all at
	// the observation epoch).
	Evaluate(states []State) (*MeasEval, error)
}

// Modifier post-processes an evaluation, e.g. to flag outliers.
type Modifier interface {
	Modify(meas Measurement, eval *MeasEval)
}

// MeasEval is the result of evaluating a measurement model at given states.
type MeasEval struct {
	Value      []float64            // Theoretical measurement values (n components)
	StateDeriv []*mat.Dense         // Per involved trajectory: n x 6 dM/dC (Cartesian coordinates)
	ParamDeriv map[string][]float64 // Per observation parameter name: n derivatives dM/dPm
	States     []State              // States the evaluation used
	Rejected   bool                 // Set when a modifier flags the observation as an outlier
}

// Residuals returns observed - theoretical, per component.
func Residuals(meas Measurement, eval *MeasEval) []float64 {
	obs := meas.ObservedValue()
	res := make([]float64, len(obs))
	for i := range obs {
		res[i] = obs[i] - eval.Value[i]
	}
	return res
}

// measBase carries the fields shared by all bundled measurement models.
type measBase struct {
	epoch     GTime
	observed  []float64
	sigma     []float64
	trajIdx   []int
	params    ParamList
	modifiers []Modifier
}

func (m *measBase) Epoch() GTime             { return m.epoch }
func (m *measBase) Dimension() int           { return len(m.observed) }
func (m *measBase) ObservedValue() []float64 { return m.observed }
func (m *measBase) StdDev() []float64        { return m.sigma }
func (m *measBase) TrajIndices() []int       { return m.trajIdx }
func (m *measBase) Params() ParamList        { return m.params }
func (m *measBase) Modifiers() []Modifier    { return m.modifiers }

// AddModifier appends a modifier (e.g. an outlier gate) to the measurement.
func (m *measBase) AddModifier(mod Modifier) {
	m.modifiers = append(m.modifiers, mod)
}

//-------------------------------------------------------------------
// Range
//-------------------------------------------------------------------

// Range is a one-way geometric station-to-satellite range [m], optionally
// offset by a station bias parameter.
type Range struct {
	measBase
	Station PosXYZ
	Bias    *Param // nil when the station carries no bias
}

// NewRange creates a range observation of trajectory traj from a station.
func NewRange(epoch GTime, station PosXYZ, traj int, observed, sigma float64, bias *Param) *Range {
	r := &Range{
		measBase: measBase{
			epoch:    epoch,
			observed: []float64{observed},
			sigma:    []float64{sigma},
			trajIdx:  []int{traj},
		},
		Station: station,
		Bias:    bias,
	}
	if bias != nil {
		r.params = ParamList{bias}
	}
	return r
}

func (m *Range) Evaluate(states []State) (*MeasEval, error) {
	if len(states) != 1 {
		return nil, fmt.Errorf("range expects 1 state, got %d", len(states))
	}
	sat := states[0].Pos
	rho := EucDist(&sat, &m.Station)
	if rho == 0 {
		return nil, fmt.Errorf("range singular: satellite at the station position")
	}
	value := rho
	if m.Bias != nil {
		value += m.Bias.Value()
	}

	// dM/dC: the range only depends on position
	deriv := mat.NewDense(1, 6, nil)
	deriv.Set(0, 0, -DistDx(&sat, &m.Station))
	deriv.Set(0, 1, -DistDy(&sat, &m.Station))
	deriv.Set(0, 2, -DistDz(&sat, &m.Station))

	eval := &MeasEval{
		Value:      []float64{value},
		StateDeriv: []*mat.Dense{deriv},
		ParamDeriv: map[string][]float64{},
		States:     states,
	}
	if m.Bias != nil {
		eval.ParamDeriv[m.Bias.Name] = []float64{1}
	}
	return eval, nil
}

//-------------------------------------------------------------------
// RangeRate
//-------------------------------------------------------------------

// RangeRate is a station-to-satellite range rate [m/s] (Doppler), with the
// station fixed in ECEF.
type RangeRate struct {
	measBase
	Station PosXYZ
	Bias    *Param
}

func NewRangeRate(epoch GTime, station PosXYZ, traj int, observed, sigma float64, bias *Param) *RangeRate {
	r := &RangeRate{
		measBase: measBase{
			epoch:    epoch,
			observed: []float64{observed},
			sigma:    []float64{sigma},
			trajIdx:  []int{traj},
		},
		Station: station,
		Bias:    bias,
	}
	if bias != nil {
		r.params = ParamList{bias}
	}
	return r
}

func (m *RangeRate) Evaluate(states []State) (*MeasEval, error) {
	if len(states) != 1 {
		return nil, fmt.Errorf("range rate expects 1 state, got %d", len(states))
	}
	s := states[0]
	dr := []float64{s.Pos.X - m.Station.X, s.Pos.Y - m.Station.Y, s.Pos.Z - m.Station.Z}
	dv := []float64{s.Vel.X, s.Vel.Y, s.Vel.Z}
	rho := math.Sqrt(dr[0]*dr[0] + dr[1]*dr[1] + dr[2]*dr[2])
	if rho == 0 {
		return nil, fmt.Errorf("range rate singular: satellite at the station position")
	}
	rr := (dr[0]*dv[0] + dr[1]*dv[1] + dr[2]*dv[2]) / rho
	value := rr
	if m.Bias != nil {
		value += m.Bias.Value()
	}

	deriv := mat.NewDense(1, 6, nil)
	for i := 0; i < 3; i++ {
		// d(rr)/dpos = v/rho - rr * dr/rho^2, d(rr)/dvel = dr/rho
		deriv.Set(0, i, dv[i]/rho-rr*dr[i]/(rho*rho))
		deriv.Set(0, 3+i, dr[i]/rho)
	}

	eval := &MeasEval{
		Value:      []float64{value},
		StateDeriv: []*mat.Dense{deriv},
		ParamDeriv: map[string][]float64{},
		States:     states,
	}
	if m.Bias != nil {
		eval.ParamDeriv[m.Bias.Name] = []float64{1}
	}
	return eval, nil
}

//-------------------------------------------------------------------
// AzEl
//-------------------------------------------------------------------

// AzEl is a 2-component angular observation (azimuth, elevation) [rad] from a
// ground station. Derivatives are produced by central finite differences of
// the topocentric angles.
type AzEl struct {
	measBase
	Station PosXYZ
}

func NewAzEl(epoch GTime, station PosXYZ, traj int, az, el, sigmaAz, sigmaEl float64) *AzEl {
	return &AzEl{
		measBase: measBase{
			epoch:    epoch,
			observed: []float64{az, el},
			sigma:    []float64{sigmaAz, sigmaEl},
			trajIdx:  []int{traj},
		},
		Station: station,
	}
}

func (m *AzEl) Evaluate(states []State) (*MeasEval, error) {
	if len(states) != 1 {
		return nil, fmt.Errorf("azel expects 1 state, got %d", len(states))
	}
	sat := states[0].Pos
	az := m.Station.Azimuth(sat)
	el := m.Station.Elevation(sat)

	// Difference in normalized coordinates: the formula's absolute step is
	// far too small against position components of order 1e7 m (same scaling
	// as the propagator's state Jacobian).
	scale := [6]float64{ScalePos, ScalePos, ScalePos, ScaleVel, ScaleVel, ScaleVel}
	v := states[0].Vec6()
	u0 := make([]float64, 6)
	for i := range u0 {
		u0[i] = v[i] / scale[i]
	}
	deriv := mat.NewDense(2, 6, nil)
	fd.Jacobian(deriv, func(y, u []float64) {
		p := PosXYZ{X: u[0] * scale[0], Y: u[1] * scale[1], Z: u[2] * scale[2]}
		y[0] = m.Station.Azimuth(p)
		y[1] = m.Station.Elevation(p)
	}, u0, &fd.JacobianSettings{Formula: fd.Central})
	for i := 0; i < 2; i++ {
		for j := 0; j < 6; j++ {
			deriv.Set(i, j, deriv.At(i, j)/scale[j])
		}
	}

	return &MeasEval{
		Value:      []float64{az, el},
		StateDeriv: []*mat.Dense{deriv},
		ParamDeriv: map[string][]float64{},
		States:     states,
	}, nil
}

//-------------------------------------------------------------------
// PosVel
//-------------------------------------------------------------------

// PosVel is a direct 6-component observation of position and velocity, e.g.
// from an onboard GNSS receiver solution.
type PosVel struct {
	measBase
}

func NewPosVel(epoch GTime, traj int, observed, sigma []float64) *PosVel {
	return &PosVel{
		measBase: measBase{
			epoch:    epoch,
			observed: observed,
			sigma:    sigma,
			trajIdx:  []int{traj},
		},
	}
}

func (m *PosVel) Evaluate(states []State) (*MeasEval, error) {
	if len(states) != 1 {
		return nil, fmt.Errorf("posvel expects 1 state, got %d", len(states))
	}
	deriv := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		deriv.Set(i, i, 1)
	}
	return &MeasEval{
		Value:      states[0].Vec6(),
		StateDeriv: []*mat.Dense{deriv},
		ParamDeriv: map[string][]float64{},
		States:     states,
	}, nil
}
