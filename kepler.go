// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements a bundled two-body (Kepler) propagator with variational
// equations, so the sequential estimator is runnable without an external
// integrator. Propagation uses the universal-variable formulation; the state
// and parameter Jacobians are produced by central finite differences.

package gorbit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// Names of the Cartesian orbital parameters created by NewKeplerBuilder.
var OrbitalParamNames = [6]string{"px", "py", "pz", "vx", "vy", "vz"}

// KeplerBuilder builds two-body propagators from the current orbital and
// dynamical parameter values. It satisfies TrajectoryBuilder.
type KeplerBuilder struct {
	epoch   GTime
	orbital ParamList
	dyn     ParamList
}

// NewKeplerBuilder creates a builder seeded with the given initial orbit
// estimate. The six Cartesian orbital parameters are created with default
// scales and all selected.
func NewKeplerBuilder(epoch GTime, s State) *KeplerBuilder {
	v := s.Vec6()
	orbital := make(ParamList, 6)
	for i := range orbital {
		scale := ScalePos
		if i >= 3 {
			scale = ScaleVel
		}
		orbital[i] = NewParam(OrbitalParamNames[i], v[i], scale)
		orbital[i].Selected = true
	}
	return &KeplerBuilder{epoch: epoch, orbital: orbital}
}

// AddDynParam registers a dynamical parameter. The only dynamics the bundled
// propagator knows is a constant along-track acceleration, so every dynamical
// parameter value is summed into that acceleration.
func (b *KeplerBuilder) AddDynParam(p *Param) {
	b.dyn = append(b.dyn, p)
}

func (b *KeplerBuilder) InitialEpoch() GTime {
	return b.epoch
}

func (b *KeplerBuilder) OrbitalParams() ParamList {
	return b.orbital
}

func (b *KeplerBuilder) DynParams() ParamList {
	return b.dyn
}

// ResetOrbit writes a propagated state back into the orbital parameters and
// moves the builder epoch to the state epoch.
func (b *KeplerBuilder) ResetOrbit(s State) {
	v := s.Vec6()
	for i, p := range b.orbital {
		p.SetValue(v[i])
	}
	b.epoch = s.Epoch
}

// Build creates a propagator seeded from the current parameter values.
func (b *KeplerBuilder) Build() (Propagator, error) {
	v := make([]float64, 6)
	for i, p := range b.orbital {
		v[i] = p.Value()
	}
	seed := StateFromVec6(b.epoch, v)
	if seed.Pos.X == 0 && seed.Pos.Y == 0 && seed.Pos.Z == 0 {
		return nil, fmt.Errorf("degenerate initial orbit at the geocenter")
	}
	sel := b.dyn.Selected()
	dynVals := make([]float64, len(sel))
	for i, p := range sel {
		dynVals[i] = p.Value()
	}
	fixed := 0.0
	for _, p := range b.dyn {
		if !p.Selected {
			fixed += p.Value()
		}
	}
	return &keplerProp{seed: seed, dynVals: dynVals, fixedAccel: fixed}, nil
}

// keplerProp is a two-body propagator seeded at one epoch. It is immutable
// after construction: Propagate computes states without mutating the seed, so
// several trajectories can be propagated concurrently.
type keplerProp struct {
	seed       State
	dynVals    []float64 // Selected dynamical parameter values (summed along-track acceleration)
	fixedAccel float64   // Contribution of unselected dynamical parameters
}

func (k *keplerProp) InitialState() State {
	return k.seed
}

func (k *keplerProp) Propagate(epoch GTime) (State, error) {
	dt := epoch.SubSec(k.seed.Epoch)
	if dt < 0 {
		return State{}, fmt.Errorf("backward propagation requested, dt= %.3f s", dt)
	}
	y, err := propagateVec(k.seed.Vec6(), dt, k.dynVals, k.fixedAccel)
	if err != nil {
		return State{}, err
	}
	return StateFromVec6(epoch, y), nil
}

// StateJacobian differences in normalized coordinates: the absolute step of
// the finite-difference formula is far too small relative to position
// components of order 1e7 m, so the state is divided by the component scales
// before perturbing and the result is mapped back to physical units.
func (k *keplerProp) StateJacobian(s State) (*mat.Dense, error) {
	dt := s.Epoch.SubSec(k.seed.Epoch)
	scale := [6]float64{ScalePos, ScalePos, ScalePos, ScaleVel, ScaleVel, ScaleVel}

	seed := k.seed.Vec6()
	u0 := make([]float64, 6)
	for i := range u0 {
		u0[i] = seed[i] / scale[i]
	}

	jac := mat.NewDense(6, 6, nil)
	var ferr error
	fd.Jacobian(jac, func(y, u []float64) {
		x := make([]float64, 6)
		for i := range x {
			x[i] = u[i] * scale[i]
		}
		out, err := propagateVec(x, dt, k.dynVals, k.fixedAccel)
		if err != nil {
			ferr = err
			return
		}
		for i := range out {
			y[i] = out[i] / scale[i]
		}
	}, u0, &fd.JacobianSettings{Formula: fd.Central})
	if ferr != nil {
		return nil, fmt.Errorf("state Jacobian failed, err= %s", ferr.Error())
	}

	// Back to physical partials: jac[i][j] *= scale[i] / scale[j]
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			jac.Set(i, j, jac.At(i, j)*scale[i]/scale[j])
		}
	}
	return jac, nil
}

func (k *keplerProp) ParameterJacobian(s State) (*mat.Dense, error) {
	if len(k.dynVals) == 0 {
		return nil, nil
	}
	dt := s.Epoch.SubSec(k.seed.Epoch)
	jac := mat.NewDense(6, len(k.dynVals), nil)
	var ferr error
	fd.Jacobian(jac, func(y, p []float64) {
		out, err := propagateVec(k.seed.Vec6(), dt, p, k.fixedAccel)
		if err != nil {
			ferr = err
			return
		}
		copy(y, out)
	}, k.dynVals, &fd.JacobianSettings{Formula: fd.Central})
	if ferr != nil {
		return nil, fmt.Errorf("parameter Jacobian failed, err= %s", ferr.Error())
	}
	return jac, nil
}

// OrbitJacobian is the identity for the Cartesian parameterization.
func (k *keplerProp) OrbitJacobian(s State) *mat.Dense {
	jac := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		jac.Set(i, i, 1)
	}
	return jac
}

// propagateVec propagates a Cartesian 6-vector by dt seconds: exact two-body
// motion plus the first-order effect of the summed along-track acceleration.
func propagateVec(y0 []float64, dt float64, dynVals []float64, fixedAccel float64) ([]float64, error) {
	r, v, err := twoBody(y0[:3], y0[3:], dt)
	if err != nil {
		return nil, err
	}
	// Along-track empirical acceleration, applied as a first-order correction
	// in the direction of the propagated velocity.
	at := fixedAccel
	for _, a := range dynVals {
		at += a
	}
	if at != 0 {
		vn := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if vn > 0 {
			for i := 0; i < 3; i++ {
				u := v[i] / vn
				r[i] += 0.5 * at * dt * dt * u
				v[i] += at * dt * u
			}
		}
	}
	return []float64{r[0], r[1], r[2], v[0], v[1], v[2]}, nil
}

// twoBody solves the two-body problem with the universal-variable formulation
// (f and g functions). Returns the position and velocity after dt seconds.
func twoBody(r0, v0 []float64, dt float64) ([]float64, []float64, error) {
	if dt == 0 {
		return []float64{r0[0], r0[1], r0[2]}, []float64{v0[0], v0[1], v0[2]}, nil
	}

	r0n := math.Sqrt(r0[0]*r0[0] + r0[1]*r0[1] + r0[2]*r0[2])
	v0n2 := v0[0]*v0[0] + v0[1]*v0[1] + v0[2]*v0[2]
	rv := r0[0]*v0[0] + r0[1]*v0[1] + r0[2]*v0[2]
	sqmu := math.Sqrt(GM)

	// Reciprocal semi-major axis (negative for hyperbolic orbits)
	alpha := 2.0/r0n - v0n2/GM

	// Initial guess of the universal anomaly
	var chi float64
	if alpha > 1e-12 {
		chi = sqmu * dt * alpha
	} else {
		// Parabolic/hyperbolic fallback
		chi = sqmu * dt / r0n
	}

	// Newton iteration on the universal Kepler equation
	const maxIter = 50
	var z, c, s, rn float64
	converged := false
	for iter := 0; iter < maxIter; iter++ {
		z = alpha * chi * chi
		c = stumpffC(z)
		s = stumpffS(z)
		f := rv/sqmu*chi*chi*c + (1-alpha*r0n)*chi*chi*chi*s + r0n*chi - sqmu*dt
		df := rv/sqmu*chi*(1-z*s) + (1-alpha*r0n)*chi*chi*c + r0n
		dchi := f / df
		chi -= dchi
		if math.Abs(dchi) < 1e-10 {
			converged = true
			break
		}
	}
	if !converged {
		return nil, nil, fmt.Errorf("universal Kepler equation did not converge, dt= %.3f s", dt)
	}

	z = alpha * chi * chi
	c = stumpffC(z)
	s = stumpffS(z)

	// f and g functions
	ff := 1 - chi*chi/r0n*c
	gg := dt - chi*chi*chi/sqmu*s

	r := make([]float64, 3)
	for i := range r {
		r[i] = ff*r0[i] + gg*v0[i]
	}
	rn = math.Sqrt(r[0]*r[0] + r[1]*r[1] + r[2]*r[2])

	fdot := sqmu / (rn * r0n) * chi * (z*s - 1)
	gdot := 1 - chi*chi/rn*c

	v := make([]float64, 3)
	for i := range v {
		v[i] = fdot*r0[i] + gdot*v0[i]
	}
	return r, v, nil
}

// Stumpff function C(z)
func stumpffC(z float64) float64 {
	switch {
	case z > 1e-8:
		return (1 - math.Cos(math.Sqrt(z))) / z
	case z < -1e-8:
		return (math.Cosh(math.Sqrt(-z)) - 1) / (-z)
	default:
		return 1.0 / 2.0
	}
}

// Stumpff function S(z)
func stumpffS(z float64) float64 {
	switch {
	case z > 1e-8:
		sz := math.Sqrt(z)
		return (sz - math.Sin(sz)) / (sz * sz * sz)
	case z < -1e-8:
		sz := math.Sqrt(-z)
		return (math.Sinh(sz) - sz) / (sz * sz * sz)
	default:
		return 1.0 / 6.0
	}
}
