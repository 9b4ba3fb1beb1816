// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements the reference trajectory set: one propagator per estimated body,
// augmented with variational equations, rebuilt from the corrected state after
// every filter correction.

package gorbit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// State is the physical state of one orbiting body at an epoch:
// ECEF position [m] and velocity [m/s].
type State struct {
	Epoch GTime
	Pos   PosXYZ
	Vel   PosXYZ
}

// Vec6 returns the state as a 6-vector (x, y, z, vx, vy, vz).
func (s State) Vec6() []float64 {
	return []float64{s.Pos.X, s.Pos.Y, s.Pos.Z, s.Vel.X, s.Vel.Y, s.Vel.Z}
}

// StateFromVec6 builds a State from a 6-vector at the given epoch.
func StateFromVec6(epoch GTime, v []float64) State {
	return State{
		Epoch: epoch,
		Pos:   PosXYZ{X: v[0], Y: v[1], Z: v[2]},
		Vel:   PosXYZ{X: v[3], Y: v[4], Z: v[5]},
	}
}

// Propagator is the contract a numerical trajectory integrator must satisfy.
// The integrator itself is an external collaborator; the filter only needs
// forward propagation and the variational (Jacobian) products.
type Propagator interface {
	// InitialState returns the state the propagator was seeded with.
	InitialState() State

	// Propagate advances the trajectory to the given epoch and returns the
	// state there. Requests earlier than the current epoch are a usage error.
	Propagate(epoch GTime) (State, error)

	// StateJacobian returns the 6x6 partial derivatives of the state at s
	// with respect to the state at the seed epoch (dY/dY0).
	StateJacobian(s State) (*mat.Dense, error)

	// ParameterJacobian returns the 6xk partial derivatives of the state at s
	// with respect to the k selected dynamical parameters (dY/dPp).
	// k may be zero, in which case nil is returned.
	ParameterJacobian(s State) (*mat.Dense, error)

	// OrbitJacobian returns the 6x6 partial derivatives of the Cartesian
	// coordinates with respect to the orbital parameters (dC/dY). For a
	// Cartesian parameterization this is the identity matrix.
	OrbitJacobian(s State) *mat.Dense
}

// TrajectoryBuilder exposes what the filter needs to create and re-create a
// propagator: the parameter lists and a factory reading their current values.
type TrajectoryBuilder interface {
	// InitialEpoch returns the epoch of the initial orbit estimate.
	InitialEpoch() GTime

	// OrbitalParams returns the six orbital parameters. Their current values
	// are the current orbit estimate; the filter writes corrected and
	// predicted values back into them.
	OrbitalParams() ParamList

	// DynParams returns the dynamical parameters influencing propagation.
	DynParams() ParamList

	// Build creates a propagator seeded from the current parameter values,
	// with Jacobian bookkeeping reset to identity at the seed epoch.
	Build() (Propagator, error)

	// ResetOrbit writes a propagated state back into the orbital parameters.
	ResetOrbit(s State)
}

// refTrajectory couples one builder with its live propagator.
type refTrajectory struct {
	builder TrajectoryBuilder
	prop    Propagator
}

// newRefTrajectory builds the initial reference trajectory of one body.
func newRefTrajectory(builder TrajectoryBuilder) (*refTrajectory, error) {
	prop, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("building reference trajectory failed, err= %s", err.Error())
	}
	return &refTrajectory{builder: builder, prop: prop}, nil
}

// rebuild re-seeds the propagator from the current (corrected) parameter
// values. Integration resumes from the corrected epoch; the embedded Jacobian
// bookkeeping restarts at identity there.
func (t *refTrajectory) rebuild() error {
	prop, err := t.builder.Build()
	if err != nil {
		return fmt.Errorf("rebuilding reference trajectory failed, err= %s", err.Error())
	}
	t.prop = prop
	return nil
}

// propagate advances the reference trajectory to the given epoch. Backward
// requests are rejected: the reference trajectory only ever moves forward.
func (t *refTrajectory) propagate(epoch GTime) (State, error) {
	seed := t.prop.InitialState()
	if epoch.Less(seed.Epoch, false) {
		return State{}, fmt.Errorf("backward propagation requested: %.3f s before current epoch",
			seed.Epoch.SubSec(epoch))
	}
	return t.prop.Propagate(epoch)
}
