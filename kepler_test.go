// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

package gorbit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// circularState returns a circular equatorial orbit at radius r.
func circularState(epoch GTime, r float64) State {
	return State{
		Epoch: epoch,
		Pos:   PosXYZ{X: r, Y: 0, Z: 0},
		Vel:   PosXYZ{Y: math.Sqrt(GM / r)},
	}
}

func TestKeplerCircularPeriod(t *testing.T) {
	r := 7000e3
	s0 := circularState(testEpoch(), r)
	b := NewKeplerBuilder(testEpoch(), s0)
	prop, err := b.Build()
	require.NoError(t, err)

	// After one orbital period the state returns to the start
	period := 2 * PI * math.Sqrt(r*r*r/GM)
	e := testEpoch()
	s1, err := prop.Propagate(e.Add(period))
	require.NoError(t, err)

	assert.InDelta(t, s0.Pos.X, s1.Pos.X, 1.0)
	assert.InDelta(t, s0.Pos.Y, s1.Pos.Y, 1.0)
	assert.InDelta(t, s0.Vel.Y, s1.Vel.Y, 1e-3)
}

func TestKeplerRadiusAndEnergyConserved(t *testing.T) {
	r := 7000e3
	s0 := circularState(testEpoch(), r)
	b := NewKeplerBuilder(testEpoch(), s0)
	prop, err := b.Build()
	require.NoError(t, err)

	e := testEpoch()
	for _, dt := range []float64{10, 600, 3000} {
		s, err := prop.Propagate(e.Add(dt))
		require.NoError(t, err)
		rp := math.Sqrt(SQ(s.Pos.X) + SQ(s.Pos.Y) + SQ(s.Pos.Z))
		assert.InDelta(t, r, rp, 1e-3, "circular orbit radius must be conserved at dt=%g", dt)
	}
}

func TestKeplerBackwardRejected(t *testing.T) {
	s0 := circularState(testEpoch(), 7000e3)
	b := NewKeplerBuilder(testEpoch(), s0)
	prop, err := b.Build()
	require.NoError(t, err)

	e := testEpoch()
	_, err = prop.Propagate(e.Add(-10))
	assert.Error(t, err)
}

func TestKeplerStateJacobianAtZeroDt(t *testing.T) {
	s0 := circularState(testEpoch(), 7000e3)
	b := NewKeplerBuilder(testEpoch(), s0)
	prop, err := b.Build()
	require.NoError(t, err)

	jac, err := prop.StateJacobian(s0)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.InDelta(t, want, jac.At(i, j), 1e-6)
		}
	}
}

func TestKeplerParameterJacobian(t *testing.T) {
	s0 := circularState(testEpoch(), 7000e3)
	b := NewKeplerBuilder(testEpoch(), s0)

	at := NewParam("athrust", 0, ScaleAccel)
	at.Selected = true
	b.AddDynParam(at)

	prop, err := b.Build()
	require.NoError(t, err)

	e := testEpoch()
	dt := 100.0
	s, err := prop.Propagate(e.Add(dt))
	require.NoError(t, err)

	jac, err := prop.ParameterJacobian(s)
	require.NoError(t, err)
	rows, cols := jac.Dims()
	require.Equal(t, 6, rows)
	require.Equal(t, 1, cols)

	// An along-track acceleration a shifts the velocity by a*dt along the
	// velocity direction, so |dV/da| is close to dt.
	dv := math.Sqrt(SQ(jac.At(3, 0)) + SQ(jac.At(4, 0)) + SQ(jac.At(5, 0)))
	assert.InDelta(t, dt, dv, 1.0)
}

func TestKeplerBuilderResetOrbit(t *testing.T) {
	s0 := circularState(testEpoch(), 7000e3)
	b := NewKeplerBuilder(testEpoch(), s0)

	e := testEpoch()
	s1 := circularState(e.Add(60), 7000e3)
	s1.Pos.Y = 450e3
	b.ResetOrbit(s1)

	assert.True(t, b.InitialEpoch().Equal(s1.Epoch))
	assert.Equal(t, 450e3, b.OrbitalParams().Find("py").Value())

	prop, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, 450e3, prop.InitialState().Pos.Y)
}

func TestKeplerDegenerateSeed(t *testing.T) {
	b := NewKeplerBuilder(testEpoch(), State{Epoch: testEpoch()})
	_, err := b.Build()
	assert.Error(t, err)
}
