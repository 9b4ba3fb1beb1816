// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements assembly of the normalized error state transition matrix and the
// normalized measurement matrix for one filter step.

package gorbit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Evolution is the transient output of one prediction/linearization step,
// consumed immediately by the correction driver and then discarded.
type Evolution struct {
	Epoch GTime
	State *mat.VecDense // Predicted normalized state (m x 1)
	STM   *mat.Dense    // Normalized error state transition matrix (m x m)
	Noise *mat.Dense    // Normalized process noise (m x m)
	H     *mat.Dense    // Normalized measurement matrix (n x m)
}

// makeSTM builds the normalized error state transition matrix from the
// previous epoch to the current one.
//
// The matrix is identity-seeded: dynamical and observation-source parameters
// do not evolve under pure time advance. For each trajectory the 6x6
// state-to-state Jacobian is scattered into that trajectory's orbital columns
// (unselected orbital components collapse, leaving no gaps) and the 6xk
// state-to-parameter Jacobian into the shared dynamical columns. Finally the
// matrix is normalized: stm[i][j] *= scale[j]/scale[i].
func (f *Filter) makeSTM() (*mat.Dense, error) {
	m := f.reg.Dim()
	stm := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		stm.Set(i, i, 1)
	}

	for k := range f.trajs {
		dYdY0, err := f.trajs[k].prop.StateJacobian(f.predStates[k])
		if err != nil {
			return nil, fmt.Errorf("state Jacobian of trajectory %d failed, err= %s", k, err.Error())
		}

		// Orbital block: collapse unselected rows and columns
		orbital := f.reg.OrbitalParams(k)
		iOrb := f.reg.OrbitsStart(k)
		for i := 0; i < 6; i++ {
			if !orbital[i].Selected {
				continue
			}
			jOrb := f.reg.OrbitsStart(k)
			for j := 0; j < 6; j++ {
				if orbital[j].Selected {
					stm.Set(iOrb, jOrb, dYdY0.At(i, j))
					jOrb++
				}
			}
			iOrb++
		}

		// State-to-parameter block
		dyn := f.reg.DynParams(k)
		if len(dyn) > 0 {
			dYdPp, err := f.trajs[k].prop.ParameterJacobian(f.predStates[k])
			if err != nil {
				return nil, fmt.Errorf("parameter Jacobian of trajectory %d failed, err= %s", k, err.Error())
			}
			iOrb = f.reg.OrbitsStart(k)
			for i := 0; i < 6; i++ {
				if !orbital[i].Selected {
					continue
				}
				for j, p := range dyn {
					col, ok := f.reg.ColumnOf(p.Name)
					if !ok {
						return nil, fmt.Errorf("dynamical parameter %s has no column", p.Name)
					}
					stm.Set(iOrb, col, dYdPp.At(i, j))
				}
				iOrb++
			}
		}
	}

	NormalizeSTM(stm, f.reg.Scale())
	return stm, nil
}

// makeH builds the normalized measurement matrix H (n x m) for the evaluated
// observation by the chain rule: derivative of the observation with respect
// to Cartesian coordinates (from the model evaluation) times the derivative
// of the coordinates with respect to the orbital parameters (from the
// trajectory), divided by sigma per row and multiplied by scale per column.
// Columns of trajectories and parameters the observation does not depend on
// stay zero.
func (f *Filter) makeH(meas Measurement, eval *MeasEval) (*mat.Dense, error) {
	n := meas.Dimension()
	m := f.reg.Dim()
	sigma := meas.StdDev()
	for i, s := range sigma {
		if s <= 0 {
			return nil, fmt.Errorf("observation noise sigma[%d]= %g must be positive", i, s)
		}
	}

	H := mat.NewDense(n, m, nil)

	for idx, k := range meas.TrajIndices() {
		// Jacobian of the measurement with respect to the orbital parameters
		dMdC := eval.StateDeriv[idx]
		dCdY := f.trajs[k].prop.OrbitJacobian(eval.States[idx])
		var dMdY mat.Dense
		dMdY.Mul(dMdC, dCdY)

		// Columns related to this trajectory's orbital parameters
		orbital := f.reg.OrbitalParams(k)
		for i := 0; i < n; i++ {
			jOrb := f.reg.OrbitsStart(k)
			for j := 0; j < 6; j++ {
				if orbital[j].Selected {
					H.Set(i, jOrb, dMdY.At(i, j)/sigma[i]*orbital[j].Scale)
					jOrb++
				}
			}
		}

		// Columns related to this trajectory's dynamical parameters
		dyn := f.reg.DynParams(k)
		if len(dyn) > 0 {
			dYdPp, err := f.trajs[k].prop.ParameterJacobian(eval.States[idx])
			if err != nil {
				return nil, fmt.Errorf("parameter Jacobian of trajectory %d failed, err= %s", k, err.Error())
			}
			var dMdPp mat.Dense
			dMdPp.Mul(&dMdY, dYdPp)
			for j, p := range dyn {
				col, ok := f.reg.ColumnOf(p.Name)
				if !ok {
					return nil, fmt.Errorf("dynamical parameter %s has no column", p.Name)
				}
				for i := 0; i < n; i++ {
					H.Set(i, col, dMdPp.At(i, j)/sigma[i]*p.Scale)
				}
			}
		}
	}

	// Columns related to observation-source parameters
	for _, p := range meas.Params() {
		if !p.Selected {
			continue
		}
		col, ok := f.reg.ColumnOf(p.Name)
		if !ok {
			return nil, fmt.Errorf("observation parameter %s is referenced but not registered", p.Name)
		}
		deriv, ok := eval.ParamDeriv[p.Name]
		if !ok {
			continue
		}
		for i := 0; i < n; i++ {
			H.Set(i, col, deriv[i]/sigma[i]*p.Scale)
		}
	}

	return H, nil
}
