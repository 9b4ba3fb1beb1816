// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements normalization of state vectors and covariance matrices. The
// filter runs entirely in normalized space: value / scale per column, and
// cov[i][j] / (scale[i]*scale[j]) per matrix entry.

package gorbit

import (
	"gonum.org/v1/gonum/mat"
)

// NormalizeVec converts a physical state vector to normalized units.
func NormalizeVec(physical *mat.VecDense, scale []float64) *mat.VecDense {
	n := physical.Len()
	v := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		v.SetVec(i, physical.AtVec(i)/scale[i])
	}
	return v
}

// UnnormalizeVec converts a normalized state vector back to physical units.
func UnnormalizeVec(normalized *mat.VecDense, scale []float64) *mat.VecDense {
	n := normalized.Len()
	v := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		v.SetVec(i, normalized.AtVec(i)*scale[i])
	}
	return v
}

// NormalizeCov converts a physical covariance matrix to normalized units.
func NormalizeCov(physical *mat.Dense, scale []float64) *mat.Dense {
	n, _ := physical.Dims()
	c := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			c.Set(i, j, physical.At(i, j)/(scale[i]*scale[j]))
		}
	}
	return c
}

// UnnormalizeCov converts a normalized covariance matrix back to physical units.
func UnnormalizeCov(normalized *mat.Dense, scale []float64) *mat.Dense {
	n, _ := normalized.Dims()
	c := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			c.Set(i, j, normalized.At(i, j)*(scale[i]*scale[j]))
		}
	}
	return c
}

// NormalizeSTM rescales a physical state transition matrix in place:
// stm[i][j] *= scale[j]/scale[i].
func NormalizeSTM(stm *mat.Dense, scale []float64) {
	n, _ := stm.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			stm.Set(i, j, stm.At(i, j)*scale[j]/scale[i])
		}
	}
}
