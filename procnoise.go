// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements process-noise composition: per-trajectory local noise blocks are
// scattered into one consistent full-state matrix through precomputed
// indirection tables.

package gorbit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// NoiseProvider supplies the physical process-noise block of one trajectory.
// The block is dimensioned to the trajectory's own parameter count: all of
// its orbital parameters, its selected dynamical parameters and the selected
// observation-source parameters.
//
// A nil previous state requests the initial covariance seed instead of a
// between-steps noise contribution.
type NoiseProvider interface {
	ProcessNoise(previous *State, current State) *mat.Dense
}

// ConstantNoise is a NoiseProvider returning fixed matrices: an initial
// covariance seed and a per-step process noise block.
type ConstantNoise struct {
	Initial *mat.Dense // Initial covariance seed (physical units)
	Q       *mat.Dense // Per-step process noise (physical units)
}

func NewConstantNoise(initial, q *mat.Dense) *ConstantNoise {
	return &ConstantNoise{Initial: initial, Q: q}
}

// NewDiagonalNoise builds a ConstantNoise with diagonal initial covariance
// and diagonal per-step process noise (variances, physical units).
func NewDiagonalNoise(initialVar, stepVar []float64) *ConstantNoise {
	n := len(initialVar)
	p0 := mat.NewDense(n, n, nil)
	q := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		p0.Set(i, i, initialVar[i])
		q.Set(i, i, stepVar[i])
	}
	return &ConstantNoise{Initial: p0, Q: q}
}

func (c *ConstantNoise) ProcessNoise(previous *State, current State) *mat.Dense {
	if previous == nil {
		return c.Initial
	}
	return c.Q
}

// noiseComposer scatters per-trajectory noise blocks into the full normalized
// state noise matrix. The indirection tables are built once at construction
// and are read-only afterwards.
type noiseComposer struct {
	providers   []NoiseProvider
	reg         *Registry
	indirection [][]int // Per trajectory: local row -> global column, -1 if absent
}

func newNoiseComposer(providers []NoiseProvider, reg *Registry) (*noiseComposer, error) {
	if len(providers) != reg.NumTrajectories() {
		return nil, fmt.Errorf("got %d noise providers for %d trajectories",
			len(providers), reg.NumTrajectories())
	}
	ind := make([][]int, len(providers))
	for k := range providers {
		ind[k] = reg.Indirection(k)
	}
	return &noiseComposer{providers: providers, reg: reg, indirection: ind}, nil
}

// compose builds the full normalized noise matrix for one step. previous is
// nil on the very first call, in which case the providers return the initial
// covariance seed.
func (nc *noiseComposer) compose(previous, current []State) (*mat.Dense, error) {
	m := nc.reg.Dim()
	physical := mat.NewDense(m, m, nil)
	for k, provider := range nc.providers {
		var prevK *State
		if previous != nil {
			prevK = &previous[k]
		}
		block := provider.ProcessNoise(prevK, current[k])
		rows, cols := block.Dims()
		if rows != cols {
			return nil, fmt.Errorf("noise block of trajectory %d is not square (%d x %d)", k, rows, cols)
		}
		if err := nc.reg.CheckDimension(rows, k); err != nil {
			return nil, fmt.Errorf("noise block of trajectory %d: %w", k, err)
		}
		indK := nc.indirection[k]
		for i := 0; i < rows; i++ {
			if indK[i] < 0 {
				continue
			}
			for j := 0; j < rows; j++ {
				if indK[j] >= 0 {
					physical.Set(indK[i], indK[j], block.At(i, j))
				}
			}
		}
	}
	return NormalizeCov(physical, nc.reg.Scale()), nil
}
