// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

package gorbit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestNormalizeVecRoundTrip(t *testing.T) {
	scale := []float64{1e4, 1e1, 1}
	x := mat.NewVecDense(3, []float64{7000e3, 7.5e3, 2.2})

	n := NormalizeVec(x, scale)
	assert.InDelta(t, 700.0, n.AtVec(0), 1e-12)
	assert.InDelta(t, 750.0, n.AtVec(1), 1e-12)

	back := UnnormalizeVec(n, scale)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, x.AtVec(i), back.AtVec(i), 1e-9)
	}
}

func TestNormalizeCovRoundTrip(t *testing.T) {
	scale := []float64{2, 4}
	p := mat.NewDense(2, 2, []float64{16, 8, 8, 32})

	n := NormalizeCov(p, scale)
	assert.InDelta(t, 4.0, n.At(0, 0), 1e-12)   // 16 / (2*2)
	assert.InDelta(t, 1.0, n.At(0, 1), 1e-12)   // 8 / (2*4)
	assert.InDelta(t, 2.0, n.At(1, 1), 1e-12)   // 32 / (4*4)

	back := UnnormalizeCov(n, scale)
	assert.InDelta(t, 16.0, back.At(0, 0), 1e-12)
	assert.InDelta(t, 8.0, back.At(1, 0), 1e-12)
	assert.InDelta(t, 32.0, back.At(1, 1), 1e-12)
}

func TestNormalizeSTM(t *testing.T) {
	scale := []float64{2, 8}
	stm := mat.NewDense(2, 2, []float64{1, 3, 5, 1})

	NormalizeSTM(stm, scale)

	// stm[i][j] *= scale[j] / scale[i]
	assert.InDelta(t, 1.0, stm.At(0, 0), 1e-12)
	assert.InDelta(t, 12.0, stm.At(0, 1), 1e-12) // 3 * 8/2
	assert.InDelta(t, 1.25, stm.At(1, 0), 1e-12) // 5 * 2/8
	assert.InDelta(t, 1.0, stm.At(1, 1), 1e-12)
}
