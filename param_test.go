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
	"github.com/stretchr/testify/require"
)

func TestParamClipping(t *testing.T) {
	p := NewBoundedParam("drag", 5, 1, -2, 2)
	assert.Equal(t, 2.0, p.Value(), "initial value must be clipped to the upper bound")

	p.SetValue(-10)
	assert.Equal(t, -2.0, p.Value())

	p.SetValue(1.5)
	assert.Equal(t, 1.5, p.Value())
}

func TestParamNormalization(t *testing.T) {
	p := NewParam("px", 7000e3, ScalePos)
	assert.InDelta(t, 700.0, p.NormValue(), 1e-12)

	p.SetNormValue(701.0)
	assert.InDelta(t, 7010e3, p.Value(), 1e-6)
}

func TestParamCheckValid(t *testing.T) {
	tests := []struct {
		name  string
		param *Param
		ok    bool
	}{
		{"valid", NewParam("a", 0, 1), true},
		{"zero scale", &Param{Name: "b", Min: -1, Max: 1, Scale: 0}, false},
		{"empty range", &Param{Name: "c", Min: 1, Max: -1, Scale: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.param.CheckValid()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParamListSelectedAndFind(t *testing.T) {
	a := NewParam("a", 1, 1)
	b := NewParam("b", 2, 1)
	b.Selected = true
	l := ParamList{a, b}

	sel := l.Selected()
	require.Len(t, sel, 1)
	assert.Same(t, b, sel[0])

	assert.Same(t, a, l.Find("a"))
	assert.Nil(t, l.Find("missing"))
}

func TestParamListSortedByName(t *testing.T) {
	l := ParamList{NewParam("cr", 0, 1), NewParam("athrust", 0, 1), NewParam("cd", 0, 1)}
	sorted := l.SortedByName()
	assert.Equal(t, []string{"athrust", "cd", "cr"}, sorted.Names())
	// Original order is untouched
	assert.Equal(t, []string{"cr", "athrust", "cd"}, l.Names())
}
