// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements estimable parameter bookkeeping for sequential orbit determination.

package gorbit

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/slices"
)

// Param is one estimable scalar: an orbital state component, a dynamical
// parameter influencing trajectory evolution (e.g. an empirical acceleration),
// or an observation-source bias.
//
// The filter works on normalized values (value / scale) so that parameters of
// very different magnitudes condition the covariance matrix equally well.
// Setting a value clips it to the declared [Min, Max] interval.
type Param struct {
	Name     string  // Unique parameter name (shared dynamical parameters share the name)
	Min      float64 // Lower bound for the physical value
	Max      float64 // Upper bound for the physical value
	Scale    float64 // Normalization scale (must be non-zero)
	Selected bool    // True if the parameter is estimated by the filter
	RefEpoch *GTime  // Reference epoch for time-dependent parameters (nil until assigned)

	value float64 // Current physical value
}

// NewParam creates a parameter with unbounded range and the given scale.
func NewParam(name string, value, scale float64) *Param {
	return &Param{
		Name:  name,
		Min:   math.Inf(-1),
		Max:   math.Inf(1),
		Scale: scale,
		value: value,
	}
}

// NewBoundedParam creates a parameter with an allowed [min, max] interval.
// The initial value is clipped to the interval.
func NewBoundedParam(name string, value, scale, min, max float64) *Param {
	p := &Param{
		Name:  name,
		Min:   min,
		Max:   max,
		Scale: scale,
	}
	p.SetValue(value)
	return p
}

// Value returns the current physical value.
func (p *Param) Value() float64 {
	return p.value
}

// SetValue sets the physical value, clipping to the declared bounds.
func (p *Param) SetValue(v float64) {
	p.value = math.Min(math.Max(v, p.Min), p.Max)
}

// NormValue returns the normalized value (physical value / scale).
func (p *Param) NormValue() float64 {
	return p.value / p.Scale
}

// SetNormValue sets the value from a normalized one, clipping to bounds.
func (p *Param) SetNormValue(v float64) {
	p.SetValue(v * p.Scale)
}

// CheckValid reports configuration errors that would poison the filter math.
func (p *Param) CheckValid() error {
	if p.Scale == 0 {
		return fmt.Errorf("parameter %s has zero scale", p.Name)
	}
	if p.Min > p.Max {
		return fmt.Errorf("parameter %s has empty range [%g, %g]", p.Name, p.Min, p.Max)
	}
	return nil
}

// ParamList is an ordered collection of parameters.
type ParamList []*Param

// Selected returns the sub-list of selected (estimated) parameters,
// preserving order.
func (l ParamList) Selected() ParamList {
	sel := ParamList{}
	for _, p := range l {
		if p.Selected {
			sel = append(sel, p)
		}
	}
	return sel
}

// Find returns the first parameter with the given name, or nil.
func (l ParamList) Find(name string) *Param {
	i := slices.IndexFunc(l, func(p *Param) bool { return p.Name == name })
	if i < 0 {
		return nil
	}
	return l[i]
}

// Names returns the parameter names in list order.
func (l ParamList) Names() []string {
	names := make([]string, len(l))
	for i, p := range l {
		names[i] = p.Name
	}
	return names
}

// SortedByName returns a copy of the list sorted by name. Used for the shared
// dynamical-parameter block whose column order must be deterministic.
func (l ParamList) SortedByName() ParamList {
	l2 := make(ParamList, len(l))
	copy(l2, l)
	sort.Slice(l2, func(i, j int) bool { return l2[i].Name < l2[j].Name })
	return l2
}
