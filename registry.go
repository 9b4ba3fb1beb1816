// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements the estimated-parameter registry and the column layout of the
// filter state vector.

package gorbit

import (
	"fmt"
	"strings"
)

// Registry indexes every estimable parameter and assigns each selected one a
// stable column in the filter state vector. The state vector is partitioned in
// three contiguous blocks:
//
//	| orbital (per trajectory) | dynamical (shared, sorted) | observation-source |
//
// Orbital parameters never share columns. Dynamical parameters appearing in
// several trajectories under the same name share a single column. Observation
// source parameters occupy one column per unique name.
type Registry struct {
	refEpoch GTime

	trajOrbital []ParamList   // Per trajectory: full orbital parameter list (selected or not)
	trajDyn     []ParamList   // Per trajectory: full dynamical parameter list
	measParams  ParamList     // Observation-source parameters (all selected)

	built       bool
	allOrbital  ParamList           // Selected orbital parameters, trajectory order
	allDyn      ParamList           // Selected dynamical parameters, dedup by name, sorted
	dynAliases  map[string]ParamList // All Param instances behind one shared dynamical column
	orbitsStart []int
	orbitsEnd   []int
	selDyn      []ParamList // Per trajectory: selected dynamical parameters
	columns     map[string]int
	scale       []float64
}

// NewRegistry creates an empty registry. refEpoch is assigned to every
// registered parameter that lacks a reference epoch; time-dependent parameter
// drift is measured relative to it.
func NewRegistry(refEpoch GTime) *Registry {
	return &Registry{
		refEpoch:   refEpoch,
		dynAliases: map[string]ParamList{},
		columns:    map[string]int{},
	}
}

// RegisterTrajectory registers the orbital and dynamical parameters of one
// trajectory. Orbital parameters are registered whether selected or not (the
// full list is needed for column collapse and for process-noise dimension
// checks). Must be called before Build.
func (r *Registry) RegisterTrajectory(orbital, dynamical ParamList) error {
	if r.built {
		return fmt.Errorf("registry is already built")
	}
	for _, p := range append(append(ParamList{}, orbital...), dynamical...) {
		if err := p.CheckValid(); err != nil {
			return err
		}
		if p.RefEpoch == nil {
			e := r.refEpoch
			p.RefEpoch = &e
		}
	}
	r.trajOrbital = append(r.trajOrbital, orbital)
	r.trajDyn = append(r.trajDyn, dynamical)
	return nil
}

// RegisterObservationParameters registers pre-selected observation-source
// parameters (station biases etc). Registering an unselected parameter is a
// configuration error: the filter would have no column to estimate it in.
func (r *Registry) RegisterObservationParameters(params ParamList) error {
	if r.built {
		return fmt.Errorf("registry is already built")
	}
	for _, p := range params {
		if err := p.CheckValid(); err != nil {
			return err
		}
		if !p.Selected {
			return fmt.Errorf("observation parameter %s is registered but not selected", p.Name)
		}
		if p.RefEpoch == nil {
			e := r.refEpoch
			p.RefEpoch = &e
		}
		r.measParams = append(r.measParams, p)
	}
	return nil
}

// Build freezes the registrations and computes the column layout. After Build
// the layout is read-only; further registrations are rejected.
func (r *Registry) Build() error {
	if r.built {
		return fmt.Errorf("registry is already built")
	}

	nTraj := len(r.trajOrbital)
	r.orbitsStart = make([]int, nTraj)
	r.orbitsEnd = make([]int, nTraj)
	r.selDyn = make([]ParamList, nTraj)

	// Orbital block: grouped per trajectory, [k] suffix when several
	// trajectories are estimated so that names stay unique.
	col := 0
	for k := 0; k < nTraj; k++ {
		r.orbitsStart[k] = col
		for _, p := range r.trajOrbital[k] {
			if nTraj > 1 && !strings.HasSuffix(p.Name, fmt.Sprintf("[%d]", k)) {
				p.Name = fmt.Sprintf("%s[%d]", p.Name, k)
			}
			if p.Selected {
				r.allOrbital = append(r.allOrbital, p)
				r.columns[p.Name] = col
				col++
			}
		}
		r.orbitsEnd[k] = col
	}

	// Dynamical block: dedup by name across trajectories, one shared column
	// per name, deterministic (sorted) order.
	for k := 0; k < nTraj; k++ {
		for _, p := range r.trajDyn[k] {
			if !p.Selected {
				continue
			}
			r.selDyn[k] = append(r.selDyn[k], p)
			if len(r.dynAliases[p.Name]) == 0 {
				r.allDyn = append(r.allDyn, p)
			} else if r.dynAliases[p.Name][0].Scale != p.Scale {
				return fmt.Errorf("shared parameter %s has conflicting scales %g and %g",
					p.Name, r.dynAliases[p.Name][0].Scale, p.Scale)
			}
			r.dynAliases[p.Name] = append(r.dynAliases[p.Name], p)
		}
	}
	r.allDyn = r.allDyn.SortedByName()
	for _, p := range r.allDyn {
		if _, ok := r.columns[p.Name]; ok {
			return fmt.Errorf("dynamical parameter %s clashes with an existing column", p.Name)
		}
		r.columns[p.Name] = col
		col++
	}

	// Observation-source block: one column per unique name.
	for _, p := range r.measParams {
		if _, ok := r.columns[p.Name]; ok {
			return fmt.Errorf("observation parameter %s clashes with an existing column", p.Name)
		}
		r.columns[p.Name] = col
		col++
	}

	// Scale factors, in column order.
	r.scale = make([]float64, 0, col)
	for _, p := range r.allOrbital {
		r.scale = append(r.scale, p.Scale)
	}
	for _, p := range r.allDyn {
		r.scale = append(r.scale, p.Scale)
	}
	for _, p := range r.measParams {
		r.scale = append(r.scale, p.Scale)
	}

	r.built = true
	return nil
}

// Dim returns the state vector dimension (number of columns).
func (r *Registry) Dim() int {
	return len(r.scale)
}

// NumTrajectories returns the number of registered trajectories.
func (r *Registry) NumTrajectories() int {
	return len(r.trajOrbital)
}

// ColumnOf resolves a selected parameter name to its state vector column.
func (r *Registry) ColumnOf(name string) (int, bool) {
	c, ok := r.columns[name]
	return c, ok
}

// Scale returns the per-column normalization scales. The returned slice is
// the registry's own storage and must not be modified.
func (r *Registry) Scale() []float64 {
	return r.scale
}

// RefEpoch returns the reference epoch assigned to parameters lacking one.
func (r *Registry) RefEpoch() GTime {
	return r.refEpoch
}

// OrbitsStart returns the first orbital column of trajectory k.
func (r *Registry) OrbitsStart(k int) int {
	return r.orbitsStart[k]
}

// OrbitsEnd returns one past the last orbital column of trajectory k.
func (r *Registry) OrbitsEnd(k int) int {
	return r.orbitsEnd[k]
}

// OrbitalParams returns the full orbital parameter list of trajectory k,
// selected or not, in registration order.
func (r *Registry) OrbitalParams(k int) ParamList {
	return r.trajOrbital[k]
}

// DynParams returns the selected dynamical parameters of trajectory k.
func (r *Registry) DynParams(k int) ParamList {
	return r.selDyn[k]
}

// AllOrbital returns all selected orbital parameters in column order.
func (r *Registry) AllOrbital() ParamList {
	return r.allOrbital
}

// AllDyn returns the deduplicated selected dynamical parameters in column order.
func (r *Registry) AllDyn() ParamList {
	return r.allDyn
}

// MeasParams returns the observation-source parameters in column order.
func (r *Registry) MeasParams() ParamList {
	return r.measParams
}

// SetSharedValue writes a physical value through every Param instance that
// shares the named dynamical column, clipping in each instance. Returns the
// value after clipping by the canonical (first) instance.
func (r *Registry) SetSharedValue(name string, v float64) float64 {
	aliases := r.dynAliases[name]
	for _, p := range aliases {
		p.SetValue(v)
	}
	if len(aliases) > 0 {
		return aliases[0].Value()
	}
	return v
}

// Indirection builds the local-row to global-column table for trajectory k,
// used to scatter that trajectory's process-noise block into the full matrix.
// Local rows run over all orbital parameters of k (selected or not), then k's
// selected dynamical parameters, then the observation-source parameters.
// Unselected local rows map to -1.
func (r *Registry) Indirection(k int) []int {
	ind := []int{}
	for _, p := range r.trajOrbital[k] {
		if c, ok := r.columns[p.Name]; ok && p.Selected {
			ind = append(ind, c)
		} else {
			ind = append(ind, -1)
		}
	}
	for _, p := range r.selDyn[k] {
		ind = append(ind, r.columns[p.Name])
	}
	for _, p := range r.measParams {
		ind = append(ind, r.columns[p.Name])
	}
	return ind
}

// CheckDimension verifies that a process-noise block supplied for trajectory k
// has the dimension implied by the declared parameter counts: all orbital
// parameters of k plus k's selected dynamical parameters plus the selected
// observation-source parameters. A mismatch is a fatal consistency error.
func (r *Registry) CheckDimension(dim, k int) error {
	required := len(r.trajOrbital[k]) + len(r.selDyn[k]) + len(r.measParams)
	if dim == required {
		return nil
	}
	names := append(append([]string{}, r.trajOrbital[k].Names()...), r.selDyn[k].Names()...)
	names = append(names, r.measParams.Names()...)
	return fmt.Errorf("dimension %d inconsistent with parameters %s (required %d)",
		dim, strings.Join(names, ", "), required)
}
