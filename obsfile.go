// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

// Implements reading of the observation file.
//
// The file is plain text, one record per line, comma separated, '#' starts a
// comment. Station and bias records must precede the observations using them:
//
//	sta,<name>,<lat deg>,<lon deg>,<height m>
//	bias,<station>,<initial m>,<min m>,<max m>
//	range,<time>,<station>,<traj>,<value m>,<sigma m>
//	rate,<time>,<station>,<traj>,<value m/s>,<sigma m/s>
//	azel,<time>,<station>,<traj>,<az deg>,<el deg>,<sigma az deg>,<sigma el deg>
//	posvel,<time>,<traj>,<x>,<y>,<z>,<vx>,<vy>,<vz>,<sigma pos m>,<sigma vel m/s>
//
// Times are GPST formatted as 2006/01/02 15:04:05.000 (fraction optional).

package gorbit

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// ObsFile holds the parsed content of one observation file. Meas is sorted by
// epoch; Biases holds one selected estimable bias parameter per bias record,
// shared by every range/rate observation of that station.
type ObsFile struct {
	Stations map[string]PosXYZ
	Biases   ParamList
	Meas     []Measurement
}

// ReadObsFile parses an observation file.
func ReadObsFile(r io.Reader) (*ObsFile, error) {
	o := &ObsFile{Stations: map[string]PosXYZ{}}
	biases := map[string]*Param{}

	num := 0
	s := bufio.NewScanner(r)
	for s.Scan() {
		num++
		l := s.Text()
		if i := strings.IndexByte(l, '#'); i >= 0 {
			l = l[:i]
		}
		l = strings.TrimSpace(l)
		if len(l) == 0 {
			continue
		}

		la := strings.Split(l, ",")
		for i := range la {
			la[i] = strings.TrimSpace(la[i])
		}

		var err error
		switch strings.ToLower(la[0]) {
		case "sta":
			err = o.parseSta(la)
		case "bias":
			err = o.parseBias(la, biases)
		case "range":
			err = o.parseRange(la, biases)
		case "rate":
			err = o.parseRate(la, biases)
		case "azel":
			err = o.parseAzEl(la)
		case "posvel":
			err = o.parsePosVel(la)
		default:
			err = fmt.Errorf("unknown record type %s", la[0])
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", num, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("reading observation file failed, err= %s", err.Error())
	}

	slices.SortStableFunc(o.Meas, func(a, b Measurement) int {
		ae, be := a.Epoch(), b.Epoch()
		if ae.Less(be, false) {
			return -1
		}
		if be.Less(ae, false) {
			return 1
		}
		return 0
	})
	return o, nil
}

func (o *ObsFile) parseSta(la []string) error {
	if len(la) != 5 {
		return fmt.Errorf("sta record needs 5 fields, got %d", len(la))
	}
	v, err := parseFloats(la[2:])
	if err != nil {
		return err
	}
	llh := PosLLH{Lat: ToRad(v[0]), Lon: ToRad(v[1]), Hei: v[2]}
	o.Stations[la[1]] = llh.ToXYZ()
	return nil
}

func (o *ObsFile) parseBias(la []string, biases map[string]*Param) error {
	if len(la) != 5 {
		return fmt.Errorf("bias record needs 5 fields, got %d", len(la))
	}
	if _, ok := o.Stations[la[1]]; !ok {
		return fmt.Errorf("bias record references unknown station %s", la[1])
	}
	if _, ok := biases[la[1]]; ok {
		return fmt.Errorf("duplicate bias record for station %s", la[1])
	}
	v, err := parseFloats(la[2:])
	if err != nil {
		return err
	}
	p := NewBoundedParam(fmt.Sprintf("bias[%s]", la[1]), v[0], ScaleBias, v[1], v[2])
	p.Selected = true
	biases[la[1]] = p
	o.Biases = append(o.Biases, p)
	return nil
}

func (o *ObsFile) parseRange(la []string, biases map[string]*Param) error {
	epoch, sta, traj, v, err := o.parseStaObs(la, 2)
	if err != nil {
		return err
	}
	o.Meas = append(o.Meas, NewRange(epoch, o.Stations[sta], traj, v[0], v[1], biases[sta]))
	return nil
}

func (o *ObsFile) parseRate(la []string, biases map[string]*Param) error {
	epoch, sta, traj, v, err := o.parseStaObs(la, 2)
	if err != nil {
		return err
	}
	o.Meas = append(o.Meas, NewRangeRate(epoch, o.Stations[sta], traj, v[0], v[1], biases[sta]))
	return nil
}

func (o *ObsFile) parseAzEl(la []string) error {
	epoch, sta, traj, v, err := o.parseStaObs(la, 4)
	if err != nil {
		return err
	}
	o.Meas = append(o.Meas, NewAzEl(epoch, o.Stations[sta], traj,
		ToRad(v[0]), ToRad(v[1]), ToRad(v[2]), ToRad(v[3])))
	return nil
}

func (o *ObsFile) parsePosVel(la []string) error {
	if len(la) != 11 {
		return fmt.Errorf("posvel record needs 11 fields, got %d", len(la))
	}
	epoch, err := parseObsTime(la[1])
	if err != nil {
		return err
	}
	traj, err := strconv.Atoi(la[2])
	if err != nil {
		return fmt.Errorf("invalid trajectory index %s", la[2])
	}
	v, err := parseFloats(la[3:])
	if err != nil {
		return err
	}
	sp, sv := v[6], v[7]
	o.Meas = append(o.Meas, NewPosVel(epoch, traj, v[:6], []float64{sp, sp, sp, sv, sv, sv}))
	return nil
}

// parseStaObs parses the common prefix of station-based observation records
// (time, station, trajectory index) plus nv trailing values.
func (o *ObsFile) parseStaObs(la []string, nv int) (GTime, string, int, []float64, error) {
	if len(la) != 4+nv {
		return GTime{}, "", 0, nil, fmt.Errorf("%s record needs %d fields, got %d", la[0], 4+nv, len(la))
	}
	epoch, err := parseObsTime(la[1])
	if err != nil {
		return GTime{}, "", 0, nil, err
	}
	sta := la[2]
	if _, ok := o.Stations[sta]; !ok {
		return GTime{}, "", 0, nil, fmt.Errorf("%s record references unknown station %s", la[0], sta)
	}
	traj, err := strconv.Atoi(la[3])
	if err != nil {
		return GTime{}, "", 0, nil, fmt.Errorf("invalid trajectory index %s", la[3])
	}
	v, err := parseFloats(la[4:])
	if err != nil {
		return GTime{}, "", 0, nil, err
	}
	return epoch, sta, traj, v, nil
}

func parseObsTime(s string) (GTime, error) {
	for _, layout := range []string{"2006/01/02 15:04:05.000", "2006/01/02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return *NewGTime(t), nil
		}
	}
	return GTime{}, fmt.Errorf("invalid time %s", s)
}

func parseFloats(la []string) ([]float64, error) {
	v := make([]float64, len(la))
	for i, a := range la {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", a)
		}
		v[i] = f
	}
	return v, nil
}
