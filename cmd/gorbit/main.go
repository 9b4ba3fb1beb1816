// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	m "github.com/mkhts/gorbit"
)

func main() {

	// Parse command line arguments
	args, err := parseArgs()
	if err != nil {
		m.PrintE(err)
		flag.Usage()
		os.Exit(1)
	}

	// Run the main application
	if err := runApplication(args); err != nil {
		m.PrintE(err)
		os.Exit(1)
	}
}

// Main application processing
func runApplication(args cmdOpt) error {

	// Load observation file
	obsf, err := loadObsFile(args.obsFn)
	if err != nil {
		return fmt.Errorf("failed to load observation file: %w", err)
	}

	if m.DBG_ >= 1 {
		m.PrintA("--- obs data (%s): %d stations, %d observations ---\n",
			filepath.Base(args.obsFn), len(obsf.Stations), len(obsf.Meas))
	}

	// Assemble the estimator
	est, err := setupEstimator(args, obsf)
	if err != nil {
		return fmt.Errorf("failed to set up estimator: %w", err)
	}

	// Prepare output file
	out, err := prepareOutput(args)
	if err != nil {
		return fmt.Errorf("failed to prepare output: %w", err)
	}
	defer closeOutput(out)

	// Print header
	if !args.noHeader {
		printSolHeader(out, os.Args[0], args, obsf)
	}

	// Process observations
	return processObservations(args, est, obsf, out)
}

// Load observation file
func loadObsFile(fn string) (*m.ObsFile, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return m.ReadObsFile(f)
}

// Assemble trajectory builder, noise provider and estimator from the options
func setupEstimator(args cmdOpt, obsf *m.ObsFile) (*m.Estimator, error) {

	s0 := m.StateFromVec6(args.t0, args.state[:])
	builder := m.NewKeplerBuilder(args.t0, s0)

	initVar := []float64{}
	stepVar := []float64{}
	for i := 0; i < 3; i++ {
		initVar = append(initVar, m.SQ(args.sigmaPos))
		stepVar = append(stepVar, m.SQ(args.qPos))
	}
	for i := 0; i < 3; i++ {
		initVar = append(initVar, m.SQ(args.sigmaVel))
		stepVar = append(stepVar, m.SQ(args.qVel))
	}

	// Optional along-track acceleration parameter
	if args.sigmaAcc > 0 {
		p := m.NewParam("athrust", 0, m.ScaleAccel)
		p.Selected = true
		builder.AddDynParam(p)
		initVar = append(initVar, m.SQ(args.sigmaAcc))
		stepVar = append(stepVar, m.SQ(args.qAcc))
	}

	// Station bias parameters declared in the observation file
	for range obsf.Biases {
		initVar = append(initVar, m.SQ(m.ScaleBias))
		stepVar = append(stepVar, 0)
	}

	noise := m.NewDiagonalNoise(initVar, stepVar)

	filter, err := m.NewFilter(
		[]m.TrajectoryBuilder{builder},
		[]m.NoiseProvider{noise},
		obsf.Biases,
	)
	if err != nil {
		return nil, err
	}

	opt := m.NewEstimOpt()
	opt.NoChiTest = args.noChiTest
	return m.NewEstimator(filter, opt), nil
}

// Build the configured outlier gates. The gates are shared by every
// observation so that their warmup counters accumulate across the run.
func buildGates(args cmdOpt) []m.Modifier {
	gates := []m.Modifier{}
	if args.gateStatic > 0 {
		gates = append(gates, m.NewStaticOutlierGate(args.gateWarmup, args.gateStatic))
	}
	if args.gateDynamic > 0 {
		gates = append(gates, m.NewDynamicOutlierGate(args.gateWarmup, args.gateDynamic))
	}
	return gates
}

// Prepare output file
func prepareOutput(args cmdOpt) (io.WriteCloser, error) {

	// Use stdout if no output file is specified
	if len(args.solFn) == 0 {
		return &nopCloser{os.Stdout}, nil
	}

	// Create output file
	solf, err := os.Create(args.solFn)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return solf, nil
}

// Close output file
func closeOutput(out io.WriteCloser) {
	if out != nil {
		out.Close()
	}
}

// Process observations
func processObservations(args cmdOpt, est *m.Estimator, obsf *m.ObsFile, out io.Writer) error {

	resAll := []float64{}
	nRej := 0
	gates := buildGates(args)

	for _, meas := range obsf.Meas {
		if !shouldProcess(meas, args) {
			continue
		}

		m.PrintD(2, "\n>>> %s\n", meas.Epoch().ToTime().UTC())
		if am, ok := meas.(interface{ AddModifier(m.Modifier) }); ok {
			for _, g := range gates {
				am.AddModifier(g)
			}
		}

		r, err := est.ProcessMeasurement(meas)
		if err != nil {
			var step *m.StepError
			if errors.As(err, &step) {
				m.PrintB(meas.Epoch(), "Error processing observation: %s\n", step.Err.Error())
				continue
			}
			return err
		}

		printSol(r, meas, out)

		if r.Rejected {
			nRej++
		} else {
			resAll = append(resAll, m.Residuals(meas, r.CorrEval)...)
		}
	}

	// Residual statistics over all accepted observations
	if len(resAll) > 0 {
		mean := stat.Mean(resAll, nil)
		std := stat.StdDev(resAll, nil)
		rms := 0.0
		for _, v := range resAll {
			rms += v * v
		}
		rms = math.Sqrt(rms / float64(len(resAll)))
		m.PrintA("residuals : n=%d rejected=%d mean=%.4f std=%.4f rms=%.4f\n",
			len(resAll), nRej, mean, std, rms)
	}

	return nil
}

// Filter observations by the processing time window
func shouldProcess(meas m.Measurement, args cmdOpt) bool {
	t := meas.Epoch()

	// Skip observations before processing start time
	if t.Before(args.ts, true) {
		return false
	}

	// Stop after processing end time
	if t.After(args.te, true) {
		return false
	}

	// Skip observations whose epoch is not divisible by the specified interval
	if args.ti > 0 && !t.Divisible(args.ti) {
		return false
	}

	return true
}

// Print solution file header
func printSolHeader(out io.Writer, cmd string, args cmdOpt, obsf *m.ObsFile) {
	fmt.Fprintf(out, "%% program   : %s\n", filepath.Base(cmd))
	fmt.Fprintf(out, "%% inp file  : %s\n", args.obsFn)
	fmt.Fprintf(out, "%% epoch     : %s\n", gtimeStr(args.t0))
	fmt.Fprintf(out, "%% init state: %.3f %.3f %.3f %.6f %.6f %.6f\n",
		args.state[0], args.state[1], args.state[2], args.state[3], args.state[4], args.state[5])
	for name, pos := range obsf.Stations {
		llh := pos.ToLLH()
		fmt.Fprintf(out, "%% station   : %s %.8f %.8f %.3f\n", name, m.ToDeg(llh.Lat), m.ToDeg(llh.Lon), llh.Hei)
	}
	if len(obsf.Meas) > 0 {
		fmt.Fprintf(out, "%% obs start : %s\n", gtimeStr(obsf.Meas[0].Epoch()))
		fmt.Fprintf(out, "%% obs end   : %s\n", gtimeStr(obsf.Meas[len(obsf.Meas)-1].Epoch()))
	}
	fmt.Fprintf(out, "%%  GPST                        x(m)           y(m)           z(m)    vx(m/s)    vy(m/s)    vz(m/s)  Q   n  sig_pos(m)     res\n")
}

// Return epoch date and time as string
func gtimeStr(t m.GTime) string {
	return fmt.Sprintf("%s(UTC) (week%d %7.1fs)(GPST)", t.ToTime().UTC().Format("2006/01/02 15:04:05.000"), t.Week, t.Sec)
}

// Output one solution line
func printSol(r *m.Result, meas m.Measurement, out io.Writer) {
	tStr := r.Epoch.ToTime().UTC().Format("2006/01/02 15:04:05.000")

	// Corrected orbital state occupies the leading six columns
	x := make([]float64, 6)
	for i := 0; i < 6; i++ {
		x[i] = r.State.AtVec(i)
	}

	// Position sigma from the covariance diagonal
	sigPos := math.Sqrt(r.Cov.At(0, 0) + r.Cov.At(1, 1) + r.Cov.At(2, 2))

	// RMS of the corrected physical residuals
	res := 0.0
	if r.CorrEval != nil {
		for _, v := range m.Residuals(meas, r.CorrEval) {
			res += v * v
		}
		res = math.Sqrt(res / float64(meas.Dimension()))
	}

	q := 1
	if r.Rejected {
		q = 0
	}

	fmt.Fprintf(out, "%s %14.3f %14.3f %14.3f %10.6f %10.6f %10.6f %2d %3d %11.4f %7.3f\n",
		tStr, x[0], x[1], x[2], x[3], x[4], x[5], q, r.Number, sigPos, res)
}

// nopCloser - WriteCloser that ignores close operations
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// vec6Opt - flag value holding six space-separated numbers
type vec6Opt [6]float64

func (v *vec6Opt) Set(s string) error {
	f := strings.Fields(s)
	if len(f) != 6 {
		return fmt.Errorf("six values are required, got %d", len(f))
	}
	for i, a := range f {
		x, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return err
		}
		v[i] = x
	}
	return nil
}

func (v *vec6Opt) String() string {
	return fmt.Sprintf("%g %g %g %g %g %g", v[0], v[1], v[2], v[3], v[4], v[5])
}

// Structure to hold command line argument information
type cmdOpt struct {
	obsFn       string
	solFn       string
	t0          m.GTime
	state       vec6Opt
	ts, te      time.Time
	ti          int
	noHeader    bool
	sigmaPos    float64
	sigmaVel    float64
	sigmaAcc    float64
	qPos        float64
	qVel        float64
	qAcc        float64
	gateStatic  float64
	gateDynamic float64
	gateWarmup  int
	noChiTest   bool
}

// Parse command line arguments
func parseArgs() (a cmdOpt, err error) {
	flag.Usage = func() {
		m.PrintA(`
[Usage]
	%s [Options] -t0 "2023/01/01 00:00:00.000" -s0 "x y z vx vy vz" observations.obs

[Options]
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	var t0_ m.TimeStr
	flag.TextVar(&t0_, "t0", m.NewTimeStr(time.Time{}), "Epoch of the initial orbit estimate. Enclose in quotes like -t0 \"2023/01/01 00:00:00.000\"")
	flag.Var(&a.state, "s0", "Initial orbit estimate: ECEF position [m] and velocity [m/s]. Enclose in quotes like -s0 \"7000000 0 0 0 7500 0\"")
	var ts_, te_ m.TimeStr
	flag.TextVar(&ts_, "ts", m.NewTimeStr(time.Time{}), "Start epoch specification. Enclose in quotes like -ts \"2023/01/01 00:00:00.000\"")
	flag.TextVar(&te_, "te", m.NewTimeStr(time.Now().UTC()), "End epoch specification. Enclose in quotes like -te \"2023/01/02 00:00:00.000\". This epoch is also included.")
	flag.IntVar(&a.ti, "ti", 0, "Processing interval. An observation is processed when its epoch's second value is divisible by the specified value. Integer only. Omit or set to 0 to process all observations.")
	flag.StringVar(&a.solFn, "o", "", "Output solution file path. If not specified, output to stdout.")
	flag.BoolVar(&a.noHeader, "nh", false, "Do not output header section of solution file.")
	flag.Float64Var(&a.sigmaPos, "sp", 1000, "Initial position standard deviation [m]")
	flag.Float64Var(&a.sigmaVel, "sv", 1, "Initial velocity standard deviation [m/s]")
	flag.Float64Var(&a.sigmaAcc, "sa", 0, "Initial standard deviation of the estimated along-track acceleration [m/s2]. Set to 0 to not estimate it.")
	flag.Float64Var(&a.qPos, "qp", 0.1, "Position process noise per step (standard deviation) [m]")
	flag.Float64Var(&a.qVel, "qv", 1e-4, "Velocity process noise per step (standard deviation) [m/s]")
	flag.Float64Var(&a.qAcc, "qa", 1e-9, "Along-track acceleration process noise per step (standard deviation) [m/s2]")
	flag.Float64Var(&a.gateStatic, "og", 0, "Static outlier gate threshold in multiples of the theoretical sigma. Set to 0 to disable.")
	flag.Float64Var(&a.gateDynamic, "od", 0, "Dynamic outlier gate threshold in multiples of the innovation sigma. Set to 0 to disable.")
	flag.IntVar(&a.gateWarmup, "ow", 10, "Number of observations processed before the outlier gates start rejecting")
	flag.BoolVar(&a.noChiTest, "nx2", false, "Specify to not perform innovation evaluation (rejection) by chi-square test. Default is to perform.")
	var dbg int
	flag.IntVar(&dbg, "x", 0, "Debug information display. Specify level value. 0(OFF), 1(display), 2(detailed display), 3(more detailed)")
	flag.Parse()
	if flag.NArg() != 1 {
		return a, fmt.Errorf("exactly one observation file is required")
	}
	a.obsFn = flag.Arg(0)
	if time.Time(t0_).IsZero() {
		return a, fmt.Errorf("the initial epoch must be specified! (-t0 option)")
	}
	if a.state == (vec6Opt{}) {
		return a, fmt.Errorf("the initial orbit estimate must be specified! (-s0 option)")
	}
	a.t0 = *m.NewGTime(time.Time(t0_))
	a.ts = time.Time(ts_)
	a.te = time.Time(te_)
	m.DBG_ = dbg
	return
}
