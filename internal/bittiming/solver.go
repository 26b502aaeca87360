// Package bittiming computes CAN bit-timing parameters (ISO 11898 terms) for
// a controller clock, a bitrate and a target sample point.
package bittiming

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoSolution is returned with a zero Result when no legal combination exists.
var ErrNoSolution = errors.New("bittiming: no valid configuration")

// PropagationDelayNs is the physical loop delay (transceiver + bus) the
// propagation segment has to cover.
const PropagationDelayNs = 250.0

// fdPrescalerRate is the data bitrate above which fewer, longer quanta are preferred.
const fdPrescalerRate = 1_000_000

// sampleEpsilon is the sample-point difference (percent) treated as a tie.
const sampleEpsilon = 1e-9

// Limits are the legal ranges of one bit-timing phase.
type Limits struct {
	MinQuanta, MaxQuanta int
	MinProp, MaxProp     int
	MinPhase1, MaxPhase1 int
	MinPhase2, MaxPhase2 int
	MaxSJW               int
	MaxPrescaler         int
}

var (
	NominalLimits = Limits{
		MinQuanta: 8, MaxQuanta: 129,
		MinProp: 1, MaxProp: 64,
		MinPhase1: 1, MaxPhase1: 64,
		MinPhase2: 2, MaxPhase2: 64,
		MaxSJW:       64,
		MaxPrescaler: 1024,
	}
	DataLimits = Limits{
		MinQuanta: 5, MaxQuanta: 48,
		MinProp: 0, MaxProp: 32,
		MinPhase1: 1, MaxPhase1: 16,
		MinPhase2: 1, MaxPhase2: 16,
		MaxSJW:       16,
		MaxPrescaler: 32,
	}
)

// Params is the timing of one phase. Quanta counts the sync segment too, so
// 1+PropSeg+PhaseSeg1+PhaseSeg2 == Quanta.
type Params struct {
	PropSeg     uint32
	PhaseSeg1   uint32
	PhaseSeg2   uint32
	SJW         uint32
	Prescaler   uint32
	Quanta      uint32
	SamplePoint float64 // percent
	Tolerance   float64 // oscillator tolerance, percent
}

// Valid reports whether p holds a solved configuration.
func (p Params) Valid() bool { return p.Prescaler != 0 }

// TSeg1 is the time before the sample point excluding sync (register TSEG1).
func (p Params) TSeg1() uint32 { return p.PropSeg + p.PhaseSeg1 }

// Bitrate returns the rate achieved with the given clock.
func (p Params) Bitrate(clockHz uint32) uint32 {
	if !p.Valid() || p.Quanta == 0 {
		return 0
	}
	return clockHz / (p.Prescaler * p.Quanta)
}

// TQ returns one time quantum in nanoseconds, rounded.
func (p Params) TQ(clockHz uint32) uint32 {
	if clockHz == 0 {
		return 0
	}
	return uint32(math.Round(float64(p.Prescaler) * 1e9 / float64(clockHz)))
}

func (p Params) String() string {
	return fmt.Sprintf("brp=%d tq=%d prop=%d ps1=%d ps2=%d sjw=%d sp=%.1f%% tol=%.2f%%",
		p.Prescaler, p.Quanta, p.PropSeg, p.PhaseSeg1, p.PhaseSeg2, p.SJW, p.SamplePoint, p.Tolerance)
}

// Request describes the wanted bus timing. DataBaud 0 disables the CAN FD data phase.
type Request struct {
	ClockHz         uint32
	Baud            uint32
	SamplePoint     float64
	DataBaud        uint32
	DataSamplePoint float64
}

// Result holds the nominal (arbitration) and, for CAN FD, data phase timing.
type Result struct {
	Nominal Params
	Data    Params
}

// FD reports whether a data phase was solved.
func (r Result) FD() bool { return r.Data.Valid() }

// Solve computes the best timing for req. On failure it returns the zero
// Result and an error wrapping ErrNoSolution.
func Solve(req Request) (Result, error) {
	nom, ok := solvePhase(req.ClockHz, req.Baud, req.SamplePoint, NominalLimits, false)
	if !ok {
		return Result{}, fmt.Errorf("%w: nominal %d bit/s at %.1f%% (clock %d Hz)", ErrNoSolution, req.Baud, req.SamplePoint, req.ClockHz)
	}
	res := Result{Nominal: nom}
	if req.DataBaud == 0 {
		return res, nil
	}
	data, ok := solvePhase(req.ClockHz, req.DataBaud, req.DataSamplePoint, DataLimits, req.DataBaud > fdPrescalerRate)
	if !ok {
		return Result{}, fmt.Errorf("%w: data %d bit/s at %.1f%% (clock %d Hz)", ErrNoSolution, req.DataBaud, req.DataSamplePoint, req.ClockHz)
	}
	res.Data = data
	return res, nil
}

func solvePhase(clock, baud uint32, sp float64, lim Limits, preferPrescaler bool) (Params, bool) {
	if clock == 0 || baud == 0 || sp < 1 || sp > 99 || clock%baud != 0 {
		return Params{}, false
	}
	product := int(clock / baud)
	var best Params
	found := false
	for brp := 1; brp <= lim.MaxPrescaler && brp <= product; brp++ {
		if product%brp != 0 {
			continue
		}
		quanta := product / brp
		if quanta < lim.MinQuanta || quanta > lim.MaxQuanta {
			continue
		}
		c, ok := candidate(clock, brp, quanta, sp, lim)
		if !ok {
			continue
		}
		if !found || better(c, best, sp, preferPrescaler) {
			best, found = c, true
		}
	}
	return best, found
}

func candidate(clock uint32, brp, quanta int, sp float64, lim Limits) (Params, bool) {
	tqNs := float64(brp) * 1e9 / float64(clock)
	prop := int(math.Ceil(PropagationDelayNs / tqNs))
	if prop < lim.MinProp {
		prop = lim.MinProp
	}
	phase2 := quanta - int(math.Round(sp*float64(quanta)/100))
	phase1 := quanta - 1 - prop - phase2

	// Move surplus between the propagation segment and phase 1.
	if phase1 < lim.MinPhase1 {
		d := lim.MinPhase1 - phase1
		prop -= d
		phase1 += d
	}
	if phase1 > lim.MaxPhase1 {
		d := phase1 - lim.MaxPhase1
		prop += d
		phase1 -= d
	}
	if prop > lim.MaxProp {
		d := prop - lim.MaxProp
		phase1 += d
		prop -= d
	}
	if prop < lim.MinProp || prop > lim.MaxProp ||
		phase1 < lim.MinPhase1 || phase1 > lim.MaxPhase1 ||
		phase2 < lim.MinPhase2 || phase2 > lim.MaxPhase2 {
		return Params{}, false
	}
	sjw := min(phase1, phase2, lim.MaxSJW)
	return Params{
		PropSeg:     uint32(prop),
		PhaseSeg1:   uint32(phase1),
		PhaseSeg2:   uint32(phase2),
		SJW:         uint32(sjw),
		Prescaler:   uint32(brp),
		Quanta:      uint32(quanta),
		SamplePoint: float64(1+prop+phase1) * 100 / float64(quanta),
		Tolerance:   tolerance(sjw, phase2, quanta),
	}, true
}

// tolerance is the permitted oscillator deviation in percent: the lesser of
// the resynchronisation limit over 10 bits and the phase-error limit over 13 bits.
func tolerance(sjw, phase2, quanta int) float64 {
	resync := float64(sjw) / float64(20*quanta)
	phaseErr := float64(sjw) / float64(2*(13*quanta-phase2))
	return math.Min(resync, phaseErr) * 100
}

func better(c, best Params, sp float64, preferPrescaler bool) bool {
	ec, eb := math.Abs(c.SamplePoint-sp), math.Abs(best.SamplePoint-sp)
	if math.Abs(ec-eb) > sampleEpsilon {
		return ec < eb
	}
	if preferPrescaler && c.Prescaler != best.Prescaler {
		return c.Prescaler > best.Prescaler
	}
	return c.Tolerance > best.Tolerance
}
