package ccan

import (
	"fmt"
	"math"
)

// Bit timing limits of the C-CAN core, in time quanta and prescaler units.
const (
	TSeg1Min = 2
	TSeg1Max = 16
	TSeg2Min = 1
	TSeg2Max = 8
	BRPMin   = 1
	BRPMax   = 1024
	SJW      = 1

	// MaxBitrate is the highest rate CalcTiming will aim for; faster
	// requests are clamped.
	MaxBitrate = 1000000
)

// Timing is a bit timing solution. BRP, TSeg1, TSeg2 and SJW are real
// (not register minus-one) values.
type Timing struct {
	BRP         uint32
	TSeg1       uint32
	TSeg2       uint32
	SJW         uint32
	SamplePoint uint32 // per mille
	// Bitrate is clock / (BRP * Quanta) truncated to whole bit/s. It can
	// equal the requested rate while the real rate is fractionally off
	// (333333 at 48 MHz); test Exact, not Bitrate, to detect that.
	Bitrate uint32
	// Exact is true when the clock divides into the requested rate with
	// no remainder. Clamped requests are never exact.
	Exact bool
}

// Quanta returns the number of time quanta per bit.
func (t Timing) Quanta() uint32 { return 1 + t.TSeg1 + t.TSeg2 }

// BTIME returns the BTIME register value.
func (t Timing) BTIME() uint32 {
	v := (t.BRP - 1) & BTIME_BRP_MASK
	v = SetField(v, BTIME_SJW_POS, BTIME_SJW_MASK, t.SJW-1)
	v = SetField(v, BTIME_TSEG1_POS, BTIME_TSEG1_MASK, t.TSeg1-1)
	v = SetField(v, BTIME_TSEG2_POS, BTIME_TSEG2_MASK, t.TSeg2-1)
	return v
}

// BRPE returns the prescaler extension register value.
func (t Timing) BRPE() uint32 { return ((t.BRP - 1) >> 6) & BRPE_MASK }

func (t Timing) String() string {
	return fmt.Sprintf("brp=%d tseg1=%d tseg2=%d sjw=%d sp=%d.%d%% rate=%d exact=%t",
		t.BRP, t.TSeg1, t.TSeg2, t.SJW, t.SamplePoint/10, t.SamplePoint%10, t.Bitrate, t.Exact)
}

// TimingFromRegisters decodes BTIME/BRPE back into a Timing for clockHz.
func TimingFromRegisters(clockHz, btime, brpe uint32) Timing {
	t := Timing{
		BRP:   (btime & BTIME_BRP_MASK) + (brpe&BRPE_MASK)<<6 + 1,
		SJW:   Field(btime, BTIME_SJW_POS, uint32(BTIME_SJW_MASK)) + 1,
		TSeg1: Field(btime, BTIME_TSEG1_POS, uint32(BTIME_TSEG1_MASK)) + 1,
		TSeg2: Field(btime, BTIME_TSEG2_POS, uint32(BTIME_TSEG2_MASK)) + 1,
	}
	q := t.Quanta()
	t.SamplePoint = 1000 * (q - t.TSeg2) / q
	t.Bitrate = clockHz / (t.BRP * q)
	return t
}

// nominalSamplePoint follows the CiA 301 recommendation.
func nominalSamplePoint(rate uint32) uint32 {
	switch {
	case rate > 800000:
		return 750
	case rate > 500000:
		return 800
	default:
		return 875
	}
}

// splitSegments distributes tseg quanta (excluding the sync segment)
// around the nominal sample point and returns the resulting sample point.
func splitSegments(sampl, tseg uint32) (spt, tseg1, tseg2 uint32) {
	tseg2 = tseg + 1 - (sampl*(tseg+1))/1000
	tseg2 = clamp(tseg2, TSeg2Min, TSeg2Max)
	tseg1 = tseg - tseg2
	if tseg1 > TSeg1Max {
		tseg1 = TSeg1Max
		tseg2 = tseg - tseg1
	}
	spt = 1000 * (tseg + 1 - tseg2) / (tseg + 1)
	return spt, tseg1, tseg2
}

// CalcTiming searches prescaler and segment lengths for bitrate on a
// clockHz input clock. The search prefers the smallest rate error and,
// among exact solutions, the sample point closest to nominal. When no
// exact divisor exists the nearest achievable rate is returned. Requests
// outside the core's range are clamped to the fastest (1 Mbit/s) or the
// slowest (BRPMax, 25 quanta) timing and reported with Exact false.
func CalcTiming(clockHz, bitrate uint32) (Timing, error) {
	if bitrate == 0 || clockHz == 0 {
		return Timing{}, ErrInvalidRate
	}
	requested := bitrate
	if bitrate > MaxBitrate {
		bitrate = MaxBitrate
	}
	sampl := nominalSamplePoint(bitrate)

	bestErr := uint32(math.MaxUint32)
	sptErr := uint32(math.MaxUint32)
	var bestTseg, bestBRP uint32
	for tseg := uint32((TSeg1Max+TSeg2Max)*2 + 1); tseg >= (TSeg1Min+TSeg2Min)*2; tseg-- {
		quanta := 1 + tseg/2
		brp := clockHz/(quanta*bitrate) + tseg%2
		if brp < BRPMin || brp > BRPMax {
			continue
		}
		rate := clockHz / (brp * quanta)
		e := absDiff(bitrate, rate)
		if e > bestErr {
			continue
		}
		bestErr = e
		if e == 0 {
			spt, _, _ := splitSegments(sampl, tseg/2)
			e = absDiff(sampl, spt)
			if e > sptErr {
				continue
			}
			sptErr = e
		}
		bestTseg, bestBRP = tseg/2, brp
		if e == 0 {
			break
		}
	}
	if bestBRP == 0 {
		// below the slowest reachable rate: longest bit the core can time
		if clockHz/(BRPMax*(1+TSeg1Max+TSeg2Max)) < bitrate {
			return Timing{}, fmt.Errorf("%w: clock %d Hz, rate %d bps", ErrNoTiming, clockHz, requested)
		}
		bestTseg, bestBRP = TSeg1Max+TSeg2Max, BRPMax
	}
	spt, tseg1, tseg2 := splitSegments(sampl, bestTseg)
	t := Timing{
		BRP:         bestBRP,
		TSeg1:       tseg1,
		TSeg2:       tseg2,
		SJW:         SJW,
		SamplePoint: spt,
	}
	div := t.BRP * t.Quanta()
	t.Bitrate = clockHz / div
	t.Exact = t.Bitrate == requested && clockHz%div == 0
	return t, nil
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
