// Package decimator reduces a full-rate audio block to a cheaper sample rate
// for the correlation search: a low-pass filter to avoid aliasing, followed
// by subsampling with a fixed factor.
package decimator

import (
	"fmt"
	"math"

	"github.com/xaionaro-go/aecdelay/pkg/echopath"
)

// The anti-alias filter is a 4th-order Butterworth low-pass realized as two
// cascaded biquad sections. The cutoff sits at 80% of the post-decimation
// Nyquist frequency.
const (
	cutoffNyquistFraction = 0.8
	numSections           = 2
)

// butterworthSectionQ are the section Q values of a 4th-order Butterworth
// filter split into second-order sections.
var butterworthSectionQ = [numSections]float64{0.54119610, 1.30656296}

type biquad struct {
	b0, b1, b2 float32
	a1, a2     float32
	z1, z2     float32
}

// newLowPassBiquad derives the coefficients of a second-order low-pass
// section with the given normalized cutoff (relative to the input sample
// rate) and quality factor.
func newLowPassBiquad(normalizedCutoff, q float64) biquad {
	w0 := 2 * math.Pi * normalizedCutoff
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)
	a0 := 1 + alpha
	return biquad{
		b0: float32((1 - cosW0) / 2 / a0),
		b1: float32((1 - cosW0) / a0),
		b2: float32((1 - cosW0) / 2 / a0),
		a1: float32(-2 * cosW0 / a0),
		a2: float32((1 - alpha) / a0),
	}
}

func (f *biquad) process(x float32) float32 {
	// Transposed direct form II.
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}

// Decimator low-pass filters and subsamples full-rate blocks with a fixed
// factor. The filter memory persists across calls, so a decimator instance
// must be fed one continuous signal.
type Decimator struct {
	factor   int
	sections [numSections]biquad
}

// New creates a decimator for a down-sampling factor of 2, 4 or 8. Any
// other factor is a contract violation and panics.
func New(factor int) *Decimator {
	switch factor {
	case 2, 4, 8:
	default:
		panic(fmt.Sprintf("unsupported down-sampling factor: %d (supported: 2, 4, 8)", factor))
	}
	d := &Decimator{factor: factor}
	cutoff := cutoffNyquistFraction * 0.5 / float64(factor)
	for i := range d.sections {
		d.sections[i] = newLowPassBiquad(cutoff, butterworthSectionQ[i])
	}
	return d
}

// Factor returns the down-sampling factor.
func (d *Decimator) Factor() int {
	return d.factor
}

// OutputSize returns the number of samples one block decimates to.
func (d *Decimator) OutputSize() int {
	return echopath.BlockSize / d.factor
}

// Decimate consumes one full-rate block of samples and writes the decimated
// result to out. Panics if in is not exactly one block or out does not hold
// exactly the decimated size; shape mismatches are programming errors.
func (d *Decimator) Decimate(in []float32, out []float32) {
	if len(in) != echopath.BlockSize {
		panic(fmt.Sprintf("input must be one block of %d samples: got %d", echopath.BlockSize, len(in)))
	}
	if len(out) != d.OutputSize() {
		panic(fmt.Sprintf("output must hold %d samples: got %d", d.OutputSize(), len(out)))
	}
	for i, x := range in {
		for s := range d.sections {
			x = d.sections[s].process(x)
		}
		if i%d.factor == 0 {
			out[i/d.factor] = x
		}
	}
}

// Reset clears the filter memory.
func (d *Decimator) Reset() {
	for i := range d.sections {
		d.sections[i].z1 = 0
		d.sections[i].z2 = 0
	}
}
