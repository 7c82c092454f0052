// Package align estimates the delay between two whole recordings at once
// using Generalized Cross-Correlation with Phase Transform (GCC-PHAT).
//
// Unlike the block-wise delay controller, which adapts over a live stream,
// this is an offline probe: it needs both signals in full, whitens their
// cross-power spectrum so that only phase information remains, and reads the
// delay off the correlation peak. The whitening makes the result robust
// against level differences and spectrally colored noise.
package align

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// Estimate is the outcome of a one-shot alignment probe.
type Estimate struct {
	// ShiftSamples is how many samples the capture signal lags the render
	// signal. Negative means capture leads. Sub-sample precision comes from
	// parabolic interpolation around the correlation peak.
	ShiftSamples float64
	// Confidence is the correlation peak height normalized into 0..1; a
	// clean echo of the render signal scores close to 1, unrelated signals
	// close to 0.
	Confidence float64
}

// weak bins are excluded from the phase transform: whitening pure noise
// bins would give them the same weight as signal bins.
const whiteningFloor = 1e-3

// EstimateShift cross-correlates a capture recording against a render
// recording and returns the estimated shift between them. Both signals must
// be mono, at the same sample rate, and non-empty.
func EstimateShift(render, capture []float64) (Estimate, error) {
	if len(render) == 0 || len(capture) == 0 {
		return Estimate{}, fmt.Errorf("both signals must be non-empty: got %d and %d samples", len(render), len(capture))
	}

	// Zero-pad to a common power of two; the padding also prevents the
	// circular correlation from wrapping the true peak.
	n := 1
	for n < len(render)+len(capture) {
		n *= 2
	}
	fRender := fft.FFTReal(padded(render, n))
	fCapture := fft.FFTReal(padded(capture, n))

	spectrum := make([]complex128, n)
	maxMag := 0.0
	for i := range spectrum {
		spectrum[i] = fCapture[i] * cmplx.Conj(fRender[i])
		if mag := cmplx.Abs(spectrum[i]); mag > maxMag {
			maxMag = mag
		}
	}
	if maxMag == 0 {
		return Estimate{}, nil
	}

	activeBins := 0
	for i, v := range spectrum {
		mag := cmplx.Abs(v)
		if mag <= maxMag*whiteningFloor {
			spectrum[i] = 0
			continue
		}
		spectrum[i] = v / complex(mag, 0)
		activeBins++
	}
	if activeBins == 0 {
		return Estimate{}, nil
	}

	correlation := fft.IFFT(spectrum)

	peak := 0
	peakVal := -1.0
	for i, v := range correlation {
		if val := cmplx.Abs(v); val > peakVal {
			peakVal = val
			peak = i
		}
	}

	shift := float64(peak)
	if shift > float64(n/2) {
		shift -= float64(n)
	}
	if peak > 0 && peak < n-1 {
		left := cmplx.Abs(correlation[peak-1])
		right := cmplx.Abs(correlation[peak+1])
		if denom := left - 2*peakVal + right; math.Abs(denom) > 1e-12 {
			shift += (left - right) / (2 * denom)
		}
	}

	// With activeBins unit-magnitude spectrum samples, a perfect match
	// yields a time-domain peak of activeBins/n.
	confidence := peakVal * float64(n) / float64(activeBins)
	if confidence > 1 {
		confidence = 1
	}

	return Estimate{ShiftSamples: shift, Confidence: confidence}, nil
}

func padded(signal []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, signal)
	return out
}
