// Package echopath holds the types shared by the render-to-capture delay
// estimation core: processing blocks, sample rate helpers, the published
// delay estimate and the configuration bundle.
//
// The core estimates, in real time, how far the signal captured by a
// microphone lags behind the reference signal sent to the loudspeaker, so
// that an acoustic echo canceller can align its adaptive model with the
// actual echo path (speaker, room, microphone, plus audio-stack buffering).
package echopath

import (
	"fmt"
)

const (
	// BlockSize is the number of samples per band, per channel, in one
	// processing block. It is identical for every supported sample rate:
	// higher rates carry more bands, not longer blocks.
	BlockSize = 160
)

// ValidFullBandRate reports whether rate is one of the supported full-band
// sample rates.
func ValidFullBandRate(rate int) bool {
	switch rate {
	case 16000, 32000, 48000:
		return true
	}
	return false
}

// NumBandsForRate returns the number of frequency bands a block carries at
// the given sample rate. Panics if the rate is unsupported: passing an
// unsupported rate is a programming error of the integrator, not a runtime
// condition.
func NumBandsForRate(rate int) int {
	if !ValidFullBandRate(rate) {
		panic(fmt.Sprintf("unsupported sample rate: %d (supported: 16000, 32000, 48000)", rate))
	}
	return rate / 16000
}

// Block is one processing block of audio, indexed [band][channel][sample].
// Each band/channel pair holds exactly BlockSize samples.
type Block [][][]float32

// NewBlock allocates a zeroed block shaped for the given sample rate and
// channel count.
func NewBlock(rate int, numChannels int) Block {
	numBands := NumBandsForRate(rate)
	b := make(Block, numBands)
	for band := range b {
		b[band] = make([][]float32, numChannels)
		for ch := range b[band] {
			b[band][ch] = make([]float32, BlockSize)
		}
	}
	return b
}

// HasShape reports whether the block consists of numBands bands of
// numChannels channels of BlockSize samples each.
func (b Block) HasShape(numBands int, numChannels int) bool {
	if len(b) != numBands {
		return false
	}
	for _, band := range b {
		if len(band) != numChannels {
			return false
		}
		for _, channel := range band {
			if len(channel) != BlockSize {
				return false
			}
		}
	}
	return true
}
