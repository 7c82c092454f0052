package echopath

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DelayConfig configures the delay estimation pipeline. The zero value is
// not usable; start from Default().
type DelayConfig struct {
	// DownSamplingFactor is the decimation factor applied to both signals
	// before correlation. One of 2, 4 or 8.
	DownSamplingFactor int

	// NumFilters is the number of matched filters in the bank. Each filter
	// covers a different slice of the searchable lag range.
	NumFilters int

	// DefaultDelayBlocks is the buffering delay the render delay buffer
	// applies before any external alignment, in blocks. It doubles as the
	// capture look-ahead of the estimator: apparent capture-leads-render
	// lags of up to this many blocks stay observable, which is what makes
	// the non-causality screen possible.
	DefaultDelayBlocks int

	// DelayHeadroomBlocks is subtracted from every raw delay estimate to
	// leave the echo canceller's filter a short linear region ahead of the
	// estimated delay.
	DelayHeadroomBlocks int

	// DeadZoneBlocks collapses small published delays to zero: a value
	// that would round below this many blocks is reported as 0, avoiding
	// oscillation between 0 and 1 caused by quantization noise on the
	// decimated sampling grid.
	DeadZoneBlocks int

	// HysteresisLimitBlocks keeps the previously published delay when a
	// new estimate exceeds it by no more than this many blocks.
	HysteresisLimitBlocks int

	// MaxAPICallJitterBlocks bounds how many render blocks may pile up
	// between capture steps before the render delay buffer starts dropping
	// the oldest ones.
	MaxAPICallJitterBlocks int

	// DelayEstimateSmoothing is the exponential smoothing constant for the
	// per-filter error-to-signal ratio, in (0, 1). Higher means slower.
	DelayEstimateSmoothing float32

	// CandidateDetectionThreshold is the number of occurrences of a lag in
	// the recent correlation history required before it is reported as a
	// delay candidate.
	CandidateDetectionThreshold int
}

// Config is the configuration bundle consumed by the delay estimation core.
type Config struct {
	Delay DelayConfig
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Delay: DelayConfig{
			DownSamplingFactor:          4,
			NumFilters:                  5,
			DefaultDelayBlocks:          2,
			DelayHeadroomBlocks:         1,
			DeadZoneBlocks:              2,
			HysteresisLimitBlocks:       1,
			MaxAPICallJitterBlocks:      30,
			DelayEstimateSmoothing:      0.7,
			CandidateDetectionThreshold: 25,
		},
	}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var result *multierror.Error
	d := c.Delay
	switch d.DownSamplingFactor {
	case 2, 4, 8:
	default:
		result = multierror.Append(result, fmt.Errorf("down-sampling factor must be 2, 4 or 8: got %d", d.DownSamplingFactor))
	}
	if d.NumFilters < 1 {
		result = multierror.Append(result, fmt.Errorf("the matched filter bank needs at least one filter: got %d", d.NumFilters))
	}
	if d.DefaultDelayBlocks < 0 {
		result = multierror.Append(result, fmt.Errorf("the default buffering delay cannot be negative: got %d", d.DefaultDelayBlocks))
	}
	if d.DelayHeadroomBlocks < 0 {
		result = multierror.Append(result, fmt.Errorf("the delay headroom cannot be negative: got %d", d.DelayHeadroomBlocks))
	}
	if d.DeadZoneBlocks < 0 {
		result = multierror.Append(result, fmt.Errorf("the dead zone cannot be negative: got %d", d.DeadZoneBlocks))
	}
	if d.HysteresisLimitBlocks < 0 {
		result = multierror.Append(result, fmt.Errorf("the hysteresis limit cannot be negative: got %d", d.HysteresisLimitBlocks))
	}
	if d.MaxAPICallJitterBlocks < 1 {
		result = multierror.Append(result, fmt.Errorf("the API call jitter budget must be at least 1 block: got %d", d.MaxAPICallJitterBlocks))
	}
	if !(d.DelayEstimateSmoothing > 0 && d.DelayEstimateSmoothing < 1) {
		result = multierror.Append(result, fmt.Errorf("the delay estimate smoothing must be within (0, 1): got %v", d.DelayEstimateSmoothing))
	}
	if d.CandidateDetectionThreshold < 1 {
		result = multierror.Append(result, fmt.Errorf("the candidate detection threshold must be at least 1: got %d", d.CandidateDetectionThreshold))
	}
	return result.ErrorOrNil()
}

// MustValidate panics if the configuration is invalid. Constructors of the
// core use it: a broken configuration is a programming error of the caller,
// not a recoverable runtime condition.
func (c Config) MustValidate() {
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}
}
