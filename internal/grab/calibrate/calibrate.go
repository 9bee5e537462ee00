// Package calibrate estimates one-way network delay so the race engine can
// fire early enough to land its first request exactly at zero-hour.
package calibrate

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
	"github.com/Berry-MI/quickgrab/internal/grab/pool"
)

const (
	maxProbes   = 8
	wantSamples = 5

	// outlierBand is the stddev multiplier around the sample mean outside
	// which a sample is rejected.
	outlierBand = 1.5

	overheadProbeTimeout = 100 * time.Millisecond
	defaultOverhead      = 2 * time.Millisecond
)

// Prober measures one clock-offset sample against a low-stakes reference
// endpoint. The sample is serverTime − (sentAt+receivedAt)/2, assuming
// symmetric outbound/inbound latency.
type Prober interface {
	MeasureDelay(ctx context.Context, job *domain.Job) (int64, error)
}

// Estimate is one job's cached delay estimate. It is passed through the
// engine's state rather than shared between jobs, so concurrent races cannot
// interfere with each other's timing.
type Estimate struct {
	DelayMs    int64
	MeasuredAt time.Time
}

// Fresh reports whether the estimate is recent enough to reuse.
func (e Estimate) Fresh(window time.Duration) bool {
	return !e.MeasuredAt.IsZero() && time.Since(e.MeasuredAt) <= window
}

// Calibrator collects delay samples and smooths them into an estimate.
type Calibrator struct {
	prober Prober
	logger *slog.Logger
}

// New creates a calibrator backed by the given prober.
func New(prober Prober, logger *slog.Logger) *Calibrator {
	return &Calibrator{prober: prober, logger: logger}
}

// EstimateDelay probes the reference endpoint up to 8 times, stopping once 5
// samples are in, and returns the outlier-filtered integer mean in
// milliseconds. Failed probes are logged and simply contribute no sample;
// zero samples yield an estimate of 0.
func (c *Calibrator) EstimateDelay(ctx context.Context, job *domain.Job) Estimate {
	samples := make([]int64, 0, wantSamples)

	for probe := 0; probe < maxProbes && len(samples) < wantSamples; probe++ {
		delay, err := c.prober.MeasureDelay(ctx, job)
		if err != nil {
			c.logger.Warn("Delay probe failed",
				slog.Int64("job_id", job.ID),
				slog.Int("probe", probe+1),
				slog.Any("error", err),
			)
			continue
		}
		samples = append(samples, delay)
	}

	estimate := Estimate{DelayMs: AdjustedMean(samples), MeasuredAt: time.Now()}

	c.logger.Info("Network delay calibrated",
		slog.Int64("job_id", job.ID),
		slog.Int("samples", len(samples)),
		slog.Int64("delay_ms", estimate.DelayMs),
	)

	return estimate
}

// AdjustedMean filters samples by a 1.5-standard-deviation band around the
// mean of the full sample set (mean and stddev recomputed per candidate over
// all samples, not just previously accepted ones) and returns the integer
// mean of the accepted samples. An empty set yields 0.
func AdjustedMean(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}

	var accepted []int64
	for _, sample := range samples {
		if withinBand(sample, samples) {
			accepted = append(accepted, sample)
		}
	}

	if len(accepted) == 0 {
		return 0
	}

	var sum int64
	for _, sample := range accepted {
		sum += sample
	}
	return sum / int64(len(accepted))
}

func withinBand(sample int64, samples []int64) bool {
	mean, stddev := meanStddev(samples)
	lo := mean - outlierBand*stddev
	hi := mean + outlierBand*stddev
	return float64(sample) >= lo && float64(sample) <= hi
}

func meanStddev(samples []int64) (float64, float64) {
	var sum float64
	for _, sample := range samples {
		sum += float64(sample)
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, sample := range samples {
		d := float64(sample) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}

// EstimateSchedulingOverhead measures how long a zero-delay task sits in the
// worker pool's queue before running, so the fire time can account for the
// pool's own queueing latency. If the probe does not complete within 100 ms
// the default of 2 ms is returned.
func EstimateSchedulingOverhead(p *pool.Pool, logger *slog.Logger) time.Duration {
	start := time.Now()
	done := make(chan time.Duration, 1)

	err := p.Submit(func() {
		done <- time.Since(start)
	})
	if err != nil {
		logger.Debug("Scheduling overhead probe not submitted, using default",
			slog.Any("error", err),
		)
		return defaultOverhead
	}

	select {
	case overhead := <-done:
		return overhead
	case <-time.After(overheadProbeTimeout):
		logger.Debug("Scheduling overhead probe timed out, using default")
		return defaultOverhead
	}
}
