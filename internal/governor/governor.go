package governor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"mediaforge/internal/models"
	"mediaforge/internal/observability/metrics"
)

// Governor yields the number of jobs of a class that may run at once. The
// result is always at least one.
type Governor interface {
	AllowedConcurrency(class models.JobKind) int
}

// Sample is a point-in-time view of host pressure.
type Sample struct {
	Load1         float64
	Cores         int
	MemoryPercent float64
}

// Sampler reads host load. Implementations must be safe for concurrent use.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

type Config struct {
	Threshold     float64
	ThumbnailHigh int
	ThumbnailLow  int
	SampleTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

const (
	defaultThreshold     = 1.5
	defaultThumbnailHigh = 4
	defaultThumbnailLow  = 2
	defaultSampleTimeout = 2 * time.Second
)

// LoadGovernor scales concurrency down when the one minute load average
// reaches the threshold. Transcodes keep one core free under normal load and
// two under pressure; thumbnails switch between two fixed caps.
type LoadGovernor struct {
	sampler       Sampler
	threshold     float64
	thumbnailHigh int
	thumbnailLow  int
	sampleTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder
}

func NewLoadGovernor(sampler Sampler, cfg Config) *LoadGovernor {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	high := cfg.ThumbnailHigh
	if high <= 0 {
		high = defaultThumbnailHigh
	}
	low := cfg.ThumbnailLow
	if low <= 0 {
		low = defaultThumbnailLow
	}
	if low > high {
		low = high
	}
	timeout := cfg.SampleTimeout
	if timeout <= 0 {
		timeout = defaultSampleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &LoadGovernor{
		sampler:       sampler,
		threshold:     threshold,
		thumbnailHigh: high,
		thumbnailLow:  low,
		sampleTimeout: timeout,
		logger:        logger,
		metrics:       recorder,
	}
}

func (g *LoadGovernor) AllowedConcurrency(class models.JobKind) int {
	allowed := g.evaluate(class)
	g.metrics.SetAllowedConcurrency(string(class), allowed)
	return allowed
}

func (g *LoadGovernor) evaluate(class models.JobKind) int {
	if g.sampler == nil {
		return g.reduced(class, 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.sampleTimeout)
	defer cancel()
	sample, err := g.sampler.Sample(ctx)
	if err != nil {
		g.logger.Warn("host load sample failed", "class", class, "error", err)
		return g.reduced(class, sample.Cores)
	}
	if sample.Load1 >= g.threshold {
		return g.reduced(class, sample.Cores)
	}
	switch class {
	case models.JobKindThumbnail:
		return g.thumbnailHigh
	default:
		return atLeastOne(sample.Cores - 1)
	}
}

func (g *LoadGovernor) reduced(class models.JobKind, cores int) int {
	switch class {
	case models.JobKindThumbnail:
		return g.thumbnailLow
	default:
		return atLeastOne(cores - 2)
	}
}

// Fixed returns configured ceilings without sampling the host.
type Fixed map[models.JobKind]int

func (f Fixed) AllowedConcurrency(class models.JobKind) int {
	return atLeastOne(f[class])
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Status converts a sample into the snapshot pushed to live subscribers.
func Status(sample Sample) models.HostStatus {
	return models.HostStatus{
		CPU:    math.Round(sample.Load1*100) / 100,
		Memory: math.Round(sample.MemoryPercent),
	}
}
