package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"termoload/internal/domain"
)

var (
	ErrSessionUnavailable = errors.New("torrent session unavailable")
	ErrMetadataTimeout    = errors.New("metadata timeout")
)

type Outcome int

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomePaused
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePaused:
		return "paused"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Result is how one fetch run ended. Detail is set for failures.
type Result struct {
	Outcome Outcome
	Detail  string
}

func Completed() Result { return Result{Outcome: OutcomeCompleted} }
func Paused() Result    { return Result{Outcome: OutcomePaused} }

func Failed(format string, args ...any) Result {
	return Result{Outcome: OutcomeFailed, Detail: fmt.Sprintf(format, args...)}
}

// Sink is the single entry point through which a running fetch mutates its transfer.
type Sink interface {
	Update(id int64, fn func(t *domain.Transfer)) error
}

// Fetcher performs one transfer end to end until it completes, fails or ctx is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, t domain.Transfer, sink Sink) Result
}

const emaAlpha = 0.2

// rateMeter smooths throughput samples with an exponentially weighted average.
type rateMeter struct {
	rate   float64
	primed bool
}

func (m *rateMeter) observe(instant float64) float64 {
	if instant < 0 {
		instant = 0
	}
	if !m.primed {
		m.rate = instant
		m.primed = true
		return m.rate
	}
	m.rate = emaAlpha*instant + (1-emaAlpha)*m.rate
	return m.rate
}

func (m *rateMeter) sample(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return m.rate
	}
	return m.observe(float64(n) / elapsed.Seconds())
}

// NewLimiter builds the shared bandwidth ceiling. Zero kbps means unlimited and returns nil.
func NewLimiter(kbps int, minBurst int) *rate.Limiter {
	if kbps <= 0 {
		return nil
	}
	bps := kbps * 1024
	burst := bps
	if burst < minBurst {
		burst = minBurst
	}
	return rate.NewLimiter(rate.Limit(bps), burst)
}
