// Package embed wraps the host-supplied embedding function behind a guard:
// a circuit breaker, retry with backoff, a rate limiter, and an LRU cache.
// Embeddings are an optional capability; every caller degrades to lexical
// ranking when a vector is unavailable.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mnemexai/mnemex/internal/metrics"
	"github.com/mnemexai/mnemex/pkg/log"
	"github.com/mnemexai/mnemex/pkg/types"
)

// ErrUnavailable is returned when no embedder is configured or the circuit
// is open. Callers treat it as "rank lexically instead".
var ErrUnavailable = errors.New("embedder unavailable")

// Func is the opaque embedding function supplied by the host.
type Func func(ctx context.Context, text string) ([]float32, error)

// Config tunes the guard.
type Config struct {
	// Timeout bounds a single underlying call.
	Timeout time.Duration

	// RatePerSec throttles calls; 0 disables the limiter.
	RatePerSec float64

	// CacheSize is the LRU capacity keyed by normalized-content hash.
	CacheSize int

	// MaxRetries bounds the backoff retry loop per call.
	MaxRetries uint64
}

// Guard is a hardened front for an embedding function. A nil *Guard is
// valid and always reports ErrUnavailable.
type Guard struct {
	fn      Func
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cache   *lru.Cache[string, []float32]
	timeout time.Duration
	retries uint64
	log     zerolog.Logger
}

// NewGuard wraps fn. A nil fn returns a nil Guard, the "no embedder"
// configuration.
func NewGuard(fn Func, cfg Config) *Guard {
	if fn == nil {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	cache, _ := lru.New[string, []float32](cfg.CacheSize)
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedder",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Guard{
		fn:      fn,
		breaker: breaker,
		limiter: limiter,
		cache:   cache,
		timeout: cfg.Timeout,
		retries: cfg.MaxRetries,
		log:     log.WithComponent("embed"),
	}
}

// Available reports whether an embedder is configured at all.
func (g *Guard) Available() bool { return g != nil }

// Embed returns the vector for text, serving repeats from the cache. The
// underlying call runs outside any store lock, with the caller's context
// bounding the whole attempt.
func (g *Guard) Embed(ctx context.Context, text string) ([]float32, error) {
	if g == nil {
		return nil, ErrUnavailable
	}
	key := types.ContentHash(text)
	if vec, ok := g.cache.Get(key); ok {
		return vec, nil
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var vec []float32
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		out, err := g.breaker.Execute(func() (any, error) {
			return g.fn(callCtx, text)
		})
		if err != nil {
			return err
		}
		v, ok := out.([]float32)
		if !ok || len(v) == 0 {
			return backoff.Permanent(fmt.Errorf("embedder returned empty vector"))
		}
		vec = v
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.retries), ctx)
	if err := backoff.Retry(func() error {
		err := attempt()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			// An open circuit will not heal within this call's budget.
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		default:
			return err
		}
	}, policy); err != nil {
		metrics.EmbedFailuresTotal.Inc()
		g.log.Warn().Err(err).Msg("embed failed")
		if errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	g.cache.Add(key, vec)
	return vec, nil
}

// Cosine returns the cosine similarity of two vectors, or 0 when either is
// empty or their dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
