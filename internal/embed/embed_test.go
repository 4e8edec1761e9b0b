package embed

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilGuardIsUnavailable(t *testing.T) {
	var g *Guard
	assert.False(t, g.Available())
	_, err := g.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Nil(t, NewGuard(nil, Config{}))
}

func TestEmbedCachesByNormalizedContent(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{1, 0}, nil
	}
	g := NewGuard(fn, Config{CacheSize: 8})

	ctx := context.Background()
	_, err := g.Embed(ctx, "Hello World")
	require.NoError(t, err)
	// Same content modulo case and whitespace hits the cache.
	_, err = g.Embed(ctx, "hello   world")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, text string) ([]float32, error) {
		if calls.Add(1) < 2 {
			return nil, errors.New("transient")
		}
		return []float32{0.5}, nil
	}
	g := NewGuard(fn, Config{MaxRetries: 3})

	vec, err := g.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, vec)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedReportsUnavailableAfterExhaustion(t *testing.T) {
	fn := func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("down")
	}
	g := NewGuard(fn, Config{MaxRetries: 1})

	_, err := g.Embed(context.Background(), "doomed")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine(nil, []float32{1}), "empty vector")
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}), "dimension mismatch")
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{0, 0}), "zero norm")

	got := Cosine([]float32{1, 1}, []float32{1, 0})
	assert.InDelta(t, 1/math.Sqrt2, got, 1e-9)
}
