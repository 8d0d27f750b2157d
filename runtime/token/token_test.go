package token

import (
	"math"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestNewEstimator(t *testing.T) {
	t.Parallel()

	e, err := NewEstimator(0)
	require.NoError(t, err)
	require.Equal(t, DefaultCharsPerToken, e.CharsPerToken())

	e, err = NewEstimator(3)
	require.NoError(t, err)
	require.Equal(t, 3, e.CharsPerToken())

	_, err = NewEstimator(-1)
	require.Error(t, err)
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	e, err := NewEstimator(4)
	require.NoError(t, err)

	require.Equal(t, 0, e.Estimate(""))
	require.Equal(t, 1, e.Estimate("a"))
	require.Equal(t, 1, e.Estimate("abcd"))
	require.Equal(t, 2, e.Estimate("abcde"))
	require.Equal(t, 25, e.Estimate(strings.Repeat("x", 100)))
}

func TestEstimateIsCeilingOfRatio(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("estimate equals ceil(len/charsPerToken)", prop.ForAll(
		func(text string, ratio int) bool {
			e, err := NewEstimator(ratio)
			if err != nil {
				return false
			}
			want := int(math.Ceil(float64(len(text)) / float64(ratio)))
			return e.Estimate(text) == want
		},
		gen.AnyString(),
		gen.IntRange(1, 16),
	))

	properties.Property("batch estimate is the sum of estimates", prop.ForAll(
		func(texts []string) bool {
			e, err := NewEstimator(4)
			if err != nil {
				return false
			}
			sum := 0
			for _, t := range texts {
				sum += e.Estimate(t)
			}
			return e.EstimateBatch(texts) == sum
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

func TestTruncateToTokens(t *testing.T) {
	t.Parallel()

	e, err := NewEstimator(4)
	require.NoError(t, err)

	short := "hello"
	require.Equal(t, short, e.TruncateToTokens(short, 10))

	long := strings.Repeat("abcd", 100) // 400 chars, 100 tokens
	got := e.TruncateToTokens(long, 10)
	require.True(t, strings.HasSuffix(got, "..."))
	require.LessOrEqual(t, e.Estimate(got), 10)
	require.True(t, strings.HasPrefix(long, strings.TrimSuffix(got, "...")))

	require.Equal(t, "", e.TruncateToTokens(long, 0))
	require.Equal(t, "", e.TruncateToTokens(long, -3))
}

func TestTruncatePreservesRuneBoundaries(t *testing.T) {
	t.Parallel()

	e, err := NewEstimator(4)
	require.NoError(t, err)

	long := strings.Repeat("héllo wörld ", 50)
	for max := 1; max < 40; max++ {
		got := e.TruncateToTokens(long, max)
		require.True(t, strings.HasSuffix(got, "..."), "max=%d", max)
		prefix := strings.TrimSuffix(got, "...")
		require.True(t, strings.HasPrefix(long, prefix), "max=%d", max)
		require.LessOrEqual(t, e.Estimate(got), max, "max=%d", max)
	}
}
