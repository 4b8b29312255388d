package llmoracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticOracle_ReturnsBatchesInOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	oracle := NewStaticOracle([]string{"cultural", "analysis"}, []string{"social"})

	first, err := oracle.SuggestExclusionTerms(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"cultural", "analysis"}, first.Terms)

	second, err := oracle.SuggestExclusionTerms(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"social"}, second.Terms)
}

func TestStaticOracle_FiltersAlreadyExcluded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	oracle := NewStaticOracle([]string{"cultural", "analysis", "social"})

	resp, err := oracle.SuggestExclusionTerms(context.Background(), Request{AlreadyExcluded: []string{"analysis"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"cultural", "social"}, resp.Terms)
}

func TestStaticOracle_RepeatsLastBatchOnceExhausted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	oracle := NewStaticOracle([]string{"a"})

	_, err := oracle.SuggestExclusionTerms(context.Background(), Request{})
	require.NoError(t, err)

	resp, err := oracle.SuggestExclusionTerms(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, resp.Terms)
}
