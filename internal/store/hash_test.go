package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashToken_RoundTripsThroughCompareTokenHash(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hash, err := HashToken("harvestctl_abc123")
	require.NoError(t, err)

	assert.True(t, CompareTokenHash(hash, "harvestctl_abc123"))
	assert.False(t, CompareTokenHash(hash, "harvestctl_wrong"))
}

func TestHashToken_RejectsEmptyToken(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := HashToken("")
	require.ErrorIs(t, err, ErrNilRecord)
}

func TestHashToken_HandlesTokensLongerThanBcryptLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	long := "harvestctl_" + strings.Repeat("a", 200)

	hash, err := HashToken(long)
	require.NoError(t, err)
	assert.True(t, CompareTokenHash(hash, long))
}

func TestTokenLookupHash_DeterministicAndDistinct(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := TokenLookupHash("harvestctl_one")
	b := TokenLookupHash("harvestctl_one")
	c := TokenLookupHash("harvestctl_two")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSecureCompare(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.True(t, SecureCompare("matching", "matching"))
	assert.False(t, SecureCompare("matching", "different"))
	assert.False(t, SecureCompare("short", "longerstring"))
}
