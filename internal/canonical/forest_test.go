package canonical

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCanonicalRoot_RootEdition(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	lookup := func(id string) (string, error) { return "", nil }

	root, err := ResolveCanonicalRoot("e1", lookup)
	require.NoError(t, err)
	assert.Equal(t, "e1", root)
}

func TestResolveCanonicalRoot_WalksChain(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// e3 -> e2 -> e1 (root)
	parents := map[string]string{"e3": "e2", "e2": "e1", "e1": ""}
	lookup := func(id string) (string, error) { return parents[id], nil }

	root, err := ResolveCanonicalRoot("e3", lookup)
	require.NoError(t, err)
	assert.Equal(t, "e1", root)
}

func TestResolveCanonicalRoot_RejectsCycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	parents := map[string]string{"e1": "e2", "e2": "e1"}
	lookup := func(id string) (string, error) { return parents[id], nil }

	_, err := ResolveCanonicalRoot("e1", lookup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))
}

func TestResolveCanonicalRoot_PropagatesLookupError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	boom := errors.New("db down")
	lookup := func(id string) (string, error) { return "", boom }

	_, err := ResolveCanonicalRoot("e1", lookup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}
