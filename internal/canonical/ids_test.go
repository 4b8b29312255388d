package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageKey_Deterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	k1 := PageKey("job-1", "edition-1", "2020", 3)
	k2 := PageKey("job-1", "edition-1", "2020", 3)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestPageKey_DiffersByPage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	k1 := PageKey("job-1", "edition-1", "2020", 3)
	k2 := PageKey("job-1", "edition-1", "2020", 4)

	assert.NotEqual(t, k1, k2)
}

func TestIdempotencyKey_DiffersByPurpose(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	k1 := IdempotencyKey("run-1", "exclusion_probe", "q")
	k2 := IdempotencyKey("run-1", "exclusion_harvest", "q")

	assert.NotEqual(t, k1, k2)
}
