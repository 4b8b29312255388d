package jobengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereferee/harvester/internal/model"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	payload := webhookPayload{JobID: "j1", Status: "completed"}

	body, err := canonicalJSON(payload)
	require.NoError(t, err)

	// event sorts before job_id, job_id sorts before status.
	assert.Contains(t, string(body), `"job_id":"j1"`)
	assert.Less(t, indexOf(string(body), "event"), indexOf(string(body), "job_id"))
	assert.Less(t, indexOf(string(body), "job_id"), indexOf(string(body), "status"))
}

func TestSignHMAC_Deterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	body := []byte(`{"a":1}`)

	sig1 := signHMAC("secret", body)
	sig2 := signHMAC("secret", body)
	assert.Equal(t, sig1, sig2)

	sig3 := signHMAC("other-secret", body)
	assert.NotEqual(t, sig1, sig3)
}

func TestSignHMAC_PrefixesSha256(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sig := signHMAC("secret", []byte(`{"a":1}`))
	assert.True(t, strings.HasPrefix(sig, "sha256="))
}

func TestWebhookPayload_MatchesContract(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	job := &model.Job{
		ID:          "j1",
		Kind:        model.JobKindExtractCitations,
		Status:      model.JobCompleted,
		SeedPaperID: "sp1",
		Progress:    100,
	}

	payload := webhookPayload{
		Event:       "job." + string(job.Status),
		JobID:       job.ID,
		JobType:     job.Kind,
		Status:      job.Status,
		SeedPaperID: job.SeedPaperID,
		Progress:    job.Progress,
	}

	body, err := canonicalJSON(payload)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"event":"job.completed"`)
	assert.Contains(t, string(body), `"job_type":"extract_citations"`)
	assert.Contains(t, string(body), `"seed_paper_id":"sp1"`)
	assert.Contains(t, string(body), `"progress":100`)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}

	return -1
}
