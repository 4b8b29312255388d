package jobengine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/thereferee/harvester/internal/model"
)

// webhookPayload is the JSON body POSTed to a Job's callback_url on
// completion (§6: `{event: "job.<state>", job_id, job_type, status,
// seed_paper_id?, result?, error?, progress, timestamp}`).
type webhookPayload struct {
	Event       string           `json:"event"`
	JobID       string           `json:"job_id"`
	JobType     model.JobKind    `json:"job_type"`
	Status      model.JobStatus  `json:"status"`
	SeedPaperID string           `json:"seed_paper_id,omitempty"`
	Result      *model.JobResult `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Progress    int              `json:"progress"`
	Timestamp   time.Time        `json:"timestamp"`
}

// sendWebhook POSTs the terminal state of job to its callback URL, signing
// the canonicalized (sorted-key) body with HMAC-SHA256 when a secret is
// configured. Errors are logged by the caller and never fail the Job itself
// — the webhook is best-effort notification, not part of the Job's result.
func (e *Engine) sendWebhook(ctx context.Context, job *model.Job, secret string) error {
	payload := webhookPayload{
		Event:       "job." + string(job.Status),
		JobID:       job.ID,
		JobType:     job.Kind,
		Status:      job.Status,
		SeedPaperID: job.SeedPaperID,
		Result:      job.Result,
		Error:       job.Error,
		Progress:    job.Progress,
		Timestamp:   timeOrZero(job.FinishedAt),
	}

	body, err := canonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("jobengine: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("jobengine: build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if secret != "" {
		req.Header.Set("X-Webhook-Signature", signHMAC(secret, body))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jobengine: webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("jobengine: webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// canonicalJSON marshals v with its object keys sorted, matching the "keys
// sorted" HMAC canonicalization rule in §4.1.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return marshalSorted(generic)
}

func marshalSorted(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}

		buf.Write(keyJSON)
		buf.WriteByte(':')

		valJSON, err := marshalValue(m[k])
		if err != nil {
			return nil, err
		}

		buf.Write(valJSON)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

func marshalValue(v any) ([]byte, error) {
	if nested, ok := v.(map[string]any); ok {
		return marshalSorted(nested)
	}

	return json.Marshal(v)
}

// signHMAC returns the §6 X-Webhook-Signature value: "sha256=" followed by
// the hex-encoded HMAC-SHA256 of the canonicalized body.
func signHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}

	return *t
}
