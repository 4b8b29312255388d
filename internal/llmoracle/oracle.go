// Package llmoracle provides the "suggest exclusion terms" collaborator
// the Partition Planner (SPEC_FULL.md §4.4) calls into. The LLM itself is
// an external, out-of-scope collaborator (spec.md §1: "the LLM is treated
// as a pure 'suggest exclusion terms' oracle"); this package defines the
// interface the planner depends on and one concrete HTTP-backed
// implementation.
package llmoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Request captures the context the planner gives the oracle for one call
// (spec.md §9: "suggest_exclusion_terms(title, year, current_count,
// already_excluded) → term[]").
type Request struct {
	Title           string
	Year            int
	CurrentCount    int
	AlreadyExcluded []string
}

// Response is one oracle call's outcome, including the fields the planner
// logs onto PartitionLLMCall (§4.4: "full prompt, full response, input/
// output tokens, and latency").
type Response struct {
	Terms        []string
	Prompt       string
	RawResponse  string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Oracle suggests a batch of candidate title-exclusion terms.
type Oracle interface {
	SuggestExclusionTerms(ctx context.Context, req Request) (Response, error)
}

// BatchSize is the candidate-term batch size the planner asks for per call
// (§4.4: "a batch of 25-30 candidate terms").
const BatchSize = 30

// HTTPOracle calls a hosted LLM completion endpoint via resty, the pack's
// HTTP transport of choice (teacher/`kirbs-btw-spotify-playlist-dataset`).
type HTTPOracle struct {
	client  *resty.Client
	model   string
	baseURL string
}

// NewHTTPOracle builds an HTTPOracle against baseURL (an OpenAI-compatible
// chat completions endpoint) using apiKey for bearer authentication.
func NewHTTPOracle(baseURL, apiKey, model string) *HTTPOracle {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &HTTPOracle{client: client, model: model, baseURL: baseURL}
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// SuggestExclusionTerms asks the completion endpoint for a batch of
// candidate exclusion terms, prompting it to respond with a JSON array.
func (o *HTTPOracle) SuggestExclusionTerms(ctx context.Context, req Request) (Response, error) {
	prompt := buildPrompt(req)
	start := time.Now()

	var body chatCompletionResponse

	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(chatCompletionRequest{
			Model: o.model,
			Messages: []chatMessage{
				{Role: "system", Content: "Respond only with a JSON array of short title-exclusion terms."},
				{Role: "user", Content: prompt},
			},
		}).
		SetResult(&body).
		Post("/chat/completions")

	latency := time.Since(start)

	if err != nil {
		return Response{}, fmt.Errorf("llmoracle: request: %w", err)
	}

	if resp.IsError() {
		return Response{}, fmt.Errorf("llmoracle: status %d: %s", resp.StatusCode(), resp.String())
	}

	if len(body.Choices) == 0 {
		return Response{Prompt: prompt, RawResponse: resp.String(), Latency: latency}, nil
	}

	raw := body.Choices[0].Message.Content

	var terms []string
	if err := json.Unmarshal([]byte(raw), &terms); err != nil {
		return Response{}, fmt.Errorf("llmoracle: parse terms from response: %w", err)
	}

	return Response{
		Terms:        terms,
		Prompt:       prompt,
		RawResponse:  raw,
		InputTokens:  body.Usage.PromptTokens,
		OutputTokens: body.Usage.CompletionTokens,
		Latency:      latency,
	}, nil
}

func buildPrompt(req Request) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Title: %s\nYear: %d\nCurrent result count: %d\n", req.Title, req.Year, req.CurrentCount)

	if len(req.AlreadyExcluded) > 0 {
		fmt.Fprintf(&sb, "Already tried (do not repeat): %s\n", strings.Join(req.AlreadyExcluded, ", "))
	}

	fmt.Fprintf(&sb, "Suggest up to %d additional title terms whose exclusion would reduce this count.", BatchSize)

	return sb.String()
}
