package llmoracle

import "context"

// StaticOracle returns a fixed, pre-scripted sequence of term batches. It
// exists for tests and for operators running without a configured LLM
// endpoint — each call consumes the next batch, repeating the last one
// once the sequence is exhausted.
type StaticOracle struct {
	Batches [][]string
	calls   int
}

// NewStaticOracle returns a StaticOracle that yields batches in order.
func NewStaticOracle(batches ...[]string) *StaticOracle {
	return &StaticOracle{Batches: batches}
}

// SuggestExclusionTerms returns the next scripted batch, filtering out
// anything already excluded.
func (o *StaticOracle) SuggestExclusionTerms(_ context.Context, req Request) (Response, error) {
	if len(o.Batches) == 0 {
		return Response{}, nil
	}

	idx := o.calls
	if idx >= len(o.Batches) {
		idx = len(o.Batches) - 1
	}

	o.calls++

	excluded := make(map[string]bool, len(req.AlreadyExcluded))
	for _, t := range req.AlreadyExcluded {
		excluded[t] = true
	}

	var fresh []string

	for _, t := range o.Batches[idx] {
		if !excluded[t] {
			fresh = append(fresh, t)
		}
	}

	return Response{
		Terms:       fresh,
		Prompt:      "static fixture",
		RawResponse: "static fixture",
	}, nil
}
