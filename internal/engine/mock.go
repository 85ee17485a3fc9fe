package engine

import "context"

// MockSynthesizer is a test double that records requests and returns canned
// results.
type MockSynthesizer struct {
	Requests []Request
	Result   *Result
	Err      error
	// Fn, when set, overrides Result and Err.
	Fn func(ctx context.Context, req Request) (*Result, error)
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, req Request) (*Result, error) {
	m.Requests = append(m.Requests, req)
	if m.Fn != nil {
		return m.Fn(ctx, req)
	}
	return m.Result, m.Err
}
