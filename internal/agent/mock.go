package agent

import "context"

// MockRunner is a Runner for tests with an overridable RunFunc.
type MockRunner struct {
	RunFunc func(ctx context.Context, req RunRequest) (*RunResult, error)

	// Calls records every request, for test assertions.
	Calls []RunRequest
}

// Run records the request and delegates to RunFunc, or returns a canned
// result when no override is set.
func (m *MockRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	m.Calls = append(m.Calls, req)
	if m.RunFunc != nil {
		return m.RunFunc(ctx, req)
	}
	return &RunResult{
		Output: "Built a page for: " + req.Prompt,
		Files:  map[string]string{"app/page.tsx": "export default function Page() { return null }"},
	}, nil
}
