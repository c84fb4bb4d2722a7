// Package mocks provides hand-rolled test doubles for the component
// interfaces. Kept out of _test files so every package's tests can share
// them.
package mocks

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/voxcraft/vox-cli/api/schemas"
)

// Call records one browser invocation for assertion.
type Call struct {
	Op   string
	Args []string
}

// MockBrowser implements schemas.BrowserAutomator with scriptable per-op
// failures. ErrFor maps an op name to the errors returned on successive
// calls; once the script is exhausted the op succeeds.
type MockBrowser struct {
	mu     sync.Mutex
	calls  []Call
	errFor map[string][]error
	seen   map[string]int

	// NavigateOutput and ExtractOutput override the default canned outputs.
	NavigateOutput map[string]any
	ExtractOutput  map[string]any
	ScreenshotRef  string
	DownloadRef    string

	closed bool
}

// NewMockBrowser returns a browser double where every operation succeeds.
func NewMockBrowser() *MockBrowser {
	return &MockBrowser{
		errFor:        make(map[string][]error),
		seen:          make(map[string]int),
		ScreenshotRef: "screenshot-1.png",
		DownloadRef:   "download-1",
	}
}

// FailWith scripts errs as the results of the next calls to op, in order.
func (m *MockBrowser) FailWith(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errFor[op] = append(m.errFor[op], errs...)
}

// Calls returns a copy of the recorded invocations in order.
func (m *MockBrowser) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (m *MockBrowser) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[op]
}

// Closed reports whether Close was called.
func (m *MockBrowser) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockBrowser) record(op string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: op, Args: args})
	m.seen[op]++
	if script := m.errFor[op]; len(script) > 0 {
		err := script[0]
		m.errFor[op] = script[1:]
		return err
	}
	return nil
}

func (m *MockBrowser) Navigate(ctx context.Context, url string) (map[string]any, error) {
	if err := m.record("navigate", url); err != nil {
		return nil, err
	}
	if m.NavigateOutput != nil {
		return m.NavigateOutput, nil
	}
	return map[string]any{"url": url, "title": "Mock Page"}, nil
}

func (m *MockBrowser) Search(ctx context.Context, query string) (map[string]any, error) {
	if err := m.record("search", query); err != nil {
		return nil, err
	}
	return map[string]any{"url": "https://search.example/?q=" + query, "title": "Results", "query": query}, nil
}

func (m *MockBrowser) Click(ctx context.Context, selector string) error {
	return m.record("click", selector)
}

func (m *MockBrowser) Type(ctx context.Context, selector, text string) error {
	return m.record("type", selector, text)
}

func (m *MockBrowser) Extract(ctx context.Context, dataType, selector string) (map[string]any, error) {
	if err := m.record("extract", dataType, selector); err != nil {
		return nil, err
	}
	if m.ExtractOutput != nil {
		return m.ExtractOutput, nil
	}
	return map[string]any{"data_type": dataType, "text": "mock extracted text"}, nil
}

func (m *MockBrowser) Scroll(ctx context.Context, direction string, amount int) error {
	return m.record("scroll", direction)
}

func (m *MockBrowser) Wait(ctx context.Context, condition string, timeout time.Duration) error {
	return m.record("wait", condition)
}

func (m *MockBrowser) Screenshot(ctx context.Context) (string, error) {
	if err := m.record("screenshot"); err != nil {
		return "", err
	}
	return m.ScreenshotRef, nil
}

func (m *MockBrowser) FillForm(ctx context.Context, fields map[string]string) error {
	args := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return m.record("fill_form", args...)
}

func (m *MockBrowser) Download(ctx context.Context, url string) (string, error) {
	if err := m.record("download", url); err != nil {
		return "", err
	}
	return m.DownloadRef, nil
}

func (m *MockBrowser) Upload(ctx context.Context, selector, fileRef string) error {
	return m.record("upload", selector, fileRef)
}

func (m *MockBrowser) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.record("close")
}

// MockIntentSource implements schemas.IntentSource from a fixed script.
// Exhausting the script returns io.EOF, matching the stdin source.
type MockIntentSource struct {
	mu      sync.Mutex
	Intents []schemas.RawIntent
	Err     error
	idx     int
}

func (m *MockIntentSource) Next() (schemas.RawIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return schemas.RawIntent{}, m.Err
	}
	if m.idx >= len(m.Intents) {
		return schemas.RawIntent{}, io.EOF
	}
	intent := m.Intents[m.idx]
	m.idx++
	return intent, nil
}
