package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/lukacf/mcp-the-force-sub004/internal/history"
)

// MockAdapter is the scripted backend used in tests and adapter-mock
// mode. It emits a configurable number of function calls before settling
// on a text answer, so tool-call loops can be exercised without a
// provider.
type MockAdapter struct {
	mu sync.Mutex

	// FunctionCalls is the number of tool-call turns to script before
	// returning Text. Each scripted call targets CallTool with CallArgs.
	FunctionCalls int
	CallTool      string
	CallArgs      map[string]any
	Text          string

	// Err, when set, fails every Generate call.
	Err error

	// Recorded state for assertions.
	Requests        []GenerateRequest
	LastPreviousID  string
	toolOutputs     []string
	responseCounter int
}

func (m *MockAdapter) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.LastPreviousID = req.PreviousResponseID
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	// Each scripted tool-call turn produces a response id; the follow-up
	// request chains from it, exactly like the Responses API.
	for i := 0; i < m.FunctionCalls; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		turnID := m.nextID()
		m.mu.Lock()
		m.LastPreviousID = turnID
		m.mu.Unlock()
		if req.RunTool != nil {
			args := m.CallArgs
			if args == nil {
				args = map[string]any{}
			}
			out := req.RunTool(ctx, m.CallTool, args)
			m.mu.Lock()
			m.toolOutputs = append(m.toolOutputs, out)
			m.mu.Unlock()
		}
	}

	text := m.Text
	if text == "" {
		text = "mock response"
	}
	res := &Result{
		Content:    text,
		ResponseID: m.nextID(),
	}

	// Mirror the history contract of the real adapters.
	res.History = append(append([]history.Item{}, req.History...),
		history.UserMessage(req.Prompt),
		history.AssistantMessage(text))
	res.ChatHistory = append(append([]history.ChatMessage{}, req.ChatHistory...),
		history.ChatMessage{Role: "user", Content: req.Prompt},
		history.ChatMessage{Role: "assistant", Content: text})
	return res, nil
}

// ToolOutputs returns the results of every scripted tool call.
func (m *MockAdapter) ToolOutputs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.toolOutputs...)
}

func (m *MockAdapter) nextID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseCounter++
	return fmt.Sprintf("resp_mock_%04d", m.responseCounter)
}
