package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	backgroundPollEvery  = 3 * time.Second
)

// OpenAIAdapter speaks the Responses API directly over HTTP. The official
// SDK models the chat surface; the id-chained Responses flow with
// background polling is simpler to drive against the raw wire format.
type OpenAIAdapter struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewOpenAI builds the Responses-API adapter. baseURL is overridable for
// tests and proxies.
func NewOpenAI(apiKey, baseURL string) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	return &OpenAIAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No client timeout: deadlines come from the request context,
		// and background jobs legitimately run for an hour.
		http: &http.Client{},
	}
}

func (a *OpenAIAdapter) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	body := responsesRequest{
		Model:              req.Model.Name,
		Input:              req.Prompt,
		Store:              true,
		PreviousResponseID: req.PreviousResponseID,
		Temperature:        req.Temperature,
		Tools:              declsToOpenAI(req.Tools),
	}
	if req.ReasoningEffort != "" {
		body.Reasoning = &reasoningParams{Effort: req.ReasoningEffort}
	}

	mode := PickDispatchMode(req.Model, req.Timeout)
	L_debug("openai: dispatching", "model", req.Model.Name, "mode", mode.String(), "timeout", req.Timeout)
	if mode == ModeBackground {
		return a.generateBackground(ctx, req, body)
	}
	return a.generateStreaming(ctx, req, body)
}

// declsToOpenAI reshapes tool declarations into the flat Responses-API
// form.
func declsToOpenAI(tools []ToolDef) []openAIToolDecl {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAIToolDecl, len(tools))
	for i, t := range tools {
		out[i] = openAIToolDecl{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// generateBackground submits with background=true and polls until the
// job is terminal, chasing tool-call follow-ups through the response
// chain.
func (a *OpenAIAdapter) generateBackground(ctx context.Context, req GenerateRequest, body responsesRequest) (*Result, error) {
	body.Background = true

	resp, err := a.roundTrip(ctx, http.MethodPost, "/responses", body)
	if err != nil {
		return nil, err
	}

	for iter := 0; ; iter++ {
		resp, err = a.pollUntilTerminal(ctx, resp)
		if err != nil {
			return nil, err
		}
		if resp.Status != "completed" {
			msg := resp.Status
			if resp.Error != nil {
				msg = fmt.Sprintf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, &ProviderError{Provider: "openai", Message: msg}
		}

		calls := resp.functionCalls()
		if len(calls) == 0 || resp.text() != "" || req.RunTool == nil || iter >= toolCallLoopCap {
			break
		}

		followUp := responsesRequest{
			Model:              body.Model,
			Input:              a.runCalls(ctx, req, calls),
			Store:              true,
			Background:         true,
			PreviousResponseID: resp.ID,
			Temperature:        body.Temperature,
			Reasoning:          body.Reasoning,
			Tools:              body.Tools,
		}
		resp, err = a.roundTrip(ctx, http.MethodPost, "/responses", followUp)
		if err != nil {
			return nil, err
		}
	}
	return finish(resp.text(), resp.ID, req), nil
}

// pollUntilTerminal probes the job every few seconds. A job still queued
// or in_progress is healthy; only the context deadline ends the wait.
func (a *OpenAIAdapter) pollUntilTerminal(ctx context.Context, resp *responsesResponse) (*responsesResponse, error) {
	for !isTerminalStatus(resp.Status) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backgroundPollEvery):
		}
		var err error
		resp, err = a.roundTrip(ctx, http.MethodGet, "/responses/"+resp.ID, nil)
		if err != nil {
			return nil, err
		}
		L_trace("openai: poll", "id", resp.ID, "status", resp.Status)
	}
	return resp, nil
}

// generateStreaming submits with stream=true, concatenating text deltas
// and capturing the first resp_ id off the wire.
func (a *OpenAIAdapter) generateStreaming(ctx context.Context, req GenerateRequest, body responsesRequest) (*Result, error) {
	body.Stream = true

	var (
		responseID string
		text       strings.Builder
	)
	for iter := 0; ; iter++ {
		final, err := a.streamOnce(ctx, body, &responseID, &text)
		if err != nil {
			return nil, err
		}

		if text.Len() == 0 && final != nil {
			text.WriteString(final.text())
		}

		var calls []outputItem
		if final != nil {
			calls = final.functionCalls()
		}
		if len(calls) == 0 || text.Len() > 0 || req.RunTool == nil || iter >= toolCallLoopCap {
			break
		}

		body = responsesRequest{
			Model:              body.Model,
			Input:              a.runCalls(ctx, req, calls),
			Store:              true,
			Stream:             true,
			PreviousResponseID: final.ID,
			Temperature:        body.Temperature,
			Reasoning:          body.Reasoning,
			Tools:              body.Tools,
		}
		responseID = final.ID
	}
	return finish(text.String(), responseID, req), nil
}

// streamOnce runs one SSE exchange and returns the terminal response
// object when the stream carried one.
func (a *OpenAIAdapter) streamOnce(ctx context.Context, body responsesRequest, responseID *string, text *strings.Builder) (*responsesResponse, error) {
	httpResp, err := a.send(ctx, http.MethodPost, "/responses", body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer httpResp.Body.Close()
	if err := checkStatus(httpResp); err != nil {
		return nil, err
	}

	var final *responsesResponse
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			L_trace("openai: unparseable stream event", "error", err)
			continue
		}

		if *responseID == "" {
			if ev.Response != nil && strings.HasPrefix(ev.Response.ID, "resp_") {
				*responseID = ev.Response.ID
			} else if strings.HasPrefix(ev.ID, "resp_") {
				*responseID = ev.ID
			}
		}

		switch {
		case ev.Type == "response.output_text.delta":
			text.WriteString(ev.Delta)
		case ev.Type == "response.completed", ev.Type == "response.failed", ev.Type == "response.incomplete":
			final = ev.Response
		case ev.Delta == "" && text.Len() == 0 && ev.OutputText != "":
			text.WriteString(ev.OutputText)
		case ev.Delta == "" && text.Len() == 0 && ev.Type == "" && ev.Text != "":
			text.WriteString(ev.Text)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read response stream: %w", err)
	}
	return final, nil
}

// runCalls executes the model's function calls and builds the follow-up
// input: the calls replayed plus one output item per call.
func (a *OpenAIAdapter) runCalls(ctx context.Context, req GenerateRequest, calls []outputItem) []inputItem {
	input := make([]inputItem, 0, len(calls)*2)
	for _, call := range calls {
		input = append(input, inputItem{
			Type:      "function_call",
			CallID:    call.CallID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}
	for _, call := range calls {
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			L_warn("openai: bad function-call arguments", "tool", call.Name, "error", err)
			args = map[string]any{}
		}
		L_debug("openai: running tool call", "tool", call.Name)
		input = append(input, inputItem{
			Type:   "function_call_output",
			CallID: call.CallID,
			Output: req.RunTool(ctx, call.Name, args),
		})
	}
	return input
}

// finish assembles the result, synthesizing a diagnostic when the
// provider returned an id but no text.
func finish(content, responseID string, req GenerateRequest) *Result {
	if content == "" && responseID != "" {
		content = fmt.Sprintf(
			"The model (%s) completed response %s but returned no text output. "+
				"Retry with the same session_id to continue from this response.",
			req.Model.Name, responseID)
	}
	return &Result{Content: content, ResponseID: responseID}
}

// send issues one HTTP exchange without decoding the body.
func (a *OpenAIAdapter) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return a.http.Do(httpReq)
}

// roundTrip is send plus status mapping and JSON decode.
func (a *OpenAIAdapter) roundTrip(ctx context.Context, method, path string, body any) (*responsesResponse, error) {
	httpResp, err := a.send(ctx, method, path, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer httpResp.Body.Close()
	if err := checkStatus(httpResp); err != nil {
		return nil, err
	}
	var resp responsesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil && resp.Status == "failed" {
		return nil, &ProviderError{Provider: "openai", Message: resp.Error.Message}
	}
	return &resp, nil
}

// checkStatus maps HTTP failures. Gateway idle statuses get the
// dedicated error so the misconfiguration is visible to the caller.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if IsGatewayIdleStatus(resp.StatusCode) {
		return &GatewayIdleError{Status: resp.StatusCode}
	}
	return &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
