package llm

// Wire types for the Responses API. Only the fields this server touches
// are modeled; unknown response fields are ignored by the decoder.

// responsesRequest is the POST /v1/responses body. Input is either a
// string (first turn) or a []inputItem (tool-call follow-up).
type responsesRequest struct {
	Model              string           `json:"model"`
	Input              any              `json:"input"`
	Stream             bool             `json:"stream,omitempty"`
	Background         bool             `json:"background,omitempty"`
	Store              bool             `json:"store"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	Temperature        *float64         `json:"temperature,omitempty"`
	Reasoning          *reasoningParams `json:"reasoning,omitempty"`
	Tools              []openAIToolDecl `json:"tools,omitempty"`
}

type reasoningParams struct {
	Effort string `json:"effort"`
}

// openAIToolDecl is the Responses-API function-tool shape: name and
// parameters at top level, no nested "function" wrapper.
type openAIToolDecl struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// inputItem is one element of a follow-up input array.
type inputItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// responsesResponse is the full response object, returned by synchronous
// calls, polls, and the stream's terminal event.
type responsesResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []outputItem `json:"output"`
	Error  *wireError   `json:"error"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type outputItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id"`
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Role      string        `json:"role"`
	Content   []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Terminal statuses for background polling. queued and in_progress are
// not failures.
func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "incomplete":
		return true
	}
	return false
}

// text concatenates every output_text part of every message item.
func (r *responsesResponse) text() string {
	var out string
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				out += part.Text
			}
		}
	}
	return out
}

// functionCalls returns the function_call items, if any.
func (r *responsesResponse) functionCalls() []outputItem {
	var calls []outputItem
	for _, item := range r.Output {
		if item.Type == "function_call" {
			calls = append(calls, item)
		}
	}
	return calls
}

// streamEvent is one SSE data payload. The fields cover the event shapes
// seen in the wild: delta events, snapshot text fields, and the terminal
// event carrying the whole response object.
type streamEvent struct {
	Type       string             `json:"type"`
	Delta      string             `json:"delta"`
	Text       string             `json:"text"`
	OutputText string             `json:"output_text"`
	Response   *responsesResponse `json:"response"`
	ID         string             `json:"id"`
	ItemID     string             `json:"item_id"`
}
