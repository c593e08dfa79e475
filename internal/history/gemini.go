package history

import (
	"encoding/json"

	"google.golang.org/genai"
)

// ItemsToContents converts a flat history into Gemini Content turns.
// Consecutive function calls collapse into a single model turn and
// consecutive function-call outputs into a single user turn, matching how
// Gemini emitted them. Thought signatures ride on the function-call parts.
func ItemsToContents(items []Item) []*genai.Content {
	var contents []*genai.Content

	appendPart := func(role string, part *genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}

	for i, it := range items {
		switch it.Type {
		case ItemMessage:
			role := genai.RoleUser
			if it.Role == "assistant" {
				role = genai.RoleModel
			}
			// A message always starts a new turn.
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: []*genai.Part{{Text: it.Text}},
			})

		case ItemFunctionCall:
			var args map[string]any
			if it.Arguments != "" {
				if err := json.Unmarshal([]byte(it.Arguments), &args); err != nil {
					args = map[string]any{}
				}
			}
			part := &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   it.CallID,
					Name: it.Name,
					Args: args,
				},
				ThoughtSignature: it.ThoughtSignature,
			}
			// Group with the previous model turn only when the previous
			// item was also a function call.
			if i > 0 && items[i-1].Type == ItemFunctionCall {
				appendPart(genai.RoleModel, part)
			} else {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{part}})
			}

		case ItemFunctionCallOutput:
			part := &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       it.CallID,
					Name:     it.Name,
					Response: map[string]any{"result": it.Output},
				},
			}
			if i > 0 && items[i-1].Type == ItemFunctionCallOutput {
				appendPart(genai.RoleUser, part)
			} else {
				contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
			}
		}
	}

	return contents
}

// ContentsToItems is the reverse mapping: it flattens Gemini Content turns
// back into the flat history shape. The round trip preserves thought
// signatures byte-for-byte.
func ContentsToItems(contents []*genai.Content) []Item {
	var items []Item
	for _, c := range contents {
		if c == nil {
			continue
		}
		role := "user"
		if c.Role == genai.RoleModel {
			role = "assistant"
		}
		for _, p := range c.Parts {
			if p == nil {
				continue
			}
			switch {
			case p.FunctionCall != nil:
				args := "{}"
				if p.FunctionCall.Args != nil {
					if raw, err := json.Marshal(p.FunctionCall.Args); err == nil {
						args = string(raw)
					}
				}
				items = append(items, Item{
					Type:             ItemFunctionCall,
					CallID:           p.FunctionCall.ID,
					Name:             p.FunctionCall.Name,
					Arguments:        args,
					ThoughtSignature: p.ThoughtSignature,
				})
			case p.FunctionResponse != nil:
				output := ""
				if p.FunctionResponse.Response != nil {
					if r, ok := p.FunctionResponse.Response["result"].(string); ok {
						output = r
					} else if raw, err := json.Marshal(p.FunctionResponse.Response); err == nil {
						output = string(raw)
					}
				}
				items = append(items, Item{
					Type:   ItemFunctionCallOutput,
					CallID: p.FunctionResponse.ID,
					Name:   p.FunctionResponse.Name,
					Output: output,
				})
			case p.Text != "":
				items = append(items, Item{Type: ItemMessage, Role: role, Text: p.Text})
			}
		}
	}
	return items
}
