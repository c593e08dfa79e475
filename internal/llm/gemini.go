package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/lukacf/mcp-the-force-sub004/internal/history"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
)

// GeminiAdapter replays conversation history client-side and drives the
// function-call loop, preserving thought signatures across turns.
type GeminiAdapter struct {
	client *genai.Client
}

// NewGemini builds the Gemini adapter against the public Gemini API.
func NewGemini(ctx context.Context, apiKey string) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiAdapter{client: client}, nil
}

func (a *GeminiAdapter) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	contents := history.ItemsToContents(req.History)
	contents = append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Prompt}},
	})

	cfg := a.config(req)

	var text string
	for iter := 0; ; iter++ {
		resp, err := a.client.Models.GenerateContent(ctx, req.Model.Name, contents, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &ProviderError{Provider: "gemini", Message: err.Error()}
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return nil, &ProviderError{Provider: "gemini", Message: "empty candidate list"}
		}

		// The model's turn joins the history as-is, thought signatures
		// included — they must be echoed verbatim on the next request.
		modelTurn := resp.Candidates[0].Content
		contents = append(contents, modelTurn)

		var calls []*genai.FunctionCall
		text = ""
		for _, part := range modelTurn.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil {
				calls = append(calls, part.FunctionCall)
			}
			if part.Text != "" {
				text += part.Text
			}
		}

		if len(calls) == 0 || req.RunTool == nil || iter >= toolCallLoopCap {
			break
		}

		responses := make([]*genai.Part, 0, len(calls))
		for _, call := range calls {
			args := call.Args
			if args == nil {
				args = map[string]any{}
			}
			L_debug("gemini: running tool call", "tool", call.Name)
			out := req.RunTool(ctx, call.Name, args)
			responses = append(responses, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       call.ID,
					Name:     call.Name,
					Response: map[string]any{"result": out},
				},
			})
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: responses})
	}

	return &Result{
		Content: text,
		History: history.ContentsToItems(contents),
	}, nil
}

// config builds the per-request generation settings: all safety
// categories off (this is a developer-facing tool), temperature and
// thinking budget passed through, tools attached.
func (a *GeminiAdapter) config(req GenerateRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SafetySettings: safetyOff(),
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.ThinkingBudget != nil && req.Model.ThinkingBudget {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: req.ThinkingBudget}
	}
	if decls := declsToGemini(req.Tools); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func safetyOff() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	settings := make([]*genai.SafetySetting, len(categories))
	for i, cat := range categories {
		settings[i] = &genai.SafetySetting{
			Category:  cat,
			Threshold: genai.HarmBlockThresholdBlockNone,
		}
	}
	return settings
}

// declsToGemini reshapes tool declarations into FunctionDeclaration form.
func declsToGemini(tools []ToolDef) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  mapToGeminiSchema(t.Parameters),
		})
	}
	return decls
}

// mapToGeminiSchema converts a JSON-Schema object into genai.Schema.
// Gemini's validator rejects unknown keywords, so only the common subset
// is carried over.
func mapToGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}

	switch schema["type"] {
	case "object":
		out.Type = genai.TypeObject
	case "string":
		out.Type = genai.TypeString
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	}

	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, sub := range props {
			if subMap, ok := sub.(map[string]any); ok {
				out.Properties[name] = mapToGeminiSchema(subMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = mapToGeminiSchema(items)
	}
	if req, ok := schema["required"].([]string); ok {
		out.Required = req
	} else if reqAny, ok := schema["required"].([]any); ok {
		for _, r := range reqAny {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if enum, ok := schema["enum"].([]string); ok {
		out.Enum = enum
	}
	return out
}
