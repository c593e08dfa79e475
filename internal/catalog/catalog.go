// Package catalog holds the embedded model catalog. Each record names a
// remote model, the provider that serves it, and the capability knobs the
// dispatch engine keys off (context window, streaming support, forced
// background mode, default timeout).
package catalog

import (
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed models.toml
var modelsTOML []byte

// Model is one catalog record.
type Model struct {
	Name            string `toml:"name"`
	Alias           string `toml:"alias"`
	ToolPrefix      string `toml:"tool_prefix"`
	Provider        string `toml:"provider"`
	ContextWindow   int    `toml:"context_window"`
	SupportsStream  bool   `toml:"supports_stream"`
	ForceBackground bool   `toml:"force_background"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	ReasoningEffort bool   `toml:"reasoning_effort"`
	ThinkingBudget  bool   `toml:"thinking_budget"`
	Summarizer      bool   `toml:"summarizer"`
	Description     string `toml:"description"`
}

// ToolName returns the MCP tool name for this model, e.g. chat_with_gpt41.
func (m Model) ToolName() string {
	prefix := m.ToolPrefix
	if prefix == "" {
		prefix = "chat_with"
	}
	return prefix + "_" + m.Alias
}

// Timeout returns the model's default per-request timeout.
func (m Model) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

type catalogFile struct {
	Models []Model `toml:"models"`
}

var (
	loadOnce sync.Once
	loaded   []Model
	byName   map[string]Model
	byAlias  map[string]Model
	loadErr  error
)

func load() {
	loadOnce.Do(func() {
		var cf catalogFile
		if err := toml.Unmarshal(modelsTOML, &cf); err != nil {
			loadErr = fmt.Errorf("parse embedded model catalog: %w", err)
			return
		}
		loaded = cf.Models
		byName = make(map[string]Model, len(loaded))
		byAlias = make(map[string]Model, len(loaded))
		for _, m := range loaded {
			byName[m.Name] = m
			byAlias[m.Alias] = m
		}
	})
}

// All returns every catalog record in file order.
func All() []Model {
	load()
	return loaded
}

// ByName looks a model up by its provider-facing name (e.g. "o3-pro").
func ByName(name string) (Model, bool) {
	load()
	m, ok := byName[name]
	return m, ok
}

// ByAlias looks a model up by its tool alias (e.g. "gemini25_pro").
func ByAlias(alias string) (Model, bool) {
	load()
	m, ok := byAlias[alias]
	return m, ok
}

// Summarizer returns the model flagged as the summarizer tier, used by the
// session compactor for cross-provider handoff summaries.
func Summarizer() (Model, bool) {
	load()
	for _, m := range loaded {
		if m.Summarizer {
			return m, true
		}
	}
	return Model{}, false
}
