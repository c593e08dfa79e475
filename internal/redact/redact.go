// Package redact scrubs secrets from text before it is logged or persisted.
package redact

import (
	"regexp"
	"sync"
)

// pattern pairs a compiled regexp with its replacement.
type pattern struct {
	re   *regexp.Regexp
	repl string
}

var (
	patternsMu sync.RWMutex
	patterns   = []pattern{
		// OpenAI / xAI style keys
		{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), "sk-***"},
		{regexp.MustCompile(`xai-[A-Za-z0-9_-]{20,}`), "xai-***"},
		// Google API keys
		{regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`), "AIza***"},
		// AWS access keys
		{regexp.MustCompile(`AKIA[A-Z0-9]{16}`), "AKIA***"},
		// Bearer tokens in headers or log lines
		{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/-]{16,}=*`), "${1}***"},
		// Generic key=value / key: value assignments
		{regexp.MustCompile(`(?i)((?:api[_-]?key|secret|token|password|passwd)["']?\s*[:=]\s*["']?)[^\s"',;]{8,}`), "${1}***"},
		// Private key blocks
		{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED PRIVATE KEY]"},
	}
)

// Scrub replaces anything that looks like a credential with a placeholder.
// Applied to every outbound log record and every persisted response.
func Scrub(s string) string {
	if s == "" {
		return s
	}
	patternsMu.RLock()
	defer patternsMu.RUnlock()
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

// AddPattern registers an extra scrub pattern at runtime (from config).
// Invalid expressions are ignored.
func AddPattern(expr string) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return
	}
	patternsMu.Lock()
	patterns = append(patterns, pattern{re, "***"})
	patternsMu.Unlock()
}
