// Package tokens provides token estimation utilities using tiktoken.
// Counts are estimates: the packer budgets against them, it does not
// promise exact provider-side accounting.
package tokens

import (
	"os"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
)

// Estimator provides token estimation using tiktoken
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// DefaultEncoding is cl100k_base, a reasonable cross-model approximation.
const DefaultEncoding = "cl100k_base"

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// Get returns the global token estimator (singleton)
func Get() *Estimator {
	globalEstimatorOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: failed to create estimator, using fallback", "error", err)
			globalEstimator = &Estimator{} // fallback to char-based estimation
		}
	})
	return globalEstimator
}

// New creates a new token estimator
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for a string.
// Falls back to chars/4 if tiktoken unavailable.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	tokens := e.encoding.Encode(text, nil, nil)
	return len(tokens)
}

// CountFile returns the token count for a file's contents.
func (e *Estimator) CountFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return e.Count(string(data)), nil
}

// Estimate is a convenience function using the global estimator.
func Estimate(text string) int {
	return Get().Count(text)
}

// EstimateBytes approximates tokens from a byte size without reading the
// file. Used by the packer's first greedy pass; exact counts happen only
// for files that make the inline cut.
func EstimateBytes(size int64) int {
	return int(size / 4)
}
