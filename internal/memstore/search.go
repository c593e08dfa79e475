package memstore

import (
	"context"
	"strings"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/redact"
	"github.com/lukacf/mcp-the-force-sub004/internal/scope"
	"github.com/lukacf/mcp-the-force-sub004/internal/vectorstore"
)

// Search fan-out defaults, used when Options leaves them unset.
const (
	defaultSearchConcurrency = 5
	defaultSearchTimeout     = 10 * time.Second
)

// SearchOptions shapes a project-memory search.
type SearchOptions struct {
	MaxResults int      // default 40
	StoreTypes []string // default both
}

// Search runs query against every memory store generation of the
// requested types. Semicolons split query into multiple sub-queries, each
// fanned out independently. Results come back score-descending,
// deduplicated within the request scope, and redacted.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]vectorstore.Hit, error) {
	if len(opts.StoreTypes) == 0 {
		opts.StoreTypes = []string{TypeConversation, TypeCommit}
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 40
	}

	storeIDs, err := s.storesOfTypes(ctx, opts.StoreTypes)
	if err != nil {
		return nil, err
	}
	if len(storeIDs) == 0 {
		return nil, nil
	}

	var queries []string
	for _, q := range strings.Split(query, ";") {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return nil, nil
	}

	hits := vectorstore.FanOut(ctx, s.client, storeIDs, queries, vectorstore.FanOutOptions{
		MaxResults:  opts.MaxResults,
		Concurrency: s.searchConcurrency,
		Timeout:     s.searchTimeout,
		ScopeID:     scope.FromContext(ctx),
	})
	for i := range hits {
		hits[i].Text = redact.Scrub(hits[i].Text)
	}
	return hits, nil
}
