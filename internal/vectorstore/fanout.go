package vectorstore

import (
	"context"
	"sort"
	"sync"
	"time"

	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/scope"
)

// FanOutOptions bounds a parallel multi-store search.
type FanOutOptions struct {
	MaxResults  int
	Concurrency int
	Timeout     time.Duration

	// ScopeID enables cross-call deduplication within one logical
	// request. Empty means no dedup.
	ScopeID string
	Scopes  *scope.Manager
}

// FanOut runs every (query × store) search in parallel under a semaphore
// and a wall-clock cap, then merges: score-descending, deduplicated by
// content hash, truncated to MaxResults. Individual search failures are
// logged and skipped; partial results beat no results.
func FanOut(ctx context.Context, client Client, storeIDs, queries []string, opts FanOutOptions) []Hit {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 40
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sem := make(chan struct{}, opts.Concurrency)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []Hit
	)
	for _, storeID := range storeIDs {
		for _, query := range queries {
			wg.Add(1)
			go func(storeID, query string) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
				hits, err := client.Search(ctx, storeID, query, opts.MaxResults)
				if err != nil {
					L_debug("search: store query failed", "store", storeID, "error", err)
					return
				}
				mu.Lock()
				all = append(all, hits...)
				mu.Unlock()
			}(storeID, query)
		}
	}
	wg.Wait()

	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })

	scopes := opts.Scopes
	if scopes == nil {
		scopes = scope.Get()
	}
	out := make([]Hit, 0, opts.MaxResults)
	seen := make(map[string]struct{})
	for _, h := range all {
		hash := scope.Hash(h.Text)
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}
		if scopes.Seen(opts.ScopeID, hash) {
			continue
		}
		out = append(out, h)
		if len(out) == opts.MaxResults {
			break
		}
	}
	return out
}
