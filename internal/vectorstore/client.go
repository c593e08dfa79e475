// Package vectorstore manages provider-side vector stores: creation,
// incremental file upload, semantic search, and deletion. The Manager
// adds session tracking and optional delegation of store lifecycles to
// the loiter-killer service. Adapters treat stores as read-only; all
// mutation goes through this package.
package vectorstore

import "context"

// Hit is one semantic search result.
type Hit struct {
	Text     string
	FileName string
	Score    float64
}

// Client is one vector-store backend. Implementations: OpenAI provider
// stores, the local SQLite store, and the in-memory mock.
type Client interface {
	// Create makes a new empty store and returns its id.
	Create(ctx context.Context, name string) (string, error)

	// Upload indexes one file from disk into the store.
	Upload(ctx context.Context, storeID, path string) (fileID string, err error)

	// UploadContent indexes a named in-memory document (memory write-back).
	UploadContent(ctx context.Context, storeID, name string, content []byte) (fileID string, err error)

	// Delete removes the store and its files.
	Delete(ctx context.Context, storeID string) error

	// Exists reports whether the store is still present provider-side.
	Exists(ctx context.Context, storeID string) (bool, error)

	// Search runs one semantic query against the store.
	Search(ctx context.Context, storeID, query string, maxResults int) ([]Hit, error)
}
