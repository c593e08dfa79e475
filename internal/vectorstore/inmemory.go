package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// InMemoryClient is the mock backend. Stores live in process memory and
// search is plain term overlap. The test suite depends on it.
type InMemoryClient struct {
	mu     sync.Mutex
	stores map[string]map[string]string // storeID -> fileID -> content
	names  map[string]map[string]string // storeID -> fileID -> display name
}

// NewInMemory creates an empty mock backend.
func NewInMemory() *InMemoryClient {
	return &InMemoryClient{
		stores: make(map[string]map[string]string),
		names:  make(map[string]map[string]string),
	}
}

func (c *InMemoryClient) Create(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "vs_mock_" + uuid.NewString()[:8]
	c.stores[id] = make(map[string]string)
	c.names[id] = make(map[string]string)
	return id, nil
}

func (c *InMemoryClient) Upload(ctx context.Context, storeID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return c.UploadContent(ctx, storeID, filepath.Base(path), data)
}

func (c *InMemoryClient) UploadContent(ctx context.Context, storeID, name string, content []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, ok := c.stores[storeID]
	if !ok {
		return "", fmt.Errorf("inmemory: unknown store %s", storeID)
	}
	fileID := "file_mock_" + uuid.NewString()[:8]
	files[fileID] = string(content)
	c.names[storeID][fileID] = name
	return fileID, nil
}

func (c *InMemoryClient) Delete(ctx context.Context, storeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stores, storeID)
	delete(c.names, storeID)
	return nil
}

func (c *InMemoryClient) Exists(ctx context.Context, storeID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.stores[storeID]
	return ok, nil
}

func (c *InMemoryClient) Search(ctx context.Context, storeID, query string, maxResults int) ([]Hit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, ok := c.stores[storeID]
	if !ok {
		return nil, fmt.Errorf("inmemory: unknown store %s", storeID)
	}

	terms := strings.Fields(strings.ToLower(query))
	var hits []Hit
	for fileID, content := range files {
		lower := strings.ToLower(content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, Hit{
			Text:     snippet(content),
			FileName: c.names[storeID][fileID],
			Score:    float64(matched) / float64(len(terms)),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

func snippet(content string) string {
	if len(content) > 800 {
		return content[:800]
	}
	return content
}
