package vectorstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	llmerrs "github.com/lukacf/mcp-the-force-sub004/internal/llm"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
)

// OpenAIClient backs vector stores with the provider's own store API.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAI builds the provider-store backend. Transient failures are
// retried inside the SDK (max_retries=3).
func NewOpenAI(apiKey, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(3),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

func (c *OpenAIClient) Create(ctx context.Context, name string) (string, error) {
	vs, err := c.client.VectorStores.New(ctx, openai.VectorStoreNewParams{
		Name: openai.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("create vector store: %w", err)
	}
	L_debug("vectorstore: created", "id", vs.ID, "name", name)
	return vs.ID, nil
}

func (c *OpenAIClient) Upload(ctx context.Context, storeID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.attach(ctx, storeID, openai.File(f, filepath.Base(path), "text/plain"))
}

func (c *OpenAIClient) UploadContent(ctx context.Context, storeID, name string, content []byte) (string, error) {
	return c.attach(ctx, storeID, openai.File(bytes.NewReader(content), name, "text/plain"))
}

// attach uploads a file object and links it to the store. The
// already-uploaded conflict is swallowed: the file is in the store, which
// is what the caller wanted.
func (c *OpenAIClient) attach(ctx context.Context, storeID string, file io.Reader) (string, error) {
	uploaded, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    file,
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	_, err = c.client.VectorStores.Files.New(ctx, storeID, openai.VectorStoreFileNewParams{
		FileID: uploaded.ID,
	})
	if err != nil {
		if llmerrs.IsAlreadyUploadedMessage(err.Error()) {
			L_debug("vectorstore: file already attached", "store", storeID, "file", uploaded.ID)
			return uploaded.ID, nil
		}
		return "", fmt.Errorf("attach file to store: %w", err)
	}
	return uploaded.ID, nil
}

func (c *OpenAIClient) Delete(ctx context.Context, storeID string) error {
	_, err := c.client.VectorStores.Delete(ctx, storeID)
	return err
}

func (c *OpenAIClient) Exists(ctx context.Context, storeID string) (bool, error) {
	_, err := c.client.VectorStores.Get(ctx, storeID)
	if err == nil {
		return true, nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
		return false, nil
	}
	if llmerrs.IsNotFoundMessage(err.Error()) {
		return false, nil
	}
	return false, err
}

func (c *OpenAIClient) Search(ctx context.Context, storeID, query string, maxResults int) ([]Hit, error) {
	if maxResults <= 0 {
		maxResults = 20
	}
	page, err := c.client.VectorStores.Search(ctx, storeID, openai.VectorStoreSearchParams{
		Query:         openai.VectorStoreSearchParamsQueryUnion{OfString: openai.String(query)},
		MaxNumResults: openai.Int(int64(maxResults)),
	})
	if err != nil {
		return nil, fmt.Errorf("vector store search: %w", err)
	}

	hits := make([]Hit, 0, len(page.Data))
	for _, r := range page.Data {
		var text strings.Builder
		for _, part := range r.Content {
			text.WriteString(part.Text)
		}
		hits = append(hits, Hit{
			Text:     text.String(),
			FileName: r.Filename,
			Score:    r.Score,
		})
	}
	return hits, nil
}
