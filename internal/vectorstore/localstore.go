package vectorstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sbopenai "github.com/sashabaranov/go-openai"

	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
)

// LocalClient is a vector-store backend that never leaves the machine:
// SQLite FTS5 for lexical recall plus cosine similarity over embedded
// chunks. Without an embedding key it degrades to lexical-only search.
type LocalClient struct {
	db        *sqlitebase.DB
	embedder  *sbopenai.Client
	embedding string
}

const localChunkChars = 2000

const localSchemaSQL = `
CREATE TABLE IF NOT EXISTS local_stores (
	store_id   TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS local_chunks (
	id        TEXT PRIMARY KEY,
	store_id  TEXT NOT NULL,
	file_id   TEXT NOT NULL,
	file_name TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	text      TEXT NOT NULL,
	embedding BLOB
);
CREATE INDEX IF NOT EXISTS idx_local_chunks_store ON local_chunks(store_id);
CREATE VIRTUAL TABLE IF NOT EXISTS local_fts USING fts5(id UNINDEXED, store_id UNINDEXED, text);
`

// NewLocal opens (or creates) the local store database. embedKey may be
// empty.
func NewLocal(ctx context.Context, path, embedKey string) (*LocalClient, error) {
	db, err := sqlitebase.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Exec(ctx, localSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create local store schema: %w", err)
	}
	c := &LocalClient{db: db, embedding: string(sbopenai.SmallEmbedding3)}
	if embedKey != "" {
		c.embedder = sbopenai.NewClient(embedKey)
	} else {
		L_info("localstore: no embedding key, lexical-only search")
	}
	return c, nil
}

// Close releases the underlying database.
func (c *LocalClient) Close() error {
	return c.db.Close()
}

func (c *LocalClient) Create(ctx context.Context, name string) (string, error) {
	id := "vs_local_" + hashID(name+time.Now().String())[:12]
	err := c.db.Exec(ctx, "INSERT INTO local_stores (store_id, name, created_at) VALUES (?, ?, ?)",
		id, name, time.Now().Unix())
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *LocalClient) Upload(ctx context.Context, storeID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return c.UploadContent(ctx, storeID, filepath.Base(path), data)
}

func (c *LocalClient) UploadContent(ctx context.Context, storeID, name string, content []byte) (string, error) {
	ok, err := c.Exists(ctx, storeID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("localstore: unknown store %s", storeID)
	}

	fileID := "file_local_" + hashID(storeID+name)[:12]
	chunks := chunkText(string(content), localChunkChars)

	var embeddings [][]float32
	if c.embedder != nil && len(chunks) > 0 {
		embeddings, err = c.embed(ctx, chunks)
		if err != nil {
			L_warn("localstore: embedding failed, indexing lexical-only", "error", err)
			embeddings = nil
		}
	}

	// Re-upload replaces the file's chunks.
	if err := c.removeFile(ctx, storeID, fileID); err != nil {
		return "", err
	}

	for i, chunk := range chunks {
		chunkID := fileID + fmt.Sprintf("-%04d", i)
		var blob []byte
		if embeddings != nil {
			blob = encodeVector(embeddings[i])
		}
		err := c.db.Exec(ctx, `
			INSERT INTO local_chunks (id, store_id, file_id, file_name, seq, text, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, chunkID, storeID, fileID, name, i, chunk, blob)
		if err != nil {
			return "", err
		}
		if err := c.db.Exec(ctx, "INSERT INTO local_fts (id, store_id, text) VALUES (?, ?, ?)", chunkID, storeID, chunk); err != nil {
			return "", err
		}
	}
	return fileID, nil
}

func (c *LocalClient) removeFile(ctx context.Context, storeID, fileID string) error {
	if err := c.db.Exec(ctx,
		"DELETE FROM local_fts WHERE id IN (SELECT id FROM local_chunks WHERE store_id = ? AND file_id = ?)",
		storeID, fileID); err != nil {
		return err
	}
	return c.db.Exec(ctx, "DELETE FROM local_chunks WHERE store_id = ? AND file_id = ?", storeID, fileID)
}

func (c *LocalClient) Delete(ctx context.Context, storeID string) error {
	if err := c.db.Exec(ctx, "DELETE FROM local_fts WHERE store_id = ?", storeID); err != nil {
		return err
	}
	if err := c.db.Exec(ctx, "DELETE FROM local_chunks WHERE store_id = ?", storeID); err != nil {
		return err
	}
	return c.db.Exec(ctx, "DELETE FROM local_stores WHERE store_id = ?", storeID)
}

func (c *LocalClient) Exists(ctx context.Context, storeID string) (bool, error) {
	var one int
	err := c.db.QueryRow(ctx, "SELECT 1 FROM local_stores WHERE store_id = ?", []any{storeID},
		func(r *sql.Row) error { return r.Scan(&one) })
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *LocalClient) Search(ctx context.Context, storeID, query string, maxResults int) ([]Hit, error) {
	if maxResults <= 0 {
		maxResults = 20
	}

	// Lexical pass: FTS5 BM25 returns negative ranks, lower is better.
	scores := make(map[string]float64)
	texts := make(map[string]string)
	names := make(map[string]string)

	ftsQuery := buildFTSQuery(query)
	if ftsQuery != "" {
		err := c.db.Query(ctx, `
			SELECT f.id, bm25(local_fts) AS rank, c.text, c.file_name
			FROM local_fts f
			JOIN local_chunks c ON c.id = f.id
			WHERE local_fts MATCH ? AND f.store_id = ?
			ORDER BY rank LIMIT ?
		`, []any{ftsQuery, storeID, maxResults * 4}, func(rows *sql.Rows) error {
			for rows.Next() {
				var id, text, name string
				var rank float64
				if err := rows.Scan(&id, &rank, &text, &name); err != nil {
					return err
				}
				scores[id] = 0.3 * (1.0 / (1.0 + math.Abs(rank)))
				texts[id] = text
				names[id] = name
			}
			return nil
		})
		if err != nil {
			L_warn("localstore: keyword search failed", "error", err)
		}
	}

	// Vector pass.
	if c.embedder != nil {
		qvec, err := c.embed(ctx, []string{query})
		if err == nil && len(qvec) == 1 {
			err = c.db.Query(ctx,
				"SELECT id, text, file_name, embedding FROM local_chunks WHERE store_id = ? AND embedding IS NOT NULL",
				[]any{storeID}, func(rows *sql.Rows) error {
					for rows.Next() {
						var id, text, name string
						var blob []byte
						if err := rows.Scan(&id, &text, &name, &blob); err != nil {
							return err
						}
						sim := cosine(qvec[0], decodeVector(blob))
						if sim <= 0 {
							continue
						}
						scores[id] += 0.7 * sim
						texts[id] = text
						names[id] = name
					}
					return nil
				})
			if err != nil {
				L_warn("localstore: vector search failed", "error", err)
			}
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{Text: texts[id], FileName: names[id], Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

// embed fetches embeddings for a batch of texts.
func (c *LocalClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.embedder.CreateEmbeddings(ctx, sbopenai.EmbeddingRequest{
		Input: texts,
		Model: sbopenai.EmbeddingModel(c.embedding),
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func chunkText(text string, size int) []string {
	var chunks []string
	for len(text) > size {
		cut := size
		// Prefer breaking at a newline near the boundary.
		if idx := strings.LastIndexByte(text[:size], '\n'); idx > size/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if strings.TrimSpace(text) != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// buildFTSQuery quotes terms so punctuation cannot break FTS5 syntax.
func buildFTSQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func hashID(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
