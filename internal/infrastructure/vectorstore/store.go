package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"jan-server/services/tutor-api/internal/domain/retrieval"
)

const queryChunks = `
	SELECT source, content, 1 - (embedding <=> $1::vector) AS similarity
	FROM tutor_api.knowledge_chunks
	WHERE knowledge_base_id = $2
	ORDER BY embedding <=> $1::vector
	LIMIT $3
`

// Store runs pgvector similarity queries over knowledge chunks.
type Store struct {
	db *pgxpool.Pool
}

// Connect opens a pgx pool for vector queries.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create vector pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping vector database: %w", err)
	}
	return pool, nil
}

// NewStore creates a vector store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Query returns the k nearest chunks within one knowledge base. Chunks of other
// knowledge bases are never considered.
func (s *Store) Query(ctx context.Context, vector []float32, scope string, k int) ([]retrieval.Passage, error) {
	rows, err := s.db.Query(ctx, queryChunks, vectorLiteral(vector), scope, k)
	if err != nil {
		return nil, fmt.Errorf("query knowledge chunks: %w", err)
	}
	defer rows.Close()

	var passages []retrieval.Passage
	for rows.Next() {
		var p retrieval.Passage
		if err := rows.Scan(&p.Source, &p.Text, &p.Score); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return passages, nil
}

// vectorLiteral renders a pgvector text literal such as [0.1,0.2].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
