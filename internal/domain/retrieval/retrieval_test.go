package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.EmbedFunc(ctx, text)
}

type MockIndex struct {
	QueryFunc func(ctx context.Context, vector []float32, scope string, k int) ([]Passage, error)
}

func (m *MockIndex) Query(ctx context.Context, vector []float32, scope string, k int) ([]Passage, error) {
	return m.QueryFunc(ctx, vector, scope, k)
}

func TestRetrieve(t *testing.T) {
	var gotScope string
	var gotK int
	svc := NewService(
		&MockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return []float32{0.1, 0.2}, nil
		}},
		&MockIndex{QueryFunc: func(ctx context.Context, vector []float32, scope string, k int) ([]Passage, error) {
			gotScope, gotK = scope, k
			return []Passage{
				{Text: "low", Score: 0.1, Source: "a"},
				{Text: "mid", Score: 0.5, Source: "b"},
				{Text: "", Score: 0.99, Source: "empty"},
				{Text: "top", Score: 0.9, Source: "c"},
			}, nil
		}},
		2, 0.3, zerolog.Nop(),
	)

	passages, err := svc.Retrieve(context.Background(), "what is osmosis", "kb-1")
	require.NoError(t, err)
	assert.Equal(t, "kb-1", gotScope)
	assert.Equal(t, 2, gotK)
	require.Len(t, passages, 2)
	assert.Equal(t, "top", passages[0].Text)
	assert.Equal(t, "mid", passages[1].Text)
}

func TestRetrieveSkipsWithoutScope(t *testing.T) {
	svc := NewService(
		&MockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			t.Fatal("embedder must not be called")
			return nil, nil
		}},
		&MockIndex{}, 5, 0, zerolog.Nop(),
	)

	passages, err := svc.Retrieve(context.Background(), "query", "")
	assert.NoError(t, err)
	assert.Nil(t, passages)
}

func TestRetrieveErrors(t *testing.T) {
	embedErr := NewService(
		&MockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, errors.New("embedding down")
		}},
		&MockIndex{}, 5, 0, zerolog.Nop(),
	)
	_, err := embedErr.Retrieve(context.Background(), "q", "kb")
	assert.ErrorContains(t, err, "embed query")

	queryErr := NewService(
		&MockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return []float32{1}, nil
		}},
		&MockIndex{QueryFunc: func(ctx context.Context, vector []float32, scope string, k int) ([]Passage, error) {
			return nil, errors.New("pg down")
		}},
		5, 0, zerolog.Nop(),
	)
	_, err = queryErr.Retrieve(context.Background(), "q", "kb")
	assert.ErrorContains(t, err, "query index")
}
