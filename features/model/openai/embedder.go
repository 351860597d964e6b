package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type (
	// EmbeddingsClient captures the embeddings slice of the OpenAI SDK.
	EmbeddingsClient interface {
		New(ctx context.Context, params sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// Embedder implements sqlengine.Embedder via the OpenAI embeddings API.
	Embedder struct {
		client EmbeddingsClient
		model  string
	}
)

// NewEmbedder builds an embedder. Model defaults to text-embedding-3-small.
func NewEmbedder(client EmbeddingsClient, model string) (*Embedder, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	if model == "" {
		model = string(sdk.EmbeddingModelTextEmbedding3Small)
	}
	return &Embedder{client: client, model: model}, nil
}

// Embed converts texts to vectors, one per input, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(e.model),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}
