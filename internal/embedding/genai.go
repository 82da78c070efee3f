package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAI generates embeddings with the Gemini API.
type GenAI struct {
	client     *genai.Client
	model      string
	dimensions int32
}

// NewGenAI creates a Gemini embedder. Output dimensionality is pinned to the
// vector tier's column width.
func NewGenAI(apiKey, model string, dimensions int) (*GenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" || model == "nomic-embed-text" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAI{client: client, model: model, dimensions: int32(dimensions)}, nil
}

// Name identifies the backend in logs.
func (g *GenAI) Name() string {
	return "genai:" + g.model
}

// Embed generates a retrieval embedding for text.
func (g *GenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	dims := g.dimensions
	result, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		TaskType:             "RETRIEVAL_QUERY",
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: GenAI embed failed: %v", ErrUnavailable, err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
