package embedder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/developer-mesh/hybrid-indexer/internal/chunking"
	"github.com/developer-mesh/hybrid-indexer/internal/errors"
)

// BedrockProvider is an alternate Embedder backed directly by Amazon
// Bedrock, for deployments that prefer a managed model over the HTTP
// embedder endpoint. It re-implements the embedder's own chunking
// contract (spec §4.4) since Bedrock's invoke API embeds one text per
// call rather than accepting a texts[] batch.
type BedrockProvider struct {
	client     *bedrockruntime.Client
	modelID    string
	chunkCfg   chunking.SplitterConfig
}

// titanEmbedRequest is the request body for Titan embedding models.
type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// cohereEmbedRequest is the request body for Cohere embedding models.
type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type,omitempty"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewBedrockProvider builds a provider targeting modelName ("titan",
// "cohere") in region.
func NewBedrockProvider(ctx context.Context, region, modelName string, chunkCfg chunking.SplitterConfig) (*BedrockProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	var modelID string
	switch modelName {
	case "titan", "titan-embed-text-v2":
		modelID = "amazon.titan-embed-text-v2:0"
	case "cohere", "embed-english-v3":
		modelID = "cohere.embed-english-v3"
	case "embed-multilingual-v3":
		modelID = "cohere.embed-multilingual-v3"
	default:
		return nil, fmt.Errorf("bedrock: unsupported model %q", modelName)
	}

	return &BedrockProvider{
		client:   bedrockruntime.NewFromConfig(awsCfg),
		modelID:  modelID,
		chunkCfg: chunkCfg,
	}, nil
}

// Embed splits each input text into overlapping windows per the
// configured chunking policy, invokes Bedrock once per window, and
// returns the results grouped back by input text.
func (p *BedrockProvider) Embed(ctx context.Context, req Request) ([]DocumentEmbedding, error) {
	out := make([]DocumentEmbedding, 0, len(req.Texts))

	for _, text := range req.Texts {
		windows := chunking.Split(text, p.chunkCfg)
		de := DocumentEmbedding{ModelName: p.modelID}

		for _, w := range windows {
			vector, err := p.invoke(ctx, w.Text)
			if err != nil {
				return nil, err
			}
			de.Chunks = append(de.Chunks, ChunkVector{
				Vector: vector,
				Span:   Span{Start: w.Start, End: w.End},
			})
		}
		out = append(out, de)
	}

	return out, nil
}

func (p *BedrockProvider) invoke(ctx context.Context, text string) ([]float32, error) {
	var body []byte
	var err error
	isCohere := p.modelID[:6] == "cohere"

	if isCohere {
		body, err = json.Marshal(cohereEmbedRequest{Texts: []string{text}, InputType: "search_document"})
	} else {
		body, err = json.Marshal(titanEmbedRequest{InputText: text})
	}
	if err != nil {
		return nil, errors.Wrap(err, "BEDROCK_MARSHAL_FAILED", errors.ClassPermanentPayload)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.Wrap(err, "BEDROCK_INVOKE_FAILED", errors.ClassTransient)
	}

	if isCohere {
		var resp cohereEmbedResponse
		if err := json.Unmarshal(output.Body, &resp); err != nil {
			return nil, errors.Wrap(err, "BEDROCK_DECODE_FAILED", errors.ClassPermanentPayload)
		}
		if len(resp.Embeddings) == 0 {
			return nil, errors.New("BEDROCK_EMPTY_RESPONSE", "no embeddings in cohere response", errors.ClassPermanentPayload)
		}
		return resp.Embeddings[0], nil
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, errors.Wrap(err, "BEDROCK_DECODE_FAILED", errors.ClassPermanentPayload)
	}
	return resp.Embedding, nil
}
