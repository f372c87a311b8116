// Package vision adapts the Gemini multimodal API to the three model calls
// the pipeline needs: pairwise image comparison, multi-candidate arbitration,
// and contextual attribute inference. Responses are requested as JSON and
// parsed strictly at this boundary; malformed output becomes a *ParseError
// carrying the raw text, never a silently cleaned-up guess.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"shelfaudit/internal/config"
	"shelfaudit/internal/types"
)

// Model is the vision-language contract the funnel and corrector depend on.
type Model interface {
	// Compare classifies one detection crop against one candidate image.
	Compare(ctx context.Context, detectionImage, candidateImage []byte) (*CompareResult, error)

	// Arbitrate picks one winner among several positively-compared
	// candidates, or declines.
	Arbitrate(ctx context.Context, detectionImage []byte, candidates []ArbitrationCandidate, meta Metadata) (*ArbitrationResult, error)

	// InferFromContext re-infers brand/size for an ambiguous detection from
	// an expanded crop that includes its shelf neighbors.
	InferFromContext(ctx context.Context, crop []byte, target Metadata, neighbors []NeighborSummary) (*ContextInference, error)
}

// CompareResult is the verdict for one (detection, candidate) image pair.
// VisualSimilarity is deliberately independent of MatchStatus: a spray and a
// roll-on of the same brand are visually dissimilar yet a confident not_match.
type CompareResult struct {
	MatchStatus      types.MatchStatus `json:"matchStatus"`
	Confidence       float64           `json:"confidence"`
	VisualSimilarity float64           `json:"visualSimilarity"`
	Reason           string            `json:"reason"`
}

// ArbitrationCandidate is one contender in the second-pass selection call.
type ArbitrationCandidate struct {
	Key   string
	Image []byte
}

// Metadata is the detection's extracted attributes, passed as text alongside
// the images.
type Metadata struct {
	Brand       string `json:"brand,omitempty"`
	ProductName string `json:"productName,omitempty"`
	Flavor      string `json:"flavor,omitempty"`
	Size        string `json:"size,omitempty"`
	Category    string `json:"category,omitempty"`
}

// ArbitrationResult is the outcome of the multi-candidate selection call.
type ArbitrationResult struct {
	SelectedKey  string                 `json:"selectedKey"`
	Confidence   float64                `json:"confidence"`
	Reasoning    string                 `json:"reasoning"`
	PerCandidate []ArbitrationCandidacy `json:"perCandidate"`
}

// ArbitrationCandidacy is the per-candidate detail of an arbitration verdict.
type ArbitrationCandidacy struct {
	Key              string  `json:"key"`
	VisualSimilarity float64 `json:"visualSimilarity"`
	PassedThreshold  bool    `json:"passedThreshold"`
}

// NeighborSummary is the textual description of one shelf neighbor supplied
// to the contextual inference call.
type NeighborSummary struct {
	Position string `json:"position"` // "left" or "right"
	Brand    string `json:"brand"`
	Size     string `json:"size"`
}

// ContextInference is the structured result of a contextual correction call.
type ContextInference struct {
	InferredBrand     string  `json:"inferredBrand"`
	BrandConfidence   float64 `json:"brandConfidence"`
	BrandReasoning    string  `json:"brandReasoning"`
	InferredSize      string  `json:"inferredSize"`
	SizeConfidence    float64 `json:"sizeConfidence"`
	SizeReasoning     string  `json:"sizeReasoning"`
	OverallConfidence float64 `json:"overallConfidence"`
	Notes             string  `json:"notes"`
}

// ParseError reports model output that violated the JSON contract. Raw keeps
// the unmodified text for diagnostics.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("model returned malformed JSON: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Gemini implements Model over the genai SDK.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *zap.Logger
}

// NewGemini creates the Gemini adapter.
func NewGemini(ctx context.Context, cfg config.VisionConfig, log *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{
		client:  client,
		model:   cfg.Model,
		timeout: config.Duration(cfg.Timeout),
		log:     log.Named("vision"),
	}, nil
}

// generateJSON runs one JSON-mode generation call and decodes the result into
// out, wrapping any decode failure as a *ParseError.
func (g *Gemini) generateJSON(ctx context.Context, parts []*genai.Part, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.1),
	})
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	text := resp.Text()
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return &ParseError{Raw: text, Err: err}
	}
	return nil
}

// Compare implements Model.
func (g *Gemini) Compare(ctx context.Context, detectionImage, candidateImage []byte) (*CompareResult, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(comparePrompt),
		genai.NewPartFromText("Image 1, the shelf detection:"),
		genai.NewPartFromBytes(detectionImage, "image/jpeg"),
		genai.NewPartFromText("Image 2, the catalog product:"),
		genai.NewPartFromBytes(candidateImage, "image/jpeg"),
	}

	var result CompareResult
	if err := g.generateJSON(ctx, parts, &result); err != nil {
		return nil, err
	}
	switch result.MatchStatus {
	case types.MatchIdentical, types.MatchAlmostSame, types.MatchNotMatch:
	default:
		return nil, &ParseError{
			Raw: string(result.MatchStatus),
			Err: fmt.Errorf("unknown matchStatus %q", result.MatchStatus),
		}
	}
	g.log.Debug("pairwise compare",
		zap.String("status", string(result.MatchStatus)),
		zap.Float64("confidence", result.Confidence))
	return &result, nil
}

// Arbitrate implements Model.
func (g *Gemini) Arbitrate(ctx context.Context, detectionImage []byte, candidates []ArbitrationCandidate, meta Metadata) (*ArbitrationResult, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	parts := []*genai.Part{
		genai.NewPartFromText(arbitratePrompt),
		genai.NewPartFromText("Extracted attributes: " + string(metaJSON)),
		genai.NewPartFromText("Reference image, the shelf detection:"),
		genai.NewPartFromBytes(detectionImage, "image/jpeg"),
	}
	for _, c := range candidates {
		parts = append(parts,
			genai.NewPartFromText(fmt.Sprintf("Candidate %q:", c.Key)),
			genai.NewPartFromBytes(c.Image, "image/jpeg"),
		)
	}

	var result ArbitrationResult
	if err := g.generateJSON(ctx, parts, &result); err != nil {
		return nil, err
	}
	g.log.Debug("arbitration",
		zap.String("selected", result.SelectedKey),
		zap.Float64("confidence", result.Confidence))
	return &result, nil
}

// InferFromContext implements Model.
func (g *Gemini) InferFromContext(ctx context.Context, crop []byte, target Metadata, neighbors []NeighborSummary) (*ContextInference, error) {
	targetJSON, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal target metadata: %w", err)
	}
	neighborJSON, err := json.Marshal(neighbors)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal neighbor summaries: %w", err)
	}

	parts := []*genai.Part{
		genai.NewPartFromText(contextPrompt),
		genai.NewPartFromText("Current extraction for the center product: " + string(targetJSON)),
		genai.NewPartFromText("Known neighbors: " + string(neighborJSON)),
		genai.NewPartFromText("Crop containing the product and its neighbors:"),
		genai.NewPartFromBytes(crop, "image/jpeg"),
	}

	var result ContextInference
	if err := g.generateJSON(ctx, parts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close exists for symmetry with the other clients the CLI tears down. The
// genai client is plain HTTP underneath and holds nothing to release.
func (g *Gemini) Close() error { return nil }
