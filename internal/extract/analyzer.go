package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/llm"
)

const defaultLanguage = "en"

// Analyzer runs the prompt-specific extractions on top of an llm.Generator.
type Analyzer struct {
	gen         llm.Generator
	logger      *slog.Logger
	defaultLang string
	maxTokens   int
}

// NewAnalyzer builds an Analyzer. maxTokens of zero defers to the generator's default.
func NewAnalyzer(gen llm.Generator, defaultLang string, maxTokens int, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(defaultLang) == "" {
		defaultLang = defaultLanguage
	}
	return &Analyzer{gen: gen, logger: logger, defaultLang: defaultLang, maxTokens: maxTokens}
}

type violationResponse struct {
	ViolationType string                          `json:"violationType"`
	Language      string                          `json:"language"`
	Details       json.RawMessage                 `json:"details"`
	Vehicle       entity.VehicleInfo              `json:"vehicle"`
	Images        map[string]entity.ImageAnalysis `json:"images"`
}

// RunExtraction analyzes the photos of one case. With no images it fails with
// kind no-images before any model call.
func (a *Analyzer) RunExtraction(ctx context.Context, images []llm.Image, lang string, onProgress entity.ProgressFunc) (*entity.ExtractionResult, error) {
	if len(images) == 0 {
		return nil, llm.NoImagesError()
	}
	if strings.TrimSpace(lang) == "" {
		lang = a.defaultLang
	}

	parts, err := a.imageParts(ctx, images, onProgress)
	if err != nil {
		return nil, err
	}

	schema := ViolationSchema()
	user := llm.Message{
		Role:  llm.RoleUser,
		Parts: append([]llm.ContentPart{llm.TextPart(buildViolationUserPrompt(images, schema))}, parts...),
	}
	resp, err := llm.GenerateInto[violationResponse](ctx, a.gen, llm.Request{
		Name:       "violation",
		Messages:   []llm.Message{llm.System(buildViolationSystemPrompt(lang)), user},
		Schema:     schema,
		MaxTokens:  a.maxTokens,
		OnProgress: onProgress,
	})
	if err != nil {
		return nil, err
	}

	details, err := normalizeDetails(resp.Details, resp.Language, lang)
	if err != nil {
		return nil, fmt.Errorf("normalize details: %w", err)
	}
	return &entity.ExtractionResult{
		ViolationType: strings.TrimSpace(resp.ViolationType),
		Details:       details,
		Vehicle:       resp.Vehicle,
		Images:        a.keepKnownImages(resp.Images, images),
	}, nil
}

// imageParts inlines every image, reporting upload progress per image.
func (a *Analyzer) imageParts(ctx context.Context, images []llm.Image, onProgress entity.ProgressFunc) ([]llm.ContentPart, error) {
	parts := make([]llm.ContentPart, 0, 2*len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		url, err := llm.InlineImage(img)
		if err != nil {
			return nil, err
		}
		parts = append(parts, llm.TextPart("Filename: "+img.Filename), llm.ImagePart(url))
		if onProgress != nil {
			onProgress(entity.UploadProgress(i, len(images)))
		}
	}
	return parts, nil
}

// keepKnownImages drops annotations for filenames that were not sent and
// clamps scores into [0,1].
func (a *Analyzer) keepKnownImages(got map[string]entity.ImageAnalysis, sent []llm.Image) map[string]entity.ImageAnalysis {
	known := make(map[string]bool, len(sent))
	for _, img := range sent {
		known[img.Filename] = true
	}
	out := make(map[string]entity.ImageAnalysis, len(got))
	for name, ann := range got {
		if !known[name] {
			a.logger.Warn("dropping annotation for unknown image", "filename", name)
			continue
		}
		ann.RepresentationScore = clampScore(ann.RepresentationScore)
		out[name] = ann
	}
	return out
}

// normalizeDetails accepts either a language map or a bare string. A bare
// string is keyed by the detected language, else the requested one, else en.
func normalizeDetails(raw json.RawMessage, detected, requested string) (map[string]string, error) {
	if len(raw) == 0 {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err == nil {
		return m, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	lang := strings.ToLower(strings.TrimSpace(detected))
	if lang == "" {
		lang = strings.ToLower(strings.TrimSpace(requested))
	}
	if lang == "" {
		lang = defaultLanguage
	}
	return map[string]string{lang: s}, nil
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
