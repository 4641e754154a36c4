package extract

import (
	"context"
	"strings"

	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/llm"
)

// ExtractPaperwork transcribes one document photo and pulls out the vehicle
// and registrant fields it shows.
func (a *Analyzer) ExtractPaperwork(ctx context.Context, image llm.Image, onProgress entity.ProgressFunc) (*entity.PaperworkResult, error) {
	if strings.TrimSpace(image.URL) == "" {
		return nil, llm.NoImagesError()
	}
	parts, err := a.imageParts(ctx, []llm.Image{image}, onProgress)
	if err != nil {
		return nil, err
	}

	schema := PaperworkSchema()
	user := llm.Message{
		Role:  llm.RoleUser,
		Parts: append([]llm.ContentPart{llm.TextPart(buildPaperworkUserPrompt(image.Filename, schema))}, parts...),
	}
	res, err := llm.GenerateInto[entity.PaperworkResult](ctx, a.gen, llm.Request{
		Name:       "paperwork",
		Messages:   []llm.Message{llm.System(buildPaperworkSystemPrompt()), user},
		Schema:     schema,
		MaxTokens:  a.maxTokens,
		OnProgress: onProgress,
	})
	if err != nil {
		return nil, err
	}
	res.Text = normalizeTranscript(res.Text)
	res.Info.VIN = normalizeVIN(res.Info.VIN)
	res.Info.LicensePlateNumber = normalizePlate(res.Info.LicensePlateNumber)
	return &res, nil
}
