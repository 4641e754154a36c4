package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/casewatch/constants"
	"github.com/joseph-ayodele/casewatch/internal/cases"
	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/jobs"
	"github.com/joseph-ayodele/casewatch/internal/llm"
)

// Extractor is the model-facing side of the processor; *extract.Analyzer satisfies it.
type Extractor interface {
	RunExtraction(ctx context.Context, images []llm.Image, lang string, onProgress entity.ProgressFunc) (*entity.ExtractionResult, error)
	ExtractPaperwork(ctx context.Context, image llm.Image, onProgress entity.ProgressFunc) (*entity.PaperworkResult, error)
}

// AnalyzeCasePayload is the job input for a whole-case analysis.
type AnalyzeCasePayload struct {
	CaseID string `json:"caseId"`
	Lang   string `json:"lang,omitempty"`
}

// PhotoPayload is the job input for single-photo jobs.
type PhotoPayload struct {
	CaseID   string `json:"caseId"`
	Filename string `json:"filename"`
	Lang     string `json:"lang,omitempty"`
}

// PhotoJobKey is the scheduler key for single-photo jobs.
func PhotoJobKey(caseID, filename string) string {
	return caseID + "/" + filename
}

// minimum token delta between persisted stream progress updates
const streamProgressStep = 32

// Processor runs extractions for scheduled jobs and writes the outcome back
// into the case store.
type Processor struct {
	logger    *slog.Logger
	store     *cases.Store
	extractor Extractor
}

func NewProcessor(logger *slog.Logger, store *cases.Store, extractor Extractor) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{logger: logger, store: store, extractor: extractor}
}

// Register installs the job handlers on s.
func (p *Processor) Register(s *jobs.Scheduler) {
	s.Register(constants.JobAnalyzeCase, func(ctx context.Context, _ string, raw json.RawMessage) error {
		var in AnalyzeCasePayload
		if err := json.Unmarshal(raw, &in); err != nil {
			return fmt.Errorf("decode %s payload: %w", constants.JobAnalyzeCase, err)
		}
		return p.AnalyzeCase(common.WithCaseID(ctx, in.CaseID), in)
	})
	s.Register(constants.JobAnalyzePhoto, func(ctx context.Context, _ string, raw json.RawMessage) error {
		var in PhotoPayload
		if err := json.Unmarshal(raw, &in); err != nil {
			return fmt.Errorf("decode %s payload: %w", constants.JobAnalyzePhoto, err)
		}
		return p.AnalyzePhoto(common.WithCaseID(ctx, in.CaseID), in)
	})
	s.Register(constants.JobExtractPaperwork, func(ctx context.Context, _ string, raw json.RawMessage) error {
		var in PhotoPayload
		if err := json.Unmarshal(raw, &in); err != nil {
			return fmt.Errorf("decode %s payload: %w", constants.JobExtractPaperwork, err)
		}
		return p.ExtractPaperwork(common.WithCaseID(ctx, in.CaseID), in)
	})
}

// AnalyzeCase runs a violation analysis over every photo of a case. Typed
// failures and cancellation are recorded on the case; any other error is
// returned and leaves the case pending. When photos are added or removed
// while the model runs, the stale outcome is not recorded as final and the
// analysis runs again over the current photos.
func (p *Processor) AnalyzeCase(ctx context.Context, in AnalyzeCasePayload) error {
	for run := 1; ; run++ {
		rerun, err := p.analyzeOnce(ctx, in)
		if err != nil || !rerun {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Info("photos changed during analysis, running again", "case_id", in.CaseID, "run", run+1)
	}
}

// analyzeOnce reports whether the photo set changed under the run.
func (p *Processor) analyzeOnce(ctx context.Context, in AnalyzeCasePayload) (bool, error) {
	start := time.Now()
	c, err := p.store.Update(ctx, in.CaseID, func(c *entity.Case) {
		c.AnalysisStatus = constants.AnalysisPending
		c.AnalysisError = nil
		c.AnalysisProgress = nil
	})
	if err != nil {
		return false, fmt.Errorf("start analysis: %w", err)
	}

	images := make([]llm.Image, 0, len(c.Photos))
	sent := make([]string, 0, len(c.Photos))
	for _, ph := range c.Photos {
		images = append(images, llm.Image{URL: ph.URL, Filename: ph.Filename})
		sent = append(sent, ph.Filename)
	}
	p.logger.Info("analysis started", "case_id", in.CaseID, "images", len(images))

	res, err := p.extractor.RunExtraction(ctx, images, in.Lang, p.progressWriter(ctx, in.CaseID))
	if err == nil {
		p.logger.Info("analysis complete", "case_id", in.CaseID, "violation_type", res.ViolationType,
			"elapsed_ms", time.Since(start).Milliseconds())
	}
	return p.finish(ctx, in.CaseID, sent, err, func(c *entity.Case) {
		res.Images = carryPaperwork(c.Analysis, res.Images)
		c.Analysis = res
		c.AnalysisStatus = constants.AnalysisComplete
	})
}

// AnalyzePhoto re-scores one photo and replaces only that photo's
// annotation. On a case with no analysis yet the result becomes the analysis.
func (p *Processor) AnalyzePhoto(ctx context.Context, in PhotoPayload) error {
	ph, err := p.photo(ctx, in.CaseID, in.Filename)
	if err != nil {
		return err
	}
	img := llm.Image{URL: ph.URL, Filename: ph.Filename}
	res, err := p.extractor.RunExtraction(ctx, []llm.Image{img}, in.Lang, p.progressWriter(ctx, in.CaseID))
	return p.finishPhoto(ctx, in, err, func(c *entity.Case) {
		if c.Analysis == nil {
			c.Analysis = res
			c.AnalysisStatus = constants.AnalysisComplete
			return
		}
		if c.Analysis.Images == nil {
			c.Analysis.Images = make(map[string]entity.ImageAnalysis)
		}
		ann, ok := res.Images[in.Filename]
		if !ok {
			delete(c.Analysis.Images, in.Filename)
			return
		}
		c.Analysis.Images[in.Filename] = carryPaperwork(c.Analysis, map[string]entity.ImageAnalysis{in.Filename: ann})[in.Filename]
	})
}

// ExtractPaperwork reads a document photo and stores the transcription on
// that photo's annotation. A VIN found on the document fills an empty derived VIN.
func (p *Processor) ExtractPaperwork(ctx context.Context, in PhotoPayload) error {
	ph, err := p.photo(ctx, in.CaseID, in.Filename)
	if err != nil {
		return err
	}
	res, err := p.extractor.ExtractPaperwork(ctx, llm.Image{URL: ph.URL, Filename: ph.Filename}, p.progressWriter(ctx, in.CaseID))
	return p.finishPhoto(ctx, in, err, func(c *entity.Case) {
		if c.Analysis == nil {
			c.Analysis = &entity.ExtractionResult{}
		}
		if c.Analysis.Images == nil {
			c.Analysis.Images = make(map[string]entity.ImageAnalysis)
		}
		ann := c.Analysis.Images[in.Filename]
		yes := true
		text := res.Text
		info := res.Info
		ann.Paperwork = &yes
		ann.PaperworkText = &text
		ann.PaperworkInfo = &info
		c.Analysis.Images[in.Filename] = ann

		if info.VIN != "" && (c.VIN == nil || *c.VIN == "") {
			vin := info.VIN
			c.VIN = &vin
		}
	})
}

func (p *Processor) photo(ctx context.Context, caseID, filename string) (entity.Photo, error) {
	c, err := p.store.GetRaw(ctx, caseID)
	if err != nil {
		return entity.Photo{}, err
	}
	ph, ok := c.Photo(filename)
	if !ok {
		return entity.Photo{}, fmt.Errorf("photo %s on case %s: %w", filename, caseID, common.ErrNotFound)
	}
	return ph, nil
}

// finish records the outcome of a whole-case analysis run over the photos
// named in sent. If the case's photos no longer match sent, a result is kept
// only for photos still on the case, the status stays pending and finish
// reports that another run is needed.
func (p *Processor) finish(ctx context.Context, caseID string, sent []string, runErr error, apply func(*entity.Case)) (bool, error) {
	// the outcome is written even when the run itself was canceled
	wctx := context.WithoutCancel(ctx)

	stale := false
	var mutate func(*entity.Case)
	switch kind, typed := llm.FailureKindOf(runErr); {
	case runErr == nil:
		mutate = func(c *entity.Case) {
			apply(c)
			c.AnalysisError = nil
			c.AnalysisProgress = nil
			if stale = !samePhotos(sent, c.Photos); stale {
				dropRemovedImages(c)
				c.AnalysisStatus = constants.AnalysisPending
			}
		}
	case typed:
		mutate = func(c *entity.Case) {
			c.AnalysisProgress = nil
			if stale = !samePhotos(sent, c.Photos); stale {
				c.AnalysisStatus = constants.AnalysisPending
				c.AnalysisError = nil
				return
			}
			p.logger.Warn("analysis failed", "case_id", caseID, "reason", kind, "error", runErr)
			k := kind
			c.AnalysisStatus = constants.AnalysisFailed
			c.AnalysisError = &k
		}
	case llm.IsCanceled(runErr):
		p.logger.Warn("analysis canceled", "case_id", caseID)
		mutate = func(c *entity.Case) {
			c.AnalysisStatus = constants.AnalysisCanceled
			c.AnalysisError = nil
			c.AnalysisProgress = nil
		}
	default:
		return false, fmt.Errorf("analyze case %s: %w", caseID, runErr)
	}
	if err := p.write(wctx, caseID, mutate); err != nil {
		return false, err
	}
	return stale, nil
}

// samePhotos reports whether photos holds exactly the filenames in sent.
func samePhotos(sent []string, photos []entity.Photo) bool {
	if len(sent) != len(photos) {
		return false
	}
	names := make(map[string]struct{}, len(sent))
	for _, f := range sent {
		names[f] = struct{}{}
	}
	for _, ph := range photos {
		if _, ok := names[ph.Filename]; !ok {
			return false
		}
	}
	return true
}

// dropRemovedImages deletes annotations for filenames no longer on the case.
func dropRemovedImages(c *entity.Case) {
	if c.Analysis == nil {
		return
	}
	for name := range c.Analysis.Images {
		if _, ok := c.Photo(name); !ok {
			delete(c.Analysis.Images, name)
		}
	}
}

// finishPhoto records single-photo job outcomes. Failures are logged and
// only clear the progress indicator; the case status is left alone.
func (p *Processor) finishPhoto(ctx context.Context, in PhotoPayload, runErr error, apply func(*entity.Case)) error {
	wctx := context.WithoutCancel(ctx)
	if runErr != nil {
		_, typed := llm.FailureKindOf(runErr)
		if !typed && !llm.IsCanceled(runErr) {
			return fmt.Errorf("photo %s on case %s: %w", in.Filename, in.CaseID, runErr)
		}
		p.logger.Warn("photo job did not complete", "case_id", in.CaseID, "filename", in.Filename, "error", runErr)
		return p.write(wctx, in.CaseID, func(c *entity.Case) { c.AnalysisProgress = nil })
	}
	return p.write(wctx, in.CaseID, func(c *entity.Case) {
		if _, still := c.Photo(in.Filename); !still {
			p.logger.Warn("photo removed while its job ran, dropping result", "case_id", in.CaseID, "filename", in.Filename)
			c.AnalysisProgress = nil
			return
		}
		apply(c)
		c.AnalysisProgress = nil
	})
}

func (p *Processor) write(ctx context.Context, caseID string, mutate func(*entity.Case)) error {
	_, err := p.store.Update(ctx, caseID, mutate)
	if errors.Is(err, common.ErrNotFound) {
		p.logger.Info("case deleted before job finished", "case_id", caseID)
		return nil
	}
	return err
}

// progressWriter persists progress on the case. Stream events are thinned
// to one write per streamProgressStep tokens, plus the final one.
func (p *Processor) progressWriter(ctx context.Context, caseID string) entity.ProgressFunc {
	lastReceived := -streamProgressStep
	return func(ev entity.Progress) {
		if ev.Stage == entity.StageStream && !ev.Done {
			if ev.Received-lastReceived < streamProgressStep {
				return
			}
			lastReceived = ev.Received
		}
		if ev.Stage == entity.StageStream && ev.Done {
			lastReceived = -streamProgressStep
		}
		_, err := p.store.Update(ctx, caseID, func(c *entity.Case) {
			e := ev
			c.AnalysisProgress = &e
		})
		if err != nil && !llm.IsCanceled(err) {
			p.logger.Warn("failed to record progress", "case_id", caseID, "stage", ev.Stage, "error", err)
		}
	}
}

// carryPaperwork keeps transcriptions from an earlier paperwork pass on
// photos the new result annotates again.
func carryPaperwork(prev *entity.ExtractionResult, next map[string]entity.ImageAnalysis) map[string]entity.ImageAnalysis {
	if prev == nil || next == nil {
		return next
	}
	for name, ann := range next {
		old, ok := prev.Images[name]
		if !ok {
			continue
		}
		if ann.PaperworkText == nil && old.PaperworkText != nil {
			ann.PaperworkText = old.PaperworkText
		}
		if ann.PaperworkInfo == nil && old.PaperworkInfo != nil {
			ann.PaperworkInfo = old.PaperworkInfo
		}
		if ann.Paperwork == nil && old.Paperwork != nil {
			ann.Paperwork = old.Paperwork
		}
		next[name] = ann
	}
	return next
}
