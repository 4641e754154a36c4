package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/casewatch/constants"
	"github.com/joseph-ayodele/casewatch/internal/bus"
	"github.com/joseph-ayodele/casewatch/internal/cases"
	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/jobs"
	"github.com/joseph-ayodele/casewatch/internal/llm"
	"github.com/joseph-ayodele/casewatch/internal/repository"
)

type fakeExtractor struct {
	mu        sync.Mutex
	result    *entity.ExtractionResult
	paperwork *entity.PaperworkResult
	err       error
	progress  []entity.Progress
	calls     [][]llm.Image
	block     bool
}

func (f *fakeExtractor) RunExtraction(ctx context.Context, images []llm.Image, _ string, onProgress entity.ProgressFunc) (*entity.ExtractionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, images)
	progress, res, err, block := f.progress, f.result, f.err, f.block
	f.mu.Unlock()

	if len(images) == 0 {
		return nil, llm.NoImagesError()
	}
	for _, ev := range progress {
		onProgress(ev)
	}
	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("violation: %w", ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return res.Clone(), nil
}

func (f *fakeExtractor) ExtractPaperwork(_ context.Context, image llm.Image, _ entity.ProgressFunc) (*entity.PaperworkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, []llm.Image{image})
	if f.err != nil {
		return nil, f.err
	}
	out := *f.paperwork
	return &out, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *cases.Store
	events *bus.Bus[cases.Event]
	ext    *fakeExtractor
	proc   *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := bus.New[cases.Event]("cases", 256, quietLogger())
	store := cases.NewStore(repository.NewMemoryCaseRepository(), events, quietLogger())
	ext := &fakeExtractor{}
	return &fixture{store: store, events: events, ext: ext, proc: NewProcessor(quietLogger(), store, ext)}
}

func (f *fixture) seed(t *testing.T, id string, names ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Create(ctx, entity.Photo{URL: "https://x/" + names[0], Filename: names[0]}, nil, id, nil)
	require.NoError(t, err)
	for _, n := range names[1:] {
		_, err := f.store.AddPhoto(ctx, id, entity.Photo{URL: "https://x/" + n, Filename: n})
		require.NoError(t, err)
	}
}

func violation(names ...string) *entity.ExtractionResult {
	imgs := make(map[string]entity.ImageAnalysis, len(names))
	for _, n := range names {
		imgs[n] = entity.ImageAnalysis{RepresentationScore: 0.7}
	}
	return &entity.ExtractionResult{ViolationType: "hydrant", Details: map[string]string{"en": "d"}, Images: imgs}
}

func TestAnalyzeCase_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "c1", "a.jpg", "b.jpg")
	f.ext.result = violation("a.jpg", "b.jpg")
	f.ext.progress = []entity.Progress{entity.UploadProgress(0, 2), entity.UploadProgress(1, 2), entity.StreamProgress(100, 4096, true)}

	id, ch := f.events.Subscribe()
	defer f.events.Unsubscribe(id)

	require.NoError(t, f.proc.AnalyzeCase(context.Background(), AnalyzeCasePayload{CaseID: "c1"}))

	c, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, constants.AnalysisComplete, c.AnalysisStatus)
	assert.Nil(t, c.AnalysisError)
	assert.Nil(t, c.AnalysisProgress)
	assert.Equal(t, "hydrant", c.Analysis.ViolationType)
	require.Len(t, f.ext.calls, 1)
	assert.Len(t, f.ext.calls[0], 2)

	var sawProgress bool
	for len(ch) > 0 {
		ev := <-ch
		if ev.Case != nil && ev.Case.AnalysisProgress != nil {
			sawProgress = true
		}
	}
	assert.True(t, sawProgress, "progress was published through the store")
}

func TestAnalyzeCase_Outcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus constants.AnalysisStatus
		wantKind   *constants.FailureKind
		wantErr    bool
	}{
		{"schema failure", &llm.ExtractionError{Kind: constants.FailureSchema, Attempts: 3}, constants.AnalysisFailed, kindPtr(constants.FailureSchema), false},
		{"truncated failure", &llm.ExtractionError{Kind: constants.FailureTruncated, Attempts: 3}, constants.AnalysisFailed, kindPtr(constants.FailureTruncated), false},
		{"canceled", fmt.Errorf("violation: %w", context.Canceled), constants.AnalysisCanceled, nil, false},
		{"transport", errors.New("openai status 500"), constants.AnalysisPending, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.seed(t, "c1", "a.jpg")
			f.ext.err = tt.err

			err := f.proc.AnalyzeCase(context.Background(), AnalyzeCasePayload{CaseID: "c1"})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			c, err := f.store.Get(context.Background(), "c1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, c.AnalysisStatus)
			assert.Equal(t, tt.wantKind, c.AnalysisError)
		})
	}
}

func kindPtr(k constants.FailureKind) *constants.FailureKind { return &k }

func TestAnalyzeCase_NoImagesRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "c1", "a.jpg")
	_, err := f.store.RemovePhoto(context.Background(), "c1", "a.jpg")
	require.NoError(t, err)

	require.NoError(t, f.proc.AnalyzeCase(context.Background(), AnalyzeCasePayload{CaseID: "c1"}))
	c, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, constants.AnalysisFailed, c.AnalysisStatus)
	assert.Equal(t, kindPtr(constants.FailureNoImages), c.AnalysisError)
}

func TestAnalyzeCase_ThroughSchedulerShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "c1", "a.jpg")
	f.ext.block = true

	s := jobs.NewScheduler(nil, quietLogger())
	f.proc.Register(s)
	s.Run(constants.JobAnalyzeCase, "c1", AnalyzeCasePayload{CaseID: "c1"})
	s.Run(constants.JobAnalyzeCase, "c1", AnalyzeCasePayload{CaseID: "c1"})
	require.True(t, s.IsActive(constants.JobAnalyzeCase, "c1"))

	require.Eventually(t, func() bool {
		f.ext.mu.Lock()
		defer f.ext.mu.Unlock()
		return len(f.ext.calls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Shutdown(ctx)

	assert.False(t, s.IsActive(constants.JobAnalyzeCase, "c1"))
	c, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, constants.AnalysisCanceled, c.AnalysisStatus)
	assert.Len(t, f.ext.calls, 1, "duplicate run collapsed")
}

func TestAnalyzeCase_CaseDeletedMidRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "c1", "a.jpg")
	f.ext.result = violation("a.jpg")

	proc := NewProcessor(quietLogger(), f.store, &deletingExtractor{fakeExtractor: f.ext, store: f.store, caseID: "c1"})
	assert.NoError(t, proc.AnalyzeCase(context.Background(), AnalyzeCasePayload{CaseID: "c1"}))

	_, err := f.store.Get(context.Background(), "c1")
	assert.Error(t, err, "finished job does not resurrect a deleted case")
}

// deletingExtractor deletes the case while the model call is in flight.
type deletingExtractor struct {
	*fakeExtractor
	store  *cases.Store
	caseID string
}

func (d *deletingExtractor) RunExtraction(ctx context.Context, images []llm.Image, lang string, onProgress entity.ProgressFunc) (*entity.ExtractionResult, error) {
	if err := d.store.Delete(ctx, d.caseID); err != nil {
		return nil, err
	}
	return d.fakeExtractor.RunExtraction(ctx, images, lang, onProgress)
}

// gatedExtractor holds its first call until release is closed and annotates
// exactly the images it was given.
type gatedExtractor struct {
	*fakeExtractor
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedExtractor() *gatedExtractor {
	return &gatedExtractor{fakeExtractor: &fakeExtractor{}, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedExtractor) RunExtraction(ctx context.Context, images []llm.Image, _ string, _ entity.ProgressFunc) (*entity.ExtractionResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, images)
	first := len(g.calls) == 1
	g.mu.Unlock()

	if first {
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, fmt.Errorf("violation: %w", ctx.Err())
		}
	}
	names := make([]string, 0, len(images))
	for _, img := range images {
		names = append(names, img.Filename)
	}
	return violation(names...), nil
}

func (g *gatedExtractor) callNames() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]string, 0, len(g.calls))
	for _, call := range g.calls {
		names := make([]string, 0, len(call))
		for _, img := range call {
			names = append(names, img.Filename)
		}
		out = append(out, names)
	}
	return out
}

func TestAnalyzeCase_PhotosChangedMidRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		change    func(t *testing.T, store *cases.Store)
		wantCalls [][]string
		wantImgs  []string
	}{
		{
			name: "removed photo annotation is not recorded",
			change: func(t *testing.T, store *cases.Store) {
				_, err := store.RemovePhoto(context.Background(), "c1", "b.jpg")
				require.NoError(t, err)
			},
			wantCalls: [][]string{{"a.jpg", "b.jpg"}, {"a.jpg"}},
			wantImgs:  []string{"a.jpg"},
		},
		{
			name: "added photo is analyzed in the same job",
			change: func(t *testing.T, store *cases.Store) {
				_, err := store.AddPhoto(context.Background(), "c1", entity.Photo{URL: "https://x/c.jpg", Filename: "c.jpg"})
				require.NoError(t, err)
			},
			wantCalls: [][]string{{"a.jpg", "b.jpg"}, {"a.jpg", "b.jpg", "c.jpg"}},
			wantImgs:  []string{"a.jpg", "b.jpg", "c.jpg"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.seed(t, "c1", "a.jpg", "b.jpg")
			ext := newGatedExtractor()
			proc := NewProcessor(quietLogger(), f.store, ext)

			s := jobs.NewScheduler(nil, quietLogger())
			proc.Register(s)
			s.Run(constants.JobAnalyzeCase, "c1", AnalyzeCasePayload{CaseID: "c1"})

			select {
			case <-ext.started:
			case <-time.After(2 * time.Second):
				t.Fatal("analysis never reached the model")
			}
			tt.change(t, f.store)
			s.Run(constants.JobAnalyzeCase, "c1", AnalyzeCasePayload{CaseID: "c1"})
			close(ext.release)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(t, s.Wait(ctx, constants.JobAnalyzeCase, "c1"))
			assert.False(t, s.IsActive(constants.JobAnalyzeCase, "c1"))

			assert.Equal(t, tt.wantCalls, ext.callNames())
			c, err := f.store.Get(context.Background(), "c1")
			require.NoError(t, err)
			assert.Equal(t, constants.AnalysisComplete, c.AnalysisStatus)
			require.NotNil(t, c.Analysis)
			got := make([]string, 0, len(c.Analysis.Images))
			for name := range c.Analysis.Images {
				got = append(got, name)
			}
			assert.ElementsMatch(t, tt.wantImgs, got)
		})
	}
}

func TestSamePhotos(t *testing.T) {
	t.Parallel()
	photos := []entity.Photo{{Filename: "a.jpg"}, {Filename: "b.jpg"}}
	assert.True(t, samePhotos([]string{"a.jpg", "b.jpg"}, photos))
	assert.True(t, samePhotos([]string{"b.jpg", "a.jpg"}, photos))
	assert.False(t, samePhotos([]string{"a.jpg"}, photos))
	assert.False(t, samePhotos([]string{"a.jpg", "c.jpg"}, photos))
}

func TestAnalyzePhoto_ReplacesOnlyThatAnnotation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "c1", "a.jpg", "b.jpg")
	f.ext.result = violation("a.jpg", "b.jpg")
	require.NoError(t, f.proc.AnalyzeCase(context.Background(), AnalyzeCasePayload{CaseID: "c1"}))

	f.ext.result = &entity.ExtractionResult{
		ViolationType: "other",
		Images:        map[string]entity.ImageAnalysis{"b.jpg": {RepresentationScore: 0.1}},
	}
	require.NoError(t, f.proc.AnalyzePhoto(context.Background(), PhotoPayload{CaseID: "c1", Filename: "b.jpg"}))

	c, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "hydrant", c.Analysis.ViolationType)
	assert.Equal(t, 0.7, c.Analysis.Images["a.jpg"].RepresentationScore)
	assert.Equal(t, 0.1, c.Analysis.Images["b.jpg"].RepresentationScore)
	assert.Len(t, f.ext.calls[len(f.ext.calls)-1], 1)

	err = f.proc.AnalyzePhoto(context.Background(), PhotoPayload{CaseID: "c1", Filename: "zzz.jpg"})
	assert.Error(t, err)
}

func TestExtractPaperwork_AnnotatesAndFillsVIN(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "c1", "a.jpg", "reg.jpg")
	f.ext.result = violation("a.jpg", "reg.jpg")
	require.NoError(t, f.proc.AnalyzeCase(context.Background(), AnalyzeCasePayload{CaseID: "c1"}))

	f.ext.paperwork = &entity.PaperworkResult{Text: "REGISTRATION", Info: entity.PaperworkInfo{VIN: "1HGCM82633A004352"}}
	require.NoError(t, f.proc.ExtractPaperwork(context.Background(), PhotoPayload{CaseID: "c1", Filename: "reg.jpg"}))

	c, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	ann := c.Analysis.Images["reg.jpg"]
	require.NotNil(t, ann.Paperwork)
	assert.True(t, *ann.Paperwork)
	assert.Equal(t, "REGISTRATION", *ann.PaperworkText)
	assert.Equal(t, 0.7, ann.RepresentationScore)
	require.NotNil(t, c.VIN)
	assert.Equal(t, "1HGCM82633A004352", *c.VIN)

	// a later full analysis keeps the transcription
	require.NoError(t, f.proc.AnalyzeCase(context.Background(), AnalyzeCasePayload{CaseID: "c1"}))
	c, err = f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, c.Analysis.Images["reg.jpg"].PaperworkText)
	assert.Equal(t, "REGISTRATION", *c.Analysis.Images["reg.jpg"].PaperworkText)
}
