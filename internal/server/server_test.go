package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/casewatch/constants"
	"github.com/joseph-ayodele/casewatch/internal/bus"
	"github.com/joseph-ayodele/casewatch/internal/cases"
	"github.com/joseph-ayodele/casewatch/internal/core"
	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/export"
	"github.com/joseph-ayodele/casewatch/internal/extract"
	"github.com/joseph-ayodele/casewatch/internal/jobs"
	"github.com/joseph-ayodele/casewatch/internal/llm"
	"github.com/joseph-ayodele/casewatch/internal/realtime"
	"github.com/joseph-ayodele/casewatch/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubDrafter struct {
	draft *extract.EmailDraft
	err   error
	got   extract.EmailRequest
}

func (d *stubDrafter) DraftEmail(_ context.Context, req extract.EmailRequest) (*extract.EmailDraft, error) {
	d.got = req
	return d.draft, d.err
}

type harness struct {
	srv       *Server
	store     *cases.Store
	scheduler *jobs.Scheduler
	drafter   *stubDrafter
	release   chan struct{}

	mu       sync.Mutex
	payloads []core.AnalyzeCasePayload
}

// newHarness wires the API with a scheduler whose analyzeCase handler blocks
// until release is closed, so tests can observe active jobs.
func newHarness(t *testing.T) *harness {
	t.Helper()
	caseBus := bus.New[cases.Event]("cases", 32, quietLogger())
	jobBus := bus.New[jobs.Snapshot]("jobs", 32, quietLogger())
	store := cases.NewStore(repository.NewMemoryCaseRepository(), caseBus, quietLogger())
	sched := jobs.NewScheduler(jobBus, quietLogger())

	h := &harness{store: store, scheduler: sched, drafter: &stubDrafter{}, release: make(chan struct{})}
	sched.Register(constants.JobAnalyzeCase, func(ctx context.Context, _ string, payload json.RawMessage) error {
		var in core.AnalyzeCasePayload
		if err := json.Unmarshal(payload, &in); err != nil {
			return err
		}
		h.mu.Lock()
		h.payloads = append(h.payloads, in)
		h.mu.Unlock()
		select {
		case <-h.release:
		case <-ctx.Done():
		}
		return nil
	})
	sched.Register(constants.JobAnalyzePhoto, func(context.Context, string, json.RawMessage) error { return nil })
	sched.Register(constants.JobExtractPaperwork, func(context.Context, string, json.RawMessage) error { return nil })

	h.srv = New(Deps{
		Store:     store,
		Scheduler: sched,
		Hub:       realtime.NewHub(caseBus, jobBus, quietLogger()),
		Export:    export.NewService(store, quietLogger()),
		Drafter:   h.drafter,
		Lang:      "en",
		Logger:    quietLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeCase(t *testing.T, rec *httptest.ResponseRecorder) entity.Case {
	t.Helper()
	var c entity.Case
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c), rec.Body.String())
	return c
}

func (h *harness) seed(t *testing.T, id string, files ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.Create(ctx, entity.Photo{URL: "https://photos.example.com/" + files[0]}, nil, id, nil)
	require.NoError(t, err)
	for _, f := range files[1:] {
		_, err := h.store.AddPhoto(ctx, id, entity.Photo{URL: "https://photos.example.com/" + f})
		require.NoError(t, err)
	}
}

func TestCreateCaseSchedulesAnalysis(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/cases", `{"url":"https://photos.example.com/p/1.jpg?sig=x","id":"c1","gps":{"lat":41.9,"lon":-87.6}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	c := decodeCase(t, rec)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, constants.AnalysisPending, c.AnalysisStatus)
	require.Len(t, c.Photos, 1)
	assert.Equal(t, "1.jpg", c.Photos[0].Filename)
	require.NotNil(t, c.Photos[0].GPS)

	assert.True(t, h.scheduler.IsActive(constants.JobAnalyzeCase, "c1"))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.payloads) == 1
	}, 2*time.Second, 10*time.Millisecond)
	h.mu.Lock()
	assert.Equal(t, core.AnalyzeCasePayload{CaseID: "c1", Lang: "en"}, h.payloads[0])
	h.mu.Unlock()

	dup := h.do(t, http.MethodPost, "/api/cases", `{"url":"https://photos.example.com/2.jpg","id":"c1"}`)
	assert.Equal(t, http.StatusConflict, dup.Code)

	bad := h.do(t, http.MethodPost, "/api/cases", `{"filename":"x.jpg"}`)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	close(h.release)
}

func TestGetAndDeleteCase(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg")

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/cases/c1", "").Code)

	missing := h.do(t, http.MethodGet, "/api/cases/nope", "")
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Contains(t, missing.Header().Get("Content-Type"), "application/json")

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/cases/c1", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/cases/c1", "").Code)

	list := h.do(t, http.MethodGet, "/api/cases", "")
	require.Equal(t, http.StatusOK, list.Code)
	assert.JSONEq(t, `[]`, list.Body.String())
}

func TestPhotoJobConflictsWithCaseAnalysis(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg")

	rec := h.do(t, http.MethodPost, "/api/cases/c1/photos/missing.jpg/analyze", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/cases/c1/analyze", `{"lang":"de"}`).Code)
	require.True(t, h.scheduler.IsActive(constants.JobAnalyzeCase, "c1"))

	for _, action := range []string{"analyze", "paperwork"} {
		rec := h.do(t, http.MethodPost, "/api/cases/c1/photos/a.jpg/"+action, "")
		assert.Equal(t, http.StatusConflict, rec.Code, action)
	}

	close(h.release)
	require.NoError(t, h.scheduler.Wait(context.Background(), constants.JobAnalyzeCase, "c1"))

	rec = h.do(t, http.MethodPost, "/api/cases/c1/photos/a.jpg/analyze", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, h.scheduler.Wait(context.Background(), constants.JobAnalyzePhoto, core.PhotoJobKey("c1", "a.jpg")))
}

func TestOverridesValidated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg")

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "unknown field", body: `{"speed":90}`, code: http.StatusBadRequest},
		{name: "empty plate", body: `{"vehicle":{"licensePlateNumber":""}}`, code: http.StatusBadRequest},
		{name: "not json", body: `{`, code: http.StatusBadRequest},
		{name: "valid", body: `{"violationType":"double parked","vehicle":{"make":"Ford"}}`, code: http.StatusOK},
	}
	for _, tt := range tests {
		rec := h.do(t, http.MethodPut, "/api/cases/c1/overrides", tt.body)
		assert.Equal(t, tt.code, rec.Code, "%s: %s", tt.name, rec.Body.String())
	}

	c := decodeCase(t, h.do(t, http.MethodGet, "/api/cases/c1", ""))
	require.NotNil(t, c.Analysis)
	assert.Equal(t, "double parked", c.Analysis.ViolationType)
	assert.Equal(t, "Ford", c.Analysis.Vehicle.Make)

	rec := h.do(t, http.MethodPut, "/api/cases/c1/overrides", `null`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeCase(t, rec).AnalysisOverrides)
}

func TestVinOverride(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg")

	rec := h.do(t, http.MethodPut, "/api/cases/c1/vin-override", `{"vin":" 1hgcm82633a004352 "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	c := decodeCase(t, rec)
	require.NotNil(t, c.VINOverride)
	assert.Equal(t, "1HGCM82633A004352", *c.VINOverride)

	rec = h.do(t, http.MethodPut, "/api/cases/c1/vin-override", `{"vin":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeCase(t, rec).VINOverride)
}

func TestRemoveLastPhotoDoesNotSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg", "b.jpg")

	rec := h.do(t, http.MethodDelete, "/api/cases/c1/photos/b.jpg", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.scheduler.IsActive(constants.JobAnalyzeCase, "c1"))
	close(h.release)
	require.NoError(t, h.scheduler.Wait(context.Background(), constants.JobAnalyzeCase, "c1"))

	rec = h.do(t, http.MethodDelete, "/api/cases/c1/photos/a.jpg", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeCase(t, rec).Photos)
	assert.False(t, h.scheduler.IsActive(constants.JobAnalyzeCase, "c1"))

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/cases/c1/photos/a.jpg", "").Code)
}

func TestEmailDraft(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg")

	h.drafter.draft = &extract.EmailDraft{Subject: "Bike lane", Body: "Hello"}
	rec := h.do(t, http.MethodPost, "/api/cases/c1/email-draft", `{"recipient":"311","lang":"es"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"subject":"Bike lane","body":"Hello"}`, rec.Body.String())
	assert.Equal(t, "es", h.drafter.got.Lang)
	assert.Equal(t, "c1", h.drafter.got.Case.ID)

	h.drafter.err = &llm.ExtractionError{Kind: constants.FailureSchema, Attempts: 3}
	rec = h.do(t, http.MethodPost, "/api/cases/c1/email-draft", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"schema"`)
}

func TestJobsAndHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg")
	h.do(t, http.MethodPost, "/api/cases/c1/analyze", "")

	rec := h.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var active []entity.ActiveJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "c1", active[0].Key)
	close(h.release)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "").Code)
	h.srv.health = func(context.Context) error { return errors.New("db down") }
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestExportEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg")

	rec := h.do(t, http.MethodGet, "/api/cases/export.xlsx?from=2000-01-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/cases/export.xlsx?to=yesterday", "").Code)
}

func TestEventsStreamOnlySubscribedCase(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg")
	h.seed(t, "c2", "b.jpg")

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/cases/c1/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	vin := "OTHER"
	_, err = h.store.SetVinOverride(context.Background(), "c2", &vin)
	require.NoError(t, err)
	vin = "MINE"
	_, err = h.store.SetVinOverride(context.Background(), "c1", &vin)
	require.NoError(t, err)

	var data string
	for data == "" {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		if strings.HasPrefix(line, ":") {
			data = ""
		}
	}
	var msg struct {
		Event string      `json:"event"`
		Data  entity.Case `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, realtime.EventCaseUpdate, msg.Event)
	assert.Equal(t, "c1", msg.Data.ID)
	require.NotNil(t, msg.Data.VINOverride)
	assert.Equal(t, "MINE", *msg.Data.VINOverride)

	missing, err := ts.Client().Get(ts.URL + "/api/cases/nope/events")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestShutdownEndsOpenEventStreams(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "c1", "a.jpg")

	streamCtx, endStreams := context.WithCancel(context.Background())
	defer endStreams()
	ts := httptest.NewUnstartedServer(nil)
	ts.Config = h.srv.HTTPServer(streamCtx, "")
	ts.Start()
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/api/cases/c1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": ping\n", line)

	endStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, ts.Config.Shutdown(shutdownCtx), "shutdown did not wait on the open stream")

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream still open after shutdown")
	}
}
