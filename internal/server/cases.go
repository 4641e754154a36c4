package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/casewatch/constants"
	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/core"
	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/extract"
	"github.com/joseph-ayodele/casewatch/internal/llm"
)

type createCaseRequest struct {
	URL      string      `json:"url"`
	Filename string      `json:"filename,omitempty"`
	GPS      *entity.GPS `json:"gps,omitempty"`
	ID       string      `json:"id,omitempty"`
	TakenAt  *time.Time  `json:"takenAt,omitempty"`
	Lang     string      `json:"lang,omitempty"`
}

type photoRequest struct {
	URL      string      `json:"url"`
	Filename string      `json:"filename,omitempty"`
	GPS      *entity.GPS `json:"gps,omitempty"`
	TakenAt  *time.Time  `json:"takenAt,omitempty"`
	Lang     string      `json:"lang,omitempty"`
}

type vinOverrideRequest struct {
	VIN *string `json:"vin"`
}

type analyzeRequest struct {
	Lang string `json:"lang,omitempty"`
}

type emailDraftRequest struct {
	Lang       string `json:"lang,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

func (s *Server) langOr(lang string) string {
	if lang = strings.TrimSpace(lang); lang != "" {
		return lang
	}
	return s.lang
}

func (s *Server) scheduleAnalysis(caseID, lang string) {
	s.scheduler.Run(constants.JobAnalyzeCase, caseID, core.AnalyzeCasePayload{CaseID: caseID, Lang: s.langOr(lang)})
}

func (s *Server) createCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.store.Create(r.Context(), entity.Photo{
		URL:      req.URL,
		Filename: req.Filename,
		GPS:      req.GPS,
		TakenAt:  req.TakenAt,
	}, req.GPS, req.ID, req.TakenAt)
	if err != nil {
		writeError(w, err)
		return
	}
	s.scheduleAnalysis(c.ID, req.Lang)
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*entity.Case{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteCase(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addPhoto(w http.ResponseWriter, r *http.Request) {
	var req photoRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	c, err := s.store.AddPhoto(r.Context(), id, entity.Photo{
		URL:      req.URL,
		Filename: req.Filename,
		GPS:      req.GPS,
		TakenAt:  req.TakenAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.scheduleAnalysis(id, req.Lang)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) removePhoto(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.store.RemovePhoto(r.Context(), id, r.PathValue("filename"))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(c.Photos) > 0 {
		s.scheduleAnalysis(id, r.URL.Query().Get("lang"))
	}
	writeJSON(w, http.StatusOK, c)
}

// setOverrides validates the body against the override schema before it
// touches the store. A literal null clears all overrides.
func (s *Server) setOverrides(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, common.NewAppError("BAD_BODY", "could not read body", common.ErrInvalidInput))
		return
	}
	body = bytes.TrimSpace(body)

	var o *entity.AnalysisOverride
	if len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		if err := llm.ValidateJSONAgainstSchema(extract.OverrideSchema(), body); err != nil {
			writeError(w, common.NewAppError("INVALID_OVERRIDES", err.Error(), common.ErrValidation))
			return
		}
		o = &entity.AnalysisOverride{}
		if err := json.Unmarshal(body, o); err != nil {
			writeError(w, common.NewAppError("BAD_BODY", fmt.Sprintf("invalid JSON: %v", err), common.ErrInvalidInput))
			return
		}
	}

	c, err := s.store.SetOverrides(r.Context(), r.PathValue("id"), o)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) setVinOverride(w http.ResponseWriter, r *http.Request) {
	var req vinOverrideRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.store.SetVinOverride(r.Context(), r.PathValue("id"), req.VIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) analyzeCase(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	c, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.scheduleAnalysis(id, req.Lang)
	writeJSON(w, http.StatusAccepted, c)
}

func (s *Server) analyzePhoto(w http.ResponseWriter, r *http.Request) {
	s.photoJob(w, r, constants.JobAnalyzePhoto)
}

func (s *Server) extractPaperwork(w http.ResponseWriter, r *http.Request) {
	s.photoJob(w, r, constants.JobExtractPaperwork)
}

// photoJob schedules a single-photo job. It refuses while a whole-case
// analysis is running, since that run would overwrite the result.
func (s *Server) photoJob(w http.ResponseWriter, r *http.Request, kind string) {
	var req analyzeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	id, filename := r.PathValue("id"), r.PathValue("filename")
	c, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, ok := c.Photo(filename); !ok {
		writeError(w, common.NewAppError("PHOTO_NOT_FOUND", fmt.Sprintf("photo %s not on case %s", filename, id), common.ErrNotFound))
		return
	}
	if s.scheduler.IsActive(constants.JobAnalyzeCase, id) {
		writeError(w, common.NewAppError("ANALYSIS_RUNNING", "case analysis in progress", common.ErrConflict))
		return
	}
	s.scheduler.Run(kind, core.PhotoJobKey(id, filename), core.PhotoPayload{
		CaseID:   id,
		Filename: filename,
		Lang:     s.langOr(req.Lang),
	})
	writeJSON(w, http.StatusAccepted, c)
}

func (s *Server) draftEmail(w http.ResponseWriter, r *http.Request) {
	var req emailDraftRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	draft, err := s.drafter.DraftEmail(r.Context(), extract.EmailRequest{
		Case:       c,
		Lang:       s.langOr(req.Lang),
		Recipient:  req.Recipient,
		SenderName: req.SenderName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) exportCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.export.CasesXLSX(r.Context(), from, to, s.langOr(q.Get("lang")))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="cases.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	active := s.scheduler.Active()
	if active == nil {
		active = []entity.ActiveJob{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseTimeParam accepts RFC3339 or a bare date.
func parseTimeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, common.NewAppError("BAD_TIME", fmt.Sprintf("invalid time %q", v), common.ErrInvalidInput)
}
