// Package cases owns case records: persistence through a repository,
// read-time override layering and mutation events.
package cases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/casewatch/constants"
	"github.com/joseph-ayodele/casewatch/internal/bus"
	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/repository"
)

type EventType string

const (
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is published on every mutation. Case is the merged view and is nil
// for deletions.
type Event struct {
	Type EventType    `json:"type"`
	ID   string       `json:"id"`
	Case *entity.Case `json:"case,omitempty"`
}

type Store struct {
	repo   repository.CaseRepository
	events *bus.Bus[Event]
	logger *slog.Logger
	now    func() time.Time

	// serializes read-modify-write cycles in this process
	mu sync.Mutex
}

func NewStore(repo repository.CaseRepository, events *bus.Bus[Event], logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:   repo,
		events: events,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create starts a case from its first photo. An empty id gets a generated
// one; gps and takenAt, when given, are attached to the photo.
func (s *Store) Create(ctx context.Context, photo entity.Photo, gps *entity.GPS, id string, takenAt *time.Time) (*entity.Case, error) {
	photo, err := normalizePhoto(photo)
	if err != nil {
		return nil, err
	}
	if gps != nil {
		g := *gps
		photo.GPS = &g
	}
	if takenAt != nil {
		t := takenAt.UTC()
		photo.TakenAt = &t
	}
	if id = strings.TrimSpace(id); id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch _, err := s.repo.Get(ctx, id); {
	case err == nil:
		return nil, common.NewAppError("CASE_EXISTS", fmt.Sprintf("case %s already exists", id), common.ErrConflict)
	case !errors.Is(err, common.ErrNotFound):
		return nil, err
	}

	now := s.now()
	c := &entity.Case{
		ID:             id,
		Photos:         []entity.Photo{photo},
		AnalysisStatus: constants.AnalysisPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Save(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("case created", "case_id", id, "filename", photo.Filename)
	return s.publishLocked(c), nil
}

// Get returns the merged view of a case.
func (s *Store) Get(ctx context.Context, id string) (*entity.Case, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ApplyOverrides(c), nil
}

// GetRaw returns the stored record without overrides applied.
func (s *Store) GetRaw(ctx context.Context, id string) (*entity.Case, error) {
	return s.repo.Get(ctx, id)
}

// List returns merged views of every case, newest first.
func (s *Store) List(ctx context.Context) ([]*entity.Case, error) {
	raw, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Case, len(raw))
	for i, c := range raw {
		out[i] = ApplyOverrides(c)
	}
	return out, nil
}

// Update applies fn to the raw record, persists it and publishes the merged view.
func (s *Store) Update(ctx context.Context, id string, fn func(*entity.Case)) (*entity.Case, error) {
	return s.mutate(ctx, id, func(c *entity.Case) error {
		fn(c)
		return nil
	})
}

// AddPhoto appends a photo. Filenames are unique within a case.
func (s *Store) AddPhoto(ctx context.Context, id string, photo entity.Photo) (*entity.Case, error) {
	photo, err := normalizePhoto(photo)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(c *entity.Case) error {
		if _, dup := c.Photo(photo.Filename); dup {
			return common.NewAppError("PHOTO_EXISTS", fmt.Sprintf("photo %s already on case %s", photo.Filename, id), common.ErrConflict)
		}
		c.Photos = append(c.Photos, photo)
		return nil
	})
}

// RemovePhoto drops a photo and returns the case to pending. Annotations
// keyed by the removed filename are purged from the raw analysis and the
// overrides right away.
func (s *Store) RemovePhoto(ctx context.Context, id, filename string) (*entity.Case, error) {
	return s.mutate(ctx, id, func(c *entity.Case) error {
		idx := -1
		for i, p := range c.Photos {
			if p.Filename == filename {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("photo %s on case %s: %w", filename, id, common.ErrNotFound)
		}
		c.Photos = append(c.Photos[:idx], c.Photos[idx+1:]...)
		if c.Analysis != nil {
			delete(c.Analysis.Images, filename)
		}
		if c.AnalysisOverrides != nil {
			delete(c.AnalysisOverrides.Images, filename)
			c.AnalysisOverrides = c.AnalysisOverrides.Compact()
		}
		c.AnalysisStatus = constants.AnalysisPending
		c.AnalysisError = nil
		c.AnalysisProgress = nil
		return nil
	})
}

// SetOverrides replaces the override object. nil (or an empty override) clears it.
func (s *Store) SetOverrides(ctx context.Context, id string, o *entity.AnalysisOverride) (*entity.Case, error) {
	return s.mutate(ctx, id, func(c *entity.Case) error {
		c.AnalysisOverrides = o.Clone().Compact()
		return nil
	})
}

// SetVinOverride sets or (with nil or blank) clears the VIN override.
func (s *Store) SetVinOverride(ctx context.Context, id string, vin *string) (*entity.Case, error) {
	return s.mutate(ctx, id, func(c *entity.Case) error {
		if vin == nil || strings.TrimSpace(*vin) == "" {
			c.VINOverride = nil
			return nil
		}
		v := strings.ToUpper(strings.TrimSpace(*vin))
		c.VINOverride = &v
		return nil
	})
}

// Delete removes a case and publishes a deletion event.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("case deleted", "case_id", id)
	if s.events != nil {
		s.events.Publish(Event{Type: EventDeleted, ID: id})
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*entity.Case) error) (*entity.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = id
	c.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, c); err != nil {
		return nil, err
	}
	return s.publishLocked(c), nil
}

func (s *Store) publishLocked(raw *entity.Case) *entity.Case {
	merged := ApplyOverrides(raw)
	if s.events != nil {
		s.events.Publish(Event{Type: EventUpdated, ID: raw.ID, Case: merged.Clone()})
	}
	return merged
}

func normalizePhoto(p entity.Photo) (entity.Photo, error) {
	p.URL = strings.TrimSpace(p.URL)
	if p.URL == "" {
		return p, common.NewAppError("PHOTO_URL_REQUIRED", "photo url is required", common.ErrInvalidInput)
	}
	if p.Filename = strings.TrimSpace(p.Filename); p.Filename == "" {
		p.Filename = path.Base(strings.TrimPrefix(p.URL, "file://"))
		if i := strings.IndexAny(p.Filename, "?#"); i >= 0 {
			p.Filename = p.Filename[:i]
		}
	}
	if p.Filename == "" || p.Filename == "." || p.Filename == "/" {
		return p, common.NewAppError("PHOTO_FILENAME_REQUIRED", "photo filename is required", common.ErrInvalidInput)
	}
	if p.TakenAt != nil {
		t := p.TakenAt.UTC()
		p.TakenAt = &t
	}
	return p, nil
}
