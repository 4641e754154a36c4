// Package ingest turns image files dropped into a watched directory into cases.
package ingest

import (
	"context"
	"time"

	"github.com/joseph-ayodele/casewatch/internal/entity"
)

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath   string
	CaseID       string
	Deduplicated bool
	HashHex      string
	TakenAt      time.Time
	Err          string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

// CaseCreator is the part of the case store the ingestor writes to.
type CaseCreator interface {
	Create(ctx context.Context, photo entity.Photo, gps *entity.GPS, id string, takenAt *time.Time) (*entity.Case, error)
}

// JobRunner schedules background work; *jobs.Scheduler satisfies it.
type JobRunner interface {
	Run(kind, key string, payload any)
}
