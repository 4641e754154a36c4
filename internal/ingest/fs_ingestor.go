package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/casewatch/constants"
	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/core"
	"github.com/joseph-ayodele/casewatch/internal/entity"
)

// FSIngestor opens one case per new image file on the local filesystem and
// schedules its analysis.
type FSIngestor struct {
	cases  CaseCreator
	jobs   JobRunner
	lang   string
	logger *slog.Logger
}

func NewFSIngestor(cases CaseCreator, jobs JobRunner, lang string, logger *slog.Logger) *FSIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSIngestor{cases: cases, jobs: jobs, lang: lang, logger: logger}
}

func (i *FSIngestor) IngestPath(ctx context.Context, path string) (IngestionResult, error) {
	out := IngestionResult{SourcePath: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		return out, fmt.Errorf("abs path: %w", err)
	}
	out.SourcePath = abs

	ext := constants.NormalizeExt(filepath.Ext(abs))
	if ext == "" || !AllowedExt(ext) {
		return out, common.NewAppError("UNSUPPORTED_FILE", fmt.Sprintf("unsupported extension %q", ext), common.ErrInvalidInput)
	}

	f, err := os.Open(abs)
	if err != nil {
		return out, err
	}
	defer func(f *os.File) {
		if err := f.Close(); err != nil {
			i.logger.Warn("close file error", "path", abs, "error", err)
		}
	}(f)

	st, err := f.Stat()
	if err != nil {
		return out, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, fmt.Errorf("hash %s: %w", abs, err)
	}
	out.HashHex = hex.EncodeToString(h.Sum(nil))
	out.CaseID = caseIDFor(out.HashHex)
	out.TakenAt = st.ModTime().UTC()

	_, err = i.cases.Create(ctx, entity.Photo{
		URL:      "file://" + filepath.ToSlash(abs),
		Filename: filepath.Base(abs),
	}, nil, out.CaseID, &out.TakenAt)
	switch {
	case errors.Is(err, common.ErrConflict):
		out.Deduplicated = true
		i.logger.Debug("ingest duplicate skipped", "path", abs, "case_id", out.CaseID)
		return out, nil
	case err != nil:
		return out, err
	}

	i.jobs.Run(constants.JobAnalyzeCase, out.CaseID, core.AnalyzeCasePayload{CaseID: out.CaseID, Lang: i.lang})
	i.logger.Info("ingested photo", "path", abs, "case_id", out.CaseID)
	return out, nil
}

// IngestDirectory walks root, skips hidden if requested,
// and calls IngestPath for each file. Returns per-file results + aggregate stats.
func (i *FSIngestor) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, common.NewAppError("ROOT_REQUIRED", "root path is required", common.ErrInvalidInput)
	}

	var results []IngestionResult
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, path)
		if err != nil {
			r.Err = err.Error()
			results = append(results, r)
			stats.Failed++
			return nil
		}
		results = append(results, r)
		stats.Succeeded++
		if r.Deduplicated {
			stats.Deduplicated++
		}
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	return results, stats, nil
}

// Watch ingests what is already under cfg.Roots, then every new image file
// until ctx is done.
func (i *FSIngestor) Watch(ctx context.Context, cfg WatchConfig) error {
	// watch before scanning so nothing lands in the gap; overlaps dedupe by hash
	evCh, errCh, err := StartWatcher(ctx, cfg, i.logger)
	if err != nil {
		return err
	}
	for _, root := range cfg.Roots {
		_, stats, err := i.IngestDirectory(ctx, root, true)
		if err != nil {
			return err
		}
		i.logger.Info("initial scan done", "root", root,
			"matched", stats.Matched, "succeeded", stats.Succeeded,
			"deduplicated", stats.Deduplicated, "failed", stats.Failed)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case path, ok := <-evCh:
			if !ok {
				return nil
			}
			if IsHidden(path) {
				continue
			}
			if _, err := i.IngestPath(ctx, path); err != nil {
				i.logger.Warn("ingest failed", "path", path, "error", err)
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				i.logger.Warn("watcher error", "error", err)
			}
		}
	}
}
