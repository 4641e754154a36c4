package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/entity"
)

// CaseRepository persists whole case documents.
type CaseRepository interface {
	Get(ctx context.Context, id string) (*entity.Case, error)
	Save(ctx context.Context, c *entity.Case) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*entity.Case, error)
}

// NewCaseRepository picks the implementation matching db's driver.
func NewCaseRepository(db *DB, log *slog.Logger) CaseRepository {
	switch db.Driver {
	case DriverPostgres:
		return &sqlCaseRepo{db: db.SQL, q: postgresQueries, log: log}
	case DriverMemory:
		return NewMemoryCaseRepository()
	default:
		return &sqlCaseRepo{db: db.SQL, q: sqliteQueries, log: log}
	}
}

type queries struct {
	get    string
	upsert string
	del    string
	list   string
	// ts converts a timestamp into the column's bind type
	ts func(time.Time) any
}

// fixed width keeps lexical order equal to time order
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteQueries = queries{
	get: `SELECT doc FROM cases WHERE id = ?`,
	upsert: `INSERT INTO cases (id, doc, analysis_status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, analysis_status = excluded.analysis_status, updated_at = excluded.updated_at`,
	del:  `DELETE FROM cases WHERE id = ?`,
	list: `SELECT doc FROM cases ORDER BY created_at DESC, id`,
	ts:   func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
}

var postgresQueries = queries{
	get: `SELECT doc FROM cases WHERE id = $1`,
	upsert: `INSERT INTO cases (id, doc, analysis_status, created_at, updated_at) VALUES ($1, $2::jsonb, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, analysis_status = excluded.analysis_status, updated_at = excluded.updated_at`,
	del:  `DELETE FROM cases WHERE id = $1`,
	list: `SELECT doc FROM cases ORDER BY created_at DESC, id`,
	ts:   func(t time.Time) any { return t.UTC() },
}

type sqlCaseRepo struct {
	db  *sql.DB
	q   queries
	log *slog.Logger
}

func (r *sqlCaseRepo) Get(ctx context.Context, id string) (*entity.Case, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx, r.q.get, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		r.log.Error("case get failed", "case_id", id, "err", err)
		return nil, fmt.Errorf("get case: %w: %w", common.ErrDatabase, err)
	}
	return decodeCase(doc)
}

func (r *sqlCaseRepo) Save(ctx context.Context, c *entity.Case) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode case %s: %w", c.ID, err)
	}
	_, err = r.db.ExecContext(ctx, r.q.upsert,
		c.ID, string(doc), string(c.AnalysisStatus), r.q.ts(c.CreatedAt), r.q.ts(c.UpdatedAt))
	if err != nil {
		r.log.Error("case save failed", "case_id", c.ID, "err", err)
		return fmt.Errorf("save case: %w: %w", common.ErrDatabase, err)
	}
	r.log.Debug("case saved", "case_id", c.ID, "analysis_status", c.AnalysisStatus)
	return nil
}

func (r *sqlCaseRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q.del, id)
	if err != nil {
		r.log.Error("case delete failed", "case_id", id, "err", err)
		return fmt.Errorf("delete case: %w: %w", common.ErrDatabase, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("case %s: %w", id, common.ErrNotFound)
	}
	r.log.Info("case deleted", "case_id", id)
	return nil
}

func (r *sqlCaseRepo) List(ctx context.Context) ([]*entity.Case, error) {
	rows, err := r.db.QueryContext(ctx, r.q.list)
	if err != nil {
		r.log.Error("case list failed", "err", err)
		return nil, fmt.Errorf("list cases: %w: %w", common.ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Case
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		c, err := decodeCase(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeCase(doc []byte) (*entity.Case, error) {
	var c entity.Case
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	return &c, nil
}
