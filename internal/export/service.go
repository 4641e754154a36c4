package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/casewatch/internal/entity"
)

// CaseLister is the read side of the case store.
type CaseLister interface {
	List(ctx context.Context) ([]*entity.Case, error)
}

// Service produces XLSX bytes for case exports.
type Service struct {
	cases  CaseLister
	logger *slog.Logger
}

func NewService(cases CaseLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cases: cases, logger: logger}
}

// CasesXLSX returns a workbook of merged case views created in the window.
// If only from is provided -> from..today (inclusive).
// If only to is provided   -> beginning..to (inclusive).
// If neither is provided   -> all cases.
func (s *Service) CasesXLSX(ctx context.Context, from, to *time.Time, lang string) ([]byte, error) {
	start := time.Now()
	fromDate, toDate := window(from, to)

	all, err := s.cases.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Cases"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := []string{
		"Case ID",
		"Created",
		"Status",
		"Violation",
		"Details",
		"Plate",
		"Plate State",
		"Vehicle",
		"VIN",
		"Photos",
		"Error",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, c := range all {
		day := time.Date(c.CreatedAt.Year(), c.CreatedAt.Month(), c.CreatedAt.Day(), 0, 0, 0, 0, time.UTC)
		if fromDate != nil && day.Before(*fromDate) {
			continue
		}
		if toDate != nil && day.After(*toDate) {
			continue
		}

		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, c.ID)
		write(2, c.CreatedAt.UTC().Format("2006-01-02 15:04"))
		write(3, string(c.AnalysisStatus))
		if a := c.Analysis; a != nil {
			write(4, a.ViolationType)
			write(5, truncate(details(a.Details, lang), 240))
			write(6, a.Vehicle.LicensePlateNumber)
			write(7, a.Vehicle.LicensePlateState)
			write(8, strings.Join(nonEmpty(a.Vehicle.Color, a.Vehicle.Make, a.Vehicle.Model), " "))
		}
		if c.VIN != nil {
			write(9, *c.VIN)
		}
		write(10, len(c.Photos))
		if c.AnalysisError != nil {
			write(11, string(*c.AnalysisError))
		}
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 38) // id
	_ = f.SetColWidth(sheet, "B", "C", 16)
	_ = f.SetColWidth(sheet, "D", "D", 24)
	_ = f.SetColWidth(sheet, "E", "E", 60) // details
	_ = f.SetColWidth(sheet, "F", "H", 18)
	_ = f.SetColWidth(sheet, "I", "I", 20) // vin

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", row-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// window normalizes the bounds to UTC dates.
func window(from, to *time.Time) (*time.Time, *time.Time) {
	var fromDate, toDate *time.Time
	if from != nil {
		f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
		fromDate = &f
	}
	if to != nil {
		t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
		toDate = &t
	}
	if fromDate != nil && toDate == nil {
		today := time.Now().UTC()
		t := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
		toDate = &t
	}
	return fromDate, toDate
}

func details(m map[string]string, lang string) string {
	if d, ok := m[lang]; ok {
		return d
	}
	if d, ok := m["en"]; ok {
		return d
	}
	for _, d := range m {
		return d
	}
	return ""
}

func nonEmpty(ss ...string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
