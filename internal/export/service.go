// Package export produces XLSX workbooks from extraction results.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/intakehub/docpipe/internal/orchestrator"
	"github.com/intakehub/docpipe/internal/repository"
)

// Service is a tiny façade over repositories that produces XLSX bytes for exports.
type Service struct {
	docs   repository.DocumentRepository
	fields repository.FieldRepository
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func NewService(docs repository.DocumentRepository, fields repository.FieldRepository, orch *orchestrator.Orchestrator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{docs: docs, fields: fields, orch: orch, logger: logger}
}

// ExportFieldsXLSX returns a workbook with one row per extracted field
// across the most recent documents.
func (s *Service) ExportFieldsXLSX(ctx context.Context, limit int) ([]byte, error) {
	start := time.Now()

	docs, err := s.docs.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Fields"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{"Document", "Value Tier", "Field", "Value", "Confidence", "Page", "Source"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	total := 0
	for _, doc := range docs {
		fields, err := s.fields.ListForDocument(ctx, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("query fields: %w", err)
		}
		for _, fld := range fields {
			write := func(col int, v any) {
				cell, _ := excelize.CoordinatesToCellName(col, row)
				_ = f.SetCellValue(sheet, cell, v)
			}
			write(1, doc.Filename)
			write(2, doc.ValueTier)
			write(3, fld.FieldName)
			if fld.FieldValue != nil {
				write(4, truncate(*fld.FieldValue, 140))
			}
			if fld.Confidence != nil {
				write(5, *fld.Confidence)
			}
			if fld.PageNo != nil {
				write(6, *fld.PageNo)
			}
			if fld.Source != nil {
				write(7, *fld.Source)
			}
			row++
			total++
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 40) // filename
	_ = f.SetColWidth(sheet, "B", "C", 16)
	_ = f.SetColWidth(sheet, "D", "D", 48) // value
	_ = f.SetColWidth(sheet, "E", "G", 12)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.fields.ok",
		"documents", len(docs),
		"rows", total,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// ExportFlaggedXLSX returns the human review queue as a workbook.
func (s *Service) ExportFlaggedXLSX(ctx context.Context, limit int) ([]byte, error) {
	start := time.Now()

	flagged, err := s.orch.ListFlagged(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("query flagged: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Flagged"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{"Document", "Value Tier", "Flagged From", "Reason", "Fields Extracted"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, fd := range flagged {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, i+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, fd.Document.Filename)
		write(2, fd.Document.ValueTier)
		write(3, fd.FromStep)
		write(4, truncate(fd.Reason, 140))
		write(5, len(fd.Fields))
	}

	_ = f.SetColWidth(sheet, "A", "A", 40)
	_ = f.SetColWidth(sheet, "B", "C", 16)
	_ = f.SetColWidth(sheet, "D", "D", 60)
	_ = f.SetColWidth(sheet, "E", "E", 16)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.flagged.ok",
		"rows", len(flagged),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
