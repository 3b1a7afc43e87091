package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/repository"
)

// Tables pulls tabular data out of page text (native or OCR) by whitespace
// column alignment: runs of lines whose cells split on 2+ spaces into the
// same column count are treated as one table.
type Tables struct {
	Repo   repository.TableRepository
	Logger *slog.Logger
}

func NewTables(repo repository.TableRepository, logger *slog.Logger) *Tables {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tables{Repo: repo, Logger: logger}
}

func (t *Tables) Name() constants.Step { return constants.StepExtractTables }

const tableMethod = "text-align"

func (t *Tables) Execute(ctx context.Context, in ExecInput) (ExecResult, error) {
	total := 0
	for _, page := range in.Pages {
		tables := splitTables(page.Text())
		for i, rows := range tables {
			rowsJSON, err := json.Marshal(rows)
			if err != nil {
				return ExecResult{}, NewExecError(t.Name(), err, false)
			}
			method := tableMethod
			if err := t.Repo.Upsert(ctx, &repository.Table{
				DocumentID: in.Doc.ID,
				PageNo:     page.PageNo,
				TableNo:    i + 1,
				Rows:       rowsJSON,
				Method:     &method,
			}); err != nil {
				return ExecResult{}, NewExecError(t.Name(), err, true)
			}
			total++
		}
	}

	t.Logger.Info("tables.done", "doc_id", in.Doc.ID, "tables", total)
	return ExecResult{Detail: map[string]any{
		"tables": total,
		"method": tableMethod,
	}}, nil
}

var cellSplit = regexp.MustCompile(`\s{2,}|\t`)

// splitTables finds aligned-line runs in text and returns them as row sets.
func splitTables(text string) [][][]string {
	var tables [][][]string
	var current [][]string
	cols := 0

	flush := func() {
		// one aligned line is not a table
		if len(current) >= 2 {
			tables = append(tables, current)
		}
		current = nil
		cols = 0
	}

	for _, line := range strings.Split(text, "\n") {
		cells := splitCells(line)
		if len(cells) < 2 {
			flush()
			continue
		}
		if cols != 0 && len(cells) != cols {
			flush()
		}
		cols = len(cells)
		current = append(current, cells)
	}
	flush()
	return tables
}

func splitCells(line string) []string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	parts := cellSplit.Split(trimmed, -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
