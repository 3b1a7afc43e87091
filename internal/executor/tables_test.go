package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/internal/repository"
)

type fakeTableRepo struct {
	upserts []*repository.Table
}

func (f *fakeTableRepo) Upsert(_ context.Context, tbl *repository.Table) error {
	f.upserts = append(f.upserts, tbl)
	return nil
}
func (f *fakeTableRepo) ListForDocument(context.Context, uuid.UUID) ([]*repository.Table, error) {
	return f.upserts, nil
}
func (f *fakeTableRepo) DeleteForDocument(context.Context, uuid.UUID) error {
	f.upserts = nil
	return nil
}

func TestSplitTablesAlignedColumns(t *testing.T) {
	text := "Earnings Statement\n" +
		"Description    Hours    Amount\n" +
		"Regular        80.0     2400.00\n" +
		"Overtime       4.5      202.50\n" +
		"\n" +
		"Thank you\n"

	tables := splitTables(text)
	if len(tables) != 1 {
		t.Fatalf("expected 1 table, got %d", len(tables))
	}
	rows := tables[0]
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "Description" || rows[0][2] != "Amount" {
		t.Fatalf("header row wrong: %v", rows[0])
	}
	if rows[2][1] != "4.5" {
		t.Fatalf("cell wrong: %v", rows[2])
	}
}

func TestSplitTablesColumnCountChangeStartsNewTable(t *testing.T) {
	text := "a    b\n" +
		"c    d\n" +
		"x    y    z\n" +
		"p    q    r\n"

	tables := splitTables(text)
	if len(tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(tables))
	}
	if len(tables[0][0]) != 2 || len(tables[1][0]) != 3 {
		t.Fatalf("column counts wrong: %v", tables)
	}
}

func TestSplitTablesSingleAlignedLineIgnored(t *testing.T) {
	if tables := splitTables("lonely    line\nprose follows here\n"); len(tables) != 0 {
		t.Fatalf("one aligned line is not a table: %v", tables)
	}
}

func TestTablesExecutorPersistsRows(t *testing.T) {
	repo := &fakeTableRepo{}
	exec := NewTables(repo, nil)

	text := "Name    Total\nAlice   10\nBob     12\n"
	res, err := exec.Execute(context.Background(), ExecInput{
		Doc:   &repository.Document{ID: uuid.New()},
		Pages: []*repository.Page{{PageNo: 1, NativeText: &text, HasTextLayer: true}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Detail["tables"] != 1 {
		t.Fatalf("detail: %v", res.Detail)
	}
	if len(repo.upserts) != 1 {
		t.Fatalf("expected 1 persisted table, got %d", len(repo.upserts))
	}

	tbl := repo.upserts[0]
	if tbl.PageNo != 1 || tbl.TableNo != 1 {
		t.Fatalf("table placement: %+v", tbl)
	}
	var rows [][]string
	if err := json.Unmarshal(tbl.Rows, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[1][0] != "Alice" {
		t.Fatalf("rows: %v", rows)
	}
}
