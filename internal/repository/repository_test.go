package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/common"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), common.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close(nil) })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testDoc(t *testing.T, db *DB) *Document {
	t.Helper()
	doc := &Document{
		ID:         uuid.New(),
		Filename:   "paystub.pdf",
		ContentRef: "mem://docs/paystub.pdf",
		ValueTier:  string(constants.TierStandard),
	}
	if err := NewDocumentRepository(db, nil).Create(context.Background(), doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func TestCheckpointAttemptsBumpOnlyOnRunning(t *testing.T) {
	db := testDB(t)
	doc := testDoc(t, db)
	repo := NewCheckpointRepository(db, nil)
	ctx := context.Background()

	cp, err := repo.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointRunning, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Attempts != 1 {
		t.Fatalf("first RUNNING should set attempts=1, got %d", cp.Attempts)
	}

	cp, err = repo.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointComplete,
		map[string]any{"has_text_layer": true}, "")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Attempts != 1 {
		t.Fatalf("COMPLETE must not bump attempts, got %d", cp.Attempts)
	}

	cp, err = repo.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointRunning, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Attempts != 2 {
		t.Fatalf("second RUNNING should set attempts=2, got %d", cp.Attempts)
	}
}

func TestCheckpointDetailSurvivesStatusUpdate(t *testing.T) {
	db := testDB(t)
	doc := testDoc(t, db)
	repo := NewCheckpointRepository(db, nil)
	ctx := context.Background()

	if _, err := repo.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointComplete,
		map[string]any{"has_text_layer": false, "page_count": float64(3)}, ""); err != nil {
		t.Fatal(err)
	}
	cp, err := repo.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointRunning, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := cp.DetailMap()["page_count"]; got != float64(3) {
		t.Fatalf("detail lost on status-only update: %v", cp.DetailMap())
	}
}

func TestProjectionLifecycle(t *testing.T) {
	db := testDB(t)
	doc := testDoc(t, db)
	repo := NewCheckpointRepository(db, nil)
	ctx := context.Background()
	const maxAttempts = 3

	state := func() constants.DocState {
		cps, err := repo.ListForDocument(ctx, doc.ID)
		if err != nil {
			t.Fatal(err)
		}
		return ProjectState(cps, maxAttempts)
	}

	if got := state(); got != constants.DocQueued {
		t.Fatalf("empty ledger: got %s", got)
	}

	// Native branch: classify completes with a text layer.
	if _, err := repo.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointComplete,
		map[string]any{"has_text_layer": true}, ""); err != nil {
		t.Fatal(err)
	}
	if got := state(); got != constants.DocExtractingNative {
		t.Fatalf("after native classify: got %s", got)
	}

	if _, err := repo.Upsert(ctx, doc.ID, constants.StepExtractTables, constants.CheckpointComplete, nil, ""); err != nil {
		t.Fatal(err)
	}
	if got := state(); got != constants.DocPostprocessing {
		t.Fatalf("before field extraction: got %s", got)
	}

	if _, err := repo.Upsert(ctx, doc.ID, constants.StepExtractFields, constants.CheckpointComplete, nil, ""); err != nil {
		t.Fatal(err)
	}
	if got := state(); got != constants.DocComplete {
		t.Fatalf("all steps complete: got %s", got)
	}

	// An open review checkpoint parks the document regardless.
	if _, err := repo.Upsert(ctx, doc.ID, constants.StepReview, constants.CheckpointPending, nil, ""); err != nil {
		t.Fatal(err)
	}
	if got := state(); got != constants.DocFlagged {
		t.Fatalf("open review: got %s", got)
	}
	if _, err := repo.Upsert(ctx, doc.ID, constants.StepReview, constants.CheckpointComplete, nil, ""); err != nil {
		t.Fatal(err)
	}
	if got := state(); got != constants.DocComplete {
		t.Fatalf("closed review: got %s", got)
	}
}

func TestProjectionFailedAtAttemptCap(t *testing.T) {
	db := testDB(t)
	doc := testDoc(t, db)
	repo := NewCheckpointRepository(db, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := repo.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointRunning, nil, ""); err != nil {
			t.Fatal(err)
		}
		if _, err := repo.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointFailed, nil, "boom"); err != nil {
			t.Fatal(err)
		}
		cps, err := repo.ListForDocument(ctx, doc.ID)
		if err != nil {
			t.Fatal(err)
		}
		got := ProjectState(cps, 3)
		if i < 2 && got == constants.DocFailed {
			t.Fatalf("attempt %d under cap must not be terminal", i+1)
		}
		if i == 2 && got != constants.DocFailed {
			t.Fatalf("attempt cap reached: got %s", got)
		}
	}
}

func TestResetStepsInvalidatesDownstream(t *testing.T) {
	db := testDB(t)
	doc := testDoc(t, db)
	repo := NewCheckpointRepository(db, nil)
	ctx := context.Background()

	for _, step := range constants.ScannedPlan {
		if _, err := repo.Upsert(ctx, doc.ID, step, constants.CheckpointComplete,
			map[string]any{"done": true}, ""); err != nil {
			t.Fatal(err)
		}
	}

	idx := constants.StepIndex(constants.ScannedPlan, constants.StepLayout)
	if err := repo.ResetSteps(ctx, doc.ID, constants.ScannedPlan[idx:]); err != nil {
		t.Fatal(err)
	}

	cps, err := repo.ListForDocument(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, cp := range cps {
		i := constants.StepIndex(constants.ScannedPlan, constants.Step(cp.Step))
		switch {
		case i < idx:
			if cp.Status != string(constants.CheckpointComplete) {
				t.Fatalf("upstream step %s must stay complete", cp.Step)
			}
		default:
			if cp.Status != string(constants.CheckpointPending) {
				t.Fatalf("downstream step %s must be pending, got %s", cp.Step, cp.Status)
			}
			if len(cp.DetailMap()) != 0 {
				t.Fatalf("reset must clear detail for %s", cp.Step)
			}
		}
	}
}

func TestLeaseExclusiveUntilExpiry(t *testing.T) {
	db := testDB(t)
	doc := testDoc(t, db)
	leases := NewLeaseRepository(db, nil)
	ctx := context.Background()

	if err := leases.Acquire(ctx, doc.ID, "worker-a", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	err := leases.Acquire(ctx, doc.ID, "worker-b", time.Minute)
	var lc *LeaseConflictError
	if !errors.As(err, &lc) {
		t.Fatalf("expected LeaseConflictError, got %v", err)
	}
	if lc.Owner != "worker-a" {
		t.Fatalf("conflict should name the holder, got %q", lc.Owner)
	}

	// Re-entrant for the holder.
	if err := leases.Acquire(ctx, doc.ID, "worker-a", time.Minute); err != nil {
		t.Fatalf("re-entrant acquire: %v", err)
	}

	// Expired leases are up for grabs.
	if err := leases.Acquire(ctx, doc.ID, "worker-a", -time.Second); err != nil {
		t.Fatalf("shorten ttl: %v", err)
	}
	if err := leases.Acquire(ctx, doc.ID, "worker-b", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	// Release frees it immediately.
	if err := leases.Release(ctx, doc.ID, "worker-b"); err != nil {
		t.Fatal(err)
	}
	if err := leases.Acquire(ctx, doc.ID, "worker-c", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestFieldCorrectOverwrites(t *testing.T) {
	db := testDB(t)
	doc := testDoc(t, db)
	fields := NewFieldRepository(db, nil)
	ctx := context.Background()

	val := "1250.00"
	conf := 0.7
	if err := fields.Upsert(ctx, &Field{
		DocumentID: doc.ID,
		FieldName:  "income",
		FieldValue: &val,
		Confidence: &conf,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := fields.Correct(ctx, doc.ID, "income", "1350.00")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 corrected row, got %d", n)
	}

	rows, err := fields.ListForDocument(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 field, got %d", len(rows))
	}
	f := rows[0]
	if f.FieldValue == nil || *f.FieldValue != "1350.00" {
		t.Fatalf("value not corrected: %+v", f)
	}
	if f.Confidence == nil || *f.Confidence != 1.0 {
		t.Fatalf("human correction must carry confidence 1.0, got %v", f.Confidence)
	}
	if f.Source == nil || *f.Source != "human" {
		t.Fatalf("human correction must set source, got %v", f.Source)
	}

	if n, _ := fields.Correct(ctx, doc.ID, "missing", "x"); n != 0 {
		t.Fatalf("correcting a missing field must affect 0 rows, got %d", n)
	}
}

func TestPlanFromCheckpoints(t *testing.T) {
	scanned := []*Checkpoint{{
		Step:   string(constants.StepClassify),
		Status: string(constants.CheckpointComplete),
		Detail: []byte(`{"has_text_layer": false}`),
	}}
	if got := PlanFromCheckpoints(scanned); len(got) != len(constants.ScannedPlan) {
		t.Fatalf("expected scanned plan, got %v", got)
	}

	native := []*Checkpoint{{
		Step:   string(constants.StepClassify),
		Status: string(constants.CheckpointComplete),
		Detail: []byte(`{"has_text_layer": true}`),
	}}
	if got := PlanFromCheckpoints(native); len(got) != len(constants.NativePlan) {
		t.Fatalf("expected native plan, got %v", got)
	}

	if got := PlanFromCheckpoints(nil); len(got) != len(constants.ScannedPlan) {
		t.Fatalf("unknown branch must assume scanned, got %v", got)
	}
}

func TestFieldCorrectTargetsSingleRow(t *testing.T) {
	db := testDB(t)
	doc := testDoc(t, db)
	fields := NewFieldRepository(db, nil)
	ctx := context.Background()

	for _, v := range []struct {
		val  string
		conf float64
	}{{"2024-01-05", 0.9}, {"2024-02-10", 0.45}} {
		val, conf := v.val, v.conf
		if err := fields.Upsert(ctx, &Field{
			DocumentID: doc.ID,
			FieldName:  "date",
			FieldValue: &val,
			Confidence: &conf,
		}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := fields.Correct(ctx, doc.ID, "date", "2024-01-06")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("correction must touch exactly one row, got %d", n)
	}

	rows, err := fields.ListForDocument(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected both rows to survive, got %d", len(rows))
	}
	values := map[string]float64{}
	for _, f := range rows {
		values[*f.FieldValue] = *f.Confidence
	}
	if values["2024-01-06"] != 1.0 {
		t.Fatalf("strongest row must carry the correction, got %v", values)
	}
	if values["2024-02-10"] != 0.45 {
		t.Fatalf("weaker row must be untouched, got %v", values)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := testDB(t)
	// testDB already migrated once; a second pass over the commented,
	// multi-statement schema must be a no-op.
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestDocumentCancelFlagRoundTrip(t *testing.T) {
	db := testDB(t)
	doc := testDoc(t, db)
	docs := NewDocumentRepository(db, nil)
	ctx := context.Background()

	if err := docs.SetCancelRequested(ctx, doc.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err := docs.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CancelRequested {
		t.Fatal("cancel flag must persist")
	}

	if err := docs.SetCancelRequested(ctx, doc.ID, false); err != nil {
		t.Fatal(err)
	}
	got, err = docs.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CancelRequested {
		t.Fatal("cancel flag must clear")
	}

	if err := docs.SetCancelRequested(ctx, uuid.New(), true); err == nil {
		t.Fatal("unknown document must error")
	}
}
