package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/cloud"
	"github.com/intakehub/docpipe/internal/common"
	"github.com/intakehub/docpipe/internal/executor"
	"github.com/intakehub/docpipe/internal/notify"
	"github.com/intakehub/docpipe/internal/repository"
	"github.com/intakehub/docpipe/internal/retry"
	"github.com/intakehub/docpipe/internal/router"
	"github.com/intakehub/docpipe/internal/storage"
)

// stubExec runs a canned behavior and counts executions per step.
type stubExec struct {
	step constants.Step
	fn   func(ctx context.Context, in executor.ExecInput) (executor.ExecResult, error)

	mu    sync.Mutex
	calls int
}

func (s *stubExec) Name() constants.Step { return s.step }

func (s *stubExec) Execute(ctx context.Context, in executor.ExecInput) (executor.ExecResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn == nil {
		return executor.ExecResult{Detail: map[string]any{"ok": true}}, nil
	}
	return s.fn(ctx, in)
}

func (s *stubExec) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubCloud returns a fixed per-page confidence for whatever pages it is
// asked about.
type stubCloud struct {
	conf  float64
	err   error
	calls int
}

func (c *stubCloud) Provider() string { return "stub" }

func (c *stubCloud) Analyze(_ context.Context, _ string, pages []int) (*cloud.Result, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	res := &cloud.Result{Provider: "stub"}
	if len(pages) == 0 {
		pages = []int{1}
	}
	for _, p := range pages {
		res.Pages = append(res.Pages, cloud.PageResult{
			PageNo: p, Text: "cloud text", Confidence: c.conf,
		})
	}
	return res, nil
}

type recordingQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (q *recordingQueue) Enqueue(_ context.Context, id uuid.UUID, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, id)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type harness struct {
	db     *repository.DB
	orch   *Orchestrator
	retry  *retry.Manager
	queue  *recordingQueue
	bus    *notify.Bus
	stubs  map[constants.Step]*stubExec
	docs   repository.DocumentRepository
	pages  repository.PageRepository
	fields repository.FieldRepository
	cps    repository.CheckpointRepository
	leases repository.LeaseRepository
}

func newHarness(t *testing.T, adapter cloud.Adapter) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := repository.Open(context.Background(),
		common.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close(logger) })
	if err := repository.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := &harness{
		db:     db,
		queue:  &recordingQueue{},
		stubs:  map[constants.Step]*stubExec{},
		docs:   repository.NewDocumentRepository(db, logger),
		pages:  repository.NewPageRepository(db, logger),
		fields: repository.NewFieldRepository(db, logger),
		cps:    repository.NewCheckpointRepository(db, logger),
		leases: repository.NewLeaseRepository(db, logger),
	}
	tables := repository.NewTableRepository(db, logger)
	audit := repository.NewAuditRepository(db, logger)
	tasks := repository.NewReprocessTaskRepository(db, logger)
	bus := notify.NewBus(logger)
	h.bus = bus

	execs := map[constants.Step]executor.Executor{}
	for _, step := range constants.ScannedPlan {
		stub := &stubExec{step: step}
		h.stubs[step] = stub
		execs[step] = stub
	}

	policy := router.Policy{
		Threshold: 0.85,
		CloudTiers: map[constants.ValueTier]bool{
			constants.TierStandard: true,
			constants.TierHigh:     true,
		},
	}
	fieldPolicy := policy
	fieldPolicy.Threshold = 0.65

	h.orch = &Orchestrator{
		Docs:        h.docs,
		Pages:       h.pages,
		Fields:      h.fields,
		Checkpoints: h.cps,
		Leases:      h.leases,
		Audit:       audit,
		Store:       storage.New("mem://docpipe-test", logger),
		Execs:       execs,
		OCRRouter:   router.New(policy, logger),
		FieldRouter: router.New(fieldPolicy, logger),
		Cloud:       adapter,
		Bus:         bus,
		Logger:      logger,
		Owner:       "test-worker",
		LeaseTTL:    time.Minute,
		MaxAttempts: 3,
	}
	h.retry = retry.NewManager(retry.Policy{Base: time.Millisecond, Factor: 2, Cap: time.Second, MaxAttempts: 3},
		h.cps, h.docs, h.fields, tables, tasks, audit, h.queue, bus, logger)
	h.orch.Retry = h.retry
	return h
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (h *harness) newDoc(t *testing.T, tier constants.ValueTier) *repository.Document {
	t.Helper()
	doc := &repository.Document{
		ID:         uuid.New(),
		Filename:   "doc.pdf",
		ContentRef: "mem://docpipe-test/doc.pdf",
		ValueTier:  string(tier),
	}
	if err := h.docs.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

// classifyNative makes classify report a machine-readable text layer.
func (h *harness) classifyNative() {
	h.stubs[constants.StepClassify].fn = func(_ context.Context, _ executor.ExecInput) (executor.ExecResult, error) {
		return executor.ExecResult{Detail: map[string]any{"has_text_layer": true, "page_count": 1}}, nil
	}
}

func (h *harness) classifyScanned() {
	h.stubs[constants.StepClassify].fn = func(_ context.Context, _ executor.ExecInput) (executor.ExecResult, error) {
		return executor.ExecResult{Detail: map[string]any{"has_text_layer": false, "page_count": 2}}, nil
	}
}

func (h *harness) ocrConfidences(confs ...float64) {
	h.stubs[constants.StepOCR].fn = func(_ context.Context, _ executor.ExecInput) (executor.ExecResult, error) {
		pages := make([]int, len(confs))
		for i := range confs {
			pages[i] = i + 1
		}
		return executor.ExecResult{
			Detail:      map[string]any{"pages": len(confs)},
			Confidences: confs,
			ItemPages:   pages,
		}, nil
	}
}

func (h *harness) fieldConfidences(confs ...float64) {
	h.stubs[constants.StepExtractFields].fn = func(_ context.Context, _ executor.ExecInput) (executor.ExecResult, error) {
		pages := make([]int, len(confs))
		for i := range confs {
			pages[i] = 1
		}
		return executor.ExecResult{
			Detail:      map[string]any{"fields": len(confs)},
			Confidences: confs,
			ItemPages:   pages,
		}, nil
	}
}

func TestRunNativeShortCircuit(t *testing.T) {
	h := newHarness(t, nil)
	h.classifyNative()
	h.fieldConfidences(0.9)
	doc := h.newDoc(t, constants.TierStandard)

	state, err := h.orch.Run(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocComplete {
		t.Fatalf("expected complete, got %s", state)
	}

	for _, step := range []constants.Step{constants.StepPreprocess, constants.StepLayout, constants.StepOCR} {
		cp, err := h.cps.Get(context.Background(), doc.ID, step)
		if err != nil {
			t.Fatal(err)
		}
		if cp != nil {
			t.Fatalf("native plan must not touch %s, found checkpoint %+v", step, cp)
		}
		if h.stubs[step].count() != 0 {
			t.Fatalf("native plan must not run %s", step)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.classifyNative()
	h.fieldConfidences(0.9)
	doc := h.newDoc(t, constants.TierStandard)

	if _, err := h.orch.Run(context.Background(), doc.ID); err != nil {
		t.Fatal(err)
	}
	before := map[constants.Step]int{}
	for step, stub := range h.stubs {
		before[step] = stub.count()
	}

	state, err := h.orch.Run(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocComplete {
		t.Fatalf("second run: got %s", state)
	}
	for step, stub := range h.stubs {
		if stub.count() != before[step] {
			t.Fatalf("step %s re-executed on a complete document", step)
		}
	}
}

func TestRunEscalatesToCloudAndCompletes(t *testing.T) {
	adapter := &stubCloud{conf: 0.92}
	h := newHarness(t, adapter)
	h.classifyScanned()
	h.ocrConfidences(0.60, 0.60)
	h.fieldConfidences(0.9)
	doc := h.newDoc(t, constants.TierHigh)

	state, err := h.orch.Run(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocComplete {
		t.Fatalf("expected complete after escalation, got %s", state)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected exactly one cloud call, got %d", adapter.calls)
	}

	cp, err := h.cps.Get(context.Background(), doc.ID, repository.StepCloudFallback())
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil || cp.Status != string(constants.CheckpointComplete) {
		t.Fatalf("cloud fallback must be ledgered complete, got %+v", cp)
	}

	pages, err := h.pages.ListForDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 merged pages, got %d", len(pages))
	}
	for _, p := range pages {
		if p.OCRConfidence == nil || *p.OCRConfidence != 0.92 {
			t.Fatalf("page %d not merged: %+v", p.PageNo, p)
		}
	}
}

func TestRunFlagsLowTierForReview(t *testing.T) {
	h := newHarness(t, &stubCloud{conf: 0.92})
	h.classifyScanned()
	h.ocrConfidences(0.60)
	doc := h.newDoc(t, constants.TierLow)

	state, err := h.orch.Run(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocFlagged {
		t.Fatalf("expected flagged, got %s", state)
	}

	flagged, err := h.orch.ListFlagged(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(flagged) != 1 || flagged[0].Document.ID != doc.ID {
		t.Fatalf("review queue should hold the document, got %+v", flagged)
	}

	if err := h.orch.SubmitReview(context.Background(), doc.ID,
		constants.DecisionApprove, nil, "checked manually", "reviewer-1"); err != nil {
		t.Fatal(err)
	}
	state, err = h.orch.State(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocComplete {
		t.Fatalf("approved document must project complete, got %s", state)
	}
}

func TestSubmitReviewRejectsUnflaggedDocument(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.newDoc(t, constants.TierStandard)

	err := h.orch.SubmitReview(context.Background(), doc.ID, constants.DecisionApprove, nil, "", "reviewer")
	var ise *repository.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestRunRetryableFailureSchedulesRetryThenFails(t *testing.T) {
	h := newHarness(t, nil)
	h.stubs[constants.StepClassify].fn = func(_ context.Context, _ executor.ExecInput) (executor.ExecResult, error) {
		return executor.ExecResult{}, executor.NewExecError(constants.StepClassify, fmt.Errorf("transient"), true)
	}
	doc := h.newDoc(t, constants.TierStandard)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.orch.Run(ctx, doc.ID); err != nil {
			t.Fatal(err)
		}
		if h.queue.count() != i+1 {
			t.Fatalf("attempt %d: expected %d re-enqueues, got %d", i+1, i+1, h.queue.count())
		}
	}

	state, err := h.orch.Run(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocFailed {
		t.Fatalf("attempt cap must fail the document, got %s", state)
	}
	if h.queue.count() != 2 {
		t.Fatalf("exhausted step must not re-enqueue, got %d", h.queue.count())
	}
}

func TestRunPermanentFailureFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.stubs[constants.StepClassify].fn = func(_ context.Context, _ executor.ExecInput) (executor.ExecResult, error) {
		return executor.ExecResult{}, executor.NewExecError(constants.StepClassify, fmt.Errorf("corrupt pdf"), false)
	}
	doc := h.newDoc(t, constants.TierStandard)

	state, err := h.orch.Run(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocFailed {
		t.Fatalf("permanent failure must fail immediately, got %s", state)
	}
	if h.queue.count() != 0 {
		t.Fatalf("permanent failure must not re-enqueue, got %d", h.queue.count())
	}
}

func TestReprocessInvalidatesDownstream(t *testing.T) {
	h := newHarness(t, nil)
	h.classifyScanned()
	h.ocrConfidences(0.95, 0.95)
	h.fieldConfidences(0.9)
	doc := h.newDoc(t, constants.TierStandard)
	ctx := context.Background()

	state, err := h.orch.Run(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocComplete {
		t.Fatalf("setup run: got %s", state)
	}

	step := constants.StepLayout
	if _, err := h.retry.Reprocess(ctx, doc.ID, &step, "operator-1"); err != nil {
		t.Fatal(err)
	}

	wantPending := []constants.Step{constants.StepLayout, constants.StepOCR,
		constants.StepExtractTables, constants.StepExtractFields}
	for _, s := range wantPending {
		cp, err := h.cps.Get(ctx, doc.ID, s)
		if err != nil {
			t.Fatal(err)
		}
		if cp == nil || cp.Status != string(constants.CheckpointPending) {
			t.Fatalf("step %s must be pending after reprocess, got %+v", s, cp)
		}
	}
	for _, s := range []constants.Step{constants.StepClassify, constants.StepPreprocess} {
		cp, err := h.cps.Get(ctx, doc.ID, s)
		if err != nil {
			t.Fatal(err)
		}
		if cp == nil || cp.Status != string(constants.CheckpointComplete) {
			t.Fatalf("step %s must survive reprocess, got %+v", s, cp)
		}
	}
	if h.queue.count() != 1 {
		t.Fatalf("reprocess must re-enqueue once, got %d", h.queue.count())
	}

	ocrCalls := h.stubs[constants.StepOCR].count()
	if _, err := h.orch.Run(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if h.stubs[constants.StepOCR].count() != ocrCalls+1 {
		t.Fatal("ocr must re-run after layout reprocess")
	}
	if h.stubs[constants.StepClassify].count() != 1 {
		t.Fatal("classify must not re-run after layout reprocess")
	}
}

func TestReprocessRejectsInFlightDocument(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.newDoc(t, constants.TierStandard)
	ctx := context.Background()

	// queued, never run
	_, err := h.retry.Reprocess(ctx, doc.ID, nil, "operator-1")
	var ise *repository.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError for queued doc, got %v", err)
	}
}

func TestRunLeaseConflict(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.newDoc(t, constants.TierStandard)
	ctx := context.Background()

	if err := h.leases.Acquire(ctx, doc.ID, "other-worker", time.Minute); err != nil {
		t.Fatal(err)
	}

	_, err := h.orch.Run(ctx, doc.ID)
	var lc *repository.LeaseConflictError
	if !errors.As(err, &lc) {
		t.Fatalf("expected LeaseConflictError, got %v", err)
	}
	if h.stubs[constants.StepClassify].count() != 0 {
		t.Fatal("no step may run without the lease")
	}
}

func TestCancelStopsAtStepBoundary(t *testing.T) {
	h := newHarness(t, nil)
	h.classifyScanned()
	doc := h.newDoc(t, constants.TierStandard)
	ctx := context.Background()

	if err := h.orch.Cancel(ctx, doc.ID, "operator-1"); err != nil {
		t.Fatal(err)
	}

	state, err := h.orch.Run(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocFailed {
		t.Fatalf("cancelled run must project failed, got %s", state)
	}
	if h.stubs[constants.StepClassify].count() != 0 {
		t.Fatal("cancelled document must not execute any step")
	}

	cp, err := h.cps.Get(ctx, doc.ID, constants.StepClassify)
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil || cp.Status != string(constants.CheckpointFailed) {
		t.Fatalf("boundary step must record the cancellation, got %+v", cp)
	}
	if cancelled, _ := cp.DetailMap()["cancelled"].(bool); !cancelled {
		t.Fatalf("failure cause must name the cancellation, got %v", cp.DetailMap())
	}
}

func TestCancelSurvivesInFlightStepCompleting(t *testing.T) {
	h := newHarness(t, nil)
	h.classifyScanned()
	doc := h.newDoc(t, constants.TierStandard)
	ctx := context.Background()

	// The cancel lands while classify is in flight; classify then succeeds
	// before the next boundary check.
	if _, err := h.cps.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointRunning, nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Cancel(ctx, doc.ID, "operator-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.cps.Upsert(ctx, doc.ID, constants.StepClassify, constants.CheckpointComplete,
		map[string]any{"has_text_layer": false, "page_count": 2}, ""); err != nil {
		t.Fatal(err)
	}

	state, err := h.orch.Run(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocFailed {
		t.Fatalf("cancel must survive the running step completing, got %s", state)
	}
	if h.stubs[constants.StepPreprocess].count() != 0 || h.stubs[constants.StepExtractFields].count() != 0 {
		t.Fatal("cancelled run must not start the next step")
	}

	cp, err := h.cps.Get(ctx, doc.ID, constants.StepPreprocess)
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil || cp.Status != string(constants.CheckpointFailed) {
		t.Fatalf("next step must record the cancellation, got %+v", cp)
	}
}

func TestReprocessAfterFlagRerunsPipeline(t *testing.T) {
	h := newHarness(t, nil)
	h.classifyScanned()
	h.ocrConfidences(0.60)
	doc := h.newDoc(t, constants.TierLow)
	ctx := context.Background()

	state, err := h.orch.Run(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocFlagged {
		t.Fatalf("setup run: got %s", state)
	}

	// The scanner redid the document; reprocess from layout must clear the
	// review checkpoint so the rerun actually starts.
	step := constants.StepLayout
	if _, err := h.retry.Reprocess(ctx, doc.ID, &step, "operator-1"); err != nil {
		t.Fatal(err)
	}
	if cp, err := h.cps.Get(ctx, doc.ID, constants.StepReview); err != nil || cp != nil {
		t.Fatalf("review checkpoint must be removed by reprocess, got %+v (err %v)", cp, err)
	}
	if state, err = h.orch.State(ctx, doc.ID); err != nil || state == constants.DocFlagged {
		t.Fatalf("reprocessed document must not project flagged, got %s (err %v)", state, err)
	}

	h.ocrConfidences(0.95, 0.95)
	h.fieldConfidences(0.9)
	ocrCalls := h.stubs[constants.StepOCR].count()

	state, err = h.orch.Run(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != constants.DocComplete {
		t.Fatalf("rerun after reprocess must complete, got %s", state)
	}
	if h.stubs[constants.StepOCR].count() != ocrCalls+1 {
		t.Fatal("ocr must re-run after reprocess of a flagged document")
	}
}

func TestReprocessPublishesPendingTransitions(t *testing.T) {
	h := newHarness(t, nil)
	h.classifyScanned()
	h.ocrConfidences(0.95, 0.95)
	h.fieldConfidences(0.9)
	doc := h.newDoc(t, constants.TierStandard)
	ctx := context.Background()

	if state, err := h.orch.Run(ctx, doc.ID); err != nil || state != constants.DocComplete {
		t.Fatalf("setup run: state=%s err=%v", state, err)
	}

	var mu sync.Mutex
	pending := map[constants.Step]bool{}
	h.bus.Subscribe(func(ev notify.Event) {
		if ev.DocumentID == doc.ID && ev.Status == constants.CheckpointPending {
			mu.Lock()
			pending[ev.Step] = true
			mu.Unlock()
		}
	})

	step := constants.StepOCR
	if _, err := h.retry.Reprocess(ctx, doc.ID, &step, "operator-1"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range []constants.Step{constants.StepOCR, constants.StepExtractTables, constants.StepExtractFields} {
		if !pending[s] {
			t.Errorf("reset of %s must be published, got %v", s, pending)
		}
	}
}
