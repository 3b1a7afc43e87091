// runpipeline pushes a single local PDF through the pipeline end to end
// against a sqlite database, then prints the resulting ledger. Useful for
// smoke-testing executors without the daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/common"
	"github.com/intakehub/docpipe/internal/executor"
	"github.com/intakehub/docpipe/internal/notify"
	"github.com/intakehub/docpipe/internal/orchestrator"
	"github.com/intakehub/docpipe/internal/repository"
	"github.com/intakehub/docpipe/internal/retry"
	"github.com/intakehub/docpipe/internal/router"
	"github.com/intakehub/docpipe/internal/storage"
)

func main() {
	var (
		pdfPath = flag.String("pdf", "", "path to the PDF to process (required)")
		tier    = flag.String("tier", string(constants.TierStandard), "value tier: low|standard|high")
		workDir = flag.String("workdir", "", "working directory (default: temp dir)")
	)
	flag.Parse()
	if *pdfPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	dir := *workDir
	if dir == "" {
		var err error
		if dir, err = os.MkdirTemp("", "docpipe-*"); err != nil {
			log.Fatalf("workdir: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db, err := repository.Open(ctx, common.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(dir, "docpipe.db"),
	}, logger)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close(logger)
	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	store := storage.New("file://"+filepath.Join(dir, "blobs"), logger)

	docs := repository.NewDocumentRepository(db, logger)
	pages := repository.NewPageRepository(db, logger)
	fields := repository.NewFieldRepository(db, logger)
	tables := repository.NewTableRepository(db, logger)
	checkpoints := repository.NewCheckpointRepository(db, logger)
	leases := repository.NewLeaseRepository(db, logger)
	audit := repository.NewAuditRepository(db, logger)
	tasks := repository.NewReprocessTaskRepository(db, logger)

	cfg := common.LoadConfig()
	fieldsExec, err := executor.NewFields(fields, logger)
	if err != nil {
		log.Fatalf("field schema: %v", err)
	}

	bus := notify.NewBus(logger)
	orch := &orchestrator.Orchestrator{
		Docs:        docs,
		Pages:       pages,
		Fields:      fields,
		Checkpoints: checkpoints,
		Leases:      leases,
		Audit:       audit,
		Store:       store,
		Execs: map[constants.Step]executor.Executor{
			constants.StepClassify: executor.NewClassify(store, pages, cfg.Pipeline.TextLayerChars, logger),
			constants.StepPreprocess: executor.NewPreprocess(store, pages, executor.ExecRunner{},
				cfg.Pipeline.Pdftoppm, cfg.Pipeline.DPI, cfg.Pipeline.MaxPages, logger),
			constants.StepLayout: executor.NewLayout(store, nil, logger),
			constants.StepOCR: executor.NewOCR(store, pages,
				&executor.TesseractOCR{Languages: common.SplitList(cfg.Pipeline.OCRLanguages)},
				cfg.Pipeline.PageParallelism, logger),
			constants.StepExtractTables: executor.NewTables(tables, logger),
			constants.StepExtractFields: fieldsExec,
		},
		OCRRouter:   router.New(router.PolicyFromConfig(cfg.Router), logger),
		FieldRouter: router.New(router.FieldPolicyFromConfig(cfg.Router), logger),
		Bus:         bus,
		Logger:      logger,
		Owner:       "runpipeline",
		LeaseTTL:    10 * time.Minute,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}
	orch.Retry = retry.NewManager(retry.DefaultPolicy(), checkpoints, docs, fields, tables,
		tasks, audit, noQueue{}, bus, logger)

	data, err := os.ReadFile(*pdfPath)
	if err != nil {
		log.Fatalf("read pdf: %v", err)
	}
	doc := &repository.Document{
		ID:        uuid.New(),
		Filename:  filepath.Base(*pdfPath),
		ValueTier: *tier,
	}
	doc.ContentRef = store.Ref(doc.ID.String(), "original.pdf")
	if err := store.Upload(ctx, doc.ContentRef, data); err != nil {
		log.Fatalf("upload: %v", err)
	}
	if err := docs.Create(ctx, doc); err != nil {
		log.Fatalf("create document: %v", err)
	}

	state, err := orch.Run(ctx, doc.ID)
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	cps, err := checkpoints.ListForDocument(ctx, doc.ID)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	out := map[string]any{"document_id": doc.ID, "state": state, "checkpoints": cps}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode: %v", err)
	}
	fmt.Fprintf(os.Stderr, "artifacts in %s\n", dir)
}

// noQueue satisfies the retry manager in one-shot mode; nothing re-enqueues.
type noQueue struct{}

func (noQueue) Enqueue(ctx context.Context, documentID uuid.UUID, delay time.Duration) error {
	slog.Warn("retry requested in one-shot mode; re-run manually", "doc_id", documentID, "delay", delay)
	return nil
}
