// docpiped is the extraction pipeline daemon: HTTP intake and admin API in
// front of an in-process worker pool driving the checkpoint state machine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/viant/afsc/gs"
	_ "github.com/viant/afsc/s3"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/async"
	"github.com/intakehub/docpipe/internal/cloud"
	"github.com/intakehub/docpipe/internal/common"
	"github.com/intakehub/docpipe/internal/executor"
	"github.com/intakehub/docpipe/internal/export"
	"github.com/intakehub/docpipe/internal/notify"
	"github.com/intakehub/docpipe/internal/orchestrator"
	"github.com/intakehub/docpipe/internal/repository"
	"github.com/intakehub/docpipe/internal/retry"
	"github.com/intakehub/docpipe/internal/router"
	"github.com/intakehub/docpipe/internal/server"
	"github.com/intakehub/docpipe/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.ApplyPolicyFile(); err != nil {
		logger.Error("router policy load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close(logger)
	if err := repository.Migrate(ctx, db); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	if err := db.HealthCheck(ctx, 5*time.Second, logger); err != nil {
		logger.Error("database health check failed", "error", err)
		os.Exit(1)
	}

	store := storage.New(cfg.Storage.BaseURL, logger)

	docs := repository.NewDocumentRepository(db, logger)
	pages := repository.NewPageRepository(db, logger)
	fields := repository.NewFieldRepository(db, logger)
	tables := repository.NewTableRepository(db, logger)
	checkpoints := repository.NewCheckpointRepository(db, logger)
	leases := repository.NewLeaseRepository(db, logger)
	audit := repository.NewAuditRepository(db, logger)
	tasks := repository.NewReprocessTaskRepository(db, logger)

	fieldsExec, err := executor.NewFields(fields, logger)
	if err != nil {
		logger.Error("field schema compile failed", "error", err)
		os.Exit(1)
	}
	execs := map[constants.Step]executor.Executor{
		constants.StepClassify: executor.NewClassify(store, pages, cfg.Pipeline.TextLayerChars, logger),
		constants.StepPreprocess: executor.NewPreprocess(store, pages, executor.ExecRunner{},
			cfg.Pipeline.Pdftoppm, cfg.Pipeline.DPI, cfg.Pipeline.MaxPages, logger),
		constants.StepLayout: executor.NewLayout(store, nil, logger),
		constants.StepOCR: executor.NewOCR(store, pages,
			&executor.TesseractOCR{Languages: common.SplitList(cfg.Pipeline.OCRLanguages)},
			cfg.Pipeline.PageParallelism, logger),
		constants.StepExtractTables: executor.NewTables(tables, logger),
		constants.StepExtractFields: fieldsExec,
	}

	bus := notify.NewBus(logger)

	var adapter cloud.Adapter
	if cfg.Cloud.Endpoint != "" {
		var inner cloud.Adapter
		switch cfg.Cloud.Provider {
		case "docai":
			inner = cloud.NewDocAIAdapter(cfg.Cloud.Endpoint, cfg.Cloud.APIKey, cfg.Cloud.RequestTimeout, logger)
		default:
			inner = cloud.NewTextractAdapter(cfg.Cloud.Endpoint, cfg.Cloud.APIKey, cfg.Cloud.RequestTimeout, logger)
		}
		adapter = cloud.Throttle(inner, cfg.Cloud.RatePerSecond, cfg.Cloud.Burst, logger)
		logger.Info("cloud adapter configured", "provider", inner.Provider())
	} else {
		logger.Warn("no cloud adapter configured; escalations will flag for review")
	}

	hostname, _ := os.Hostname()
	owner := hostname + "/" + os.Getenv("POD_NAME")

	orch := &orchestrator.Orchestrator{
		Docs:        docs,
		Pages:       pages,
		Fields:      fields,
		Checkpoints: checkpoints,
		Leases:      leases,
		Audit:       audit,
		Store:       store,
		Execs:       execs,
		OCRRouter:   router.New(router.PolicyFromConfig(cfg.Router), logger),
		FieldRouter: router.New(router.FieldPolicyFromConfig(cfg.Router), logger),
		Cloud:       adapter,
		Bus:         bus,
		Logger:      logger,
		Owner:       owner,
		LeaseTTL:    cfg.Workers.LeaseTTL,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}

	queue := async.NewDocumentQueue(orch, logger,
		async.WithWorkers(cfg.Workers.Count),
		async.WithQueueSize(cfg.Workers.QueueSize),
		async.WithTaskTimeout(cfg.Workers.TaskTimeout))

	retryMgr := retry.NewManager(retry.Policy{
		Base:        cfg.Retry.BackoffBase,
		Factor:      cfg.Retry.BackoffFactor,
		Cap:         cfg.Retry.BackoffCap,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, checkpoints, docs, fields, tables, tasks, audit, queue, bus, logger)
	orch.Retry = retryMgr

	exporter := export.NewService(docs, fields, orch, logger)

	srv := &server.Server{
		Docs:        docs,
		Checkpoints: checkpoints,
		Fields:      fields,
		Tables:      tables,
		Audit:       audit,
		Store:       store,
		Orch:        orch,
		Retry:       retryMgr,
		Queue:       queue,
		Export:      exporter,
		DB:          db,
		Logger:      logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http serving", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	queue.Shutdown(shutdownCtx)
	logger.Info("stopped.")
}
