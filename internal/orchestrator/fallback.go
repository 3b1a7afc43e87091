package orchestrator

import (
	"context"
	"fmt"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/repository"
)

// cloudFallback submits the document's weak pages to the configured cloud
// adapter and merges the returned text and confidence into the page rows.
// The work is recorded under its own ledger key so escalation happens at
// most once per document.
func (o *Orchestrator) cloudFallback(ctx context.Context, doc *repository.Document, pages []int) error {
	step := repository.StepCloudFallback()
	if o.Cloud == nil {
		return fmt.Errorf("no cloud adapter configured")
	}

	if _, err := o.Checkpoints.Upsert(ctx, doc.ID, step, constants.CheckpointRunning,
		map[string]any{"pages": pages}, ""); err != nil {
		return err
	}
	o.Bus.Publish(doc.ID, step, constants.CheckpointRunning)

	result, err := o.Cloud.Analyze(ctx, doc.ContentRef, pages)
	if err != nil {
		if _, uerr := o.Checkpoints.Upsert(ctx, doc.ID, step, constants.CheckpointFailed, nil, err.Error()); uerr != nil {
			return uerr
		}
		o.Bus.Publish(doc.ID, step, constants.CheckpointFailed)
		o.Logger.Error("cloud fallback failed",
			"doc_id", doc.ID, "provider", o.Cloud.Provider(), "error", err)
		return err
	}

	existing, err := o.Pages.ListForDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	byNo := make(map[int]*repository.Page, len(existing))
	for _, p := range existing {
		byNo[p.PageNo] = p
	}
	for _, pr := range result.Pages {
		page, ok := byNo[pr.PageNo]
		if !ok {
			page = &repository.Page{DocumentID: doc.ID, PageNo: pr.PageNo}
		}
		text := pr.Text
		conf := pr.Confidence
		page.OCRText = &text
		page.OCRConfidence = &conf
		if err := o.Pages.Upsert(ctx, page); err != nil {
			return err
		}
	}

	if _, err := o.Checkpoints.Upsert(ctx, doc.ID, step, constants.CheckpointComplete,
		map[string]any{
			"provider": result.Provider,
			"pages":    pages,
			"returned": len(result.Pages),
		}, ""); err != nil {
		return err
	}
	o.Bus.Publish(doc.ID, step, constants.CheckpointComplete)

	return o.Audit.Append(ctx, doc.ID, "cloud.fallback", "system", map[string]any{
		"provider": result.Provider,
		"pages":    pages,
	})
}
