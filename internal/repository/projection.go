package repository

import (
	"github.com/intakehub/docpipe/constants"
)

// The document lifecycle state is never stored. It is a pure projection of
// the checkpoint ledger, so "what happened" and "what we think happened"
// cannot diverge.

// PlanFromCheckpoints derives the step plan for a document. Until classify
// has completed we do not know which branch applies, so the scanned plan
// (the longer one) is assumed for projection purposes.
func PlanFromCheckpoints(cps []*Checkpoint) []constants.Step {
	for _, cp := range cps {
		if cp.Step != string(constants.StepClassify) || cp.Status != string(constants.CheckpointComplete) {
			continue
		}
		if hasLayer, ok := cp.DetailMap()["has_text_layer"].(bool); ok && hasLayer {
			return constants.NativePlan
		}
		return constants.ScannedPlan
	}
	return constants.ScannedPlan
}

// ProjectState derives the lifecycle state from the checkpoint set.
// maxAttempts is the retry cap: a FAILED checkpoint at or over the cap makes
// the document failed; under the cap it is still in-flight (retrying).
func ProjectState(cps []*Checkpoint, maxAttempts int) constants.DocState {
	if len(cps) == 0 {
		return constants.DocQueued
	}
	byStep := make(map[string]*Checkpoint, len(cps))
	for _, cp := range cps {
		byStep[cp.Step] = cp
	}

	// Permanent failure dominates everything else. A step is permanently
	// failed when it burned every attempt, or when the failure itself was
	// marked non-retryable (corrupt input does not improve with retries).
	for _, cp := range cps {
		if cp.Status != string(constants.CheckpointFailed) {
			continue
		}
		if cp.Attempts >= maxAttempts {
			return constants.DocFailed
		}
		if permanent, ok := cp.DetailMap()["permanent"].(bool); ok && permanent {
			return constants.DocFailed
		}
	}

	// An open review checkpoint means the document is parked with a human.
	if review, ok := byStep[string(constants.StepReview)]; ok {
		switch review.Status {
		case string(constants.CheckpointPending), string(constants.CheckpointRunning):
			return constants.DocFlagged
		}
	}

	// A cloud fallback in flight.
	if cloud, ok := byStep[stepCloudFallback]; ok {
		if cloud.Status == string(constants.CheckpointRunning) {
			return constants.DocCloudFallback
		}
	}

	plan := PlanFromCheckpoints(cps)
	for _, step := range plan {
		cp, ok := byStep[string(step)]
		if ok && cp.Status == string(constants.CheckpointComplete) {
			continue
		}
		return stateForStep(plan, step)
	}
	return constants.DocComplete
}

// stepCloudFallback is the ledger key for cloud escalation work. It is not a
// pipeline step: it never appears in a plan, but its checkpoint records that
// escalation ran (and for which pages), which the router consults.
const stepCloudFallback = "cloud_fallback"

// StepCloudFallback exposes the ledger key for the orchestrator and router.
func StepCloudFallback() constants.Step { return constants.Step(stepCloudFallback) }

func stateForStep(plan []constants.Step, step constants.Step) constants.DocState {
	native := constants.StepIndex(plan, constants.StepOCR) < 0
	switch step {
	case constants.StepClassify:
		return constants.DocClassifying
	case constants.StepPreprocess:
		return constants.DocPreprocessing
	case constants.StepLayout:
		return constants.DocLayout
	case constants.StepOCR:
		return constants.DocOCROrTable
	case constants.StepExtractTables:
		if native {
			return constants.DocExtractingNative
		}
		return constants.DocOCROrTable
	case constants.StepExtractFields:
		return constants.DocPostprocessing
	default:
		return constants.DocQueued
	}
}
