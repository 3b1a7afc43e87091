package constants

// CheckpointStatus is the canonical status for rows in checkpoints.
type CheckpointStatus string

// Stable values (store these exact strings in DB).
const (
	CheckpointPending  CheckpointStatus = "PENDING"  // created or reset, not yet started
	CheckpointRunning  CheckpointStatus = "RUNNING"  // in progress
	CheckpointComplete CheckpointStatus = "COMPLETE" // produced a usable result
	CheckpointFailed   CheckpointStatus = "FAILED"   // last attempt failed
)

// DocState is a document's lifecycle state. It is never stored: it is
// projected from the checkpoint ledger (see repository.ProjectState).
type DocState string

const (
	DocQueued           DocState = "queued"
	DocClassifying      DocState = "classifying"
	DocExtractingNative DocState = "extracting_native"
	DocPreprocessing    DocState = "preprocessing"
	DocLayout           DocState = "layout"
	DocOCROrTable       DocState = "ocr_or_table"
	DocPostprocessing   DocState = "postprocessing"
	DocCloudFallback    DocState = "cloud_fallback"
	DocFlagged          DocState = "flagged"
	DocComplete         DocState = "complete"
	DocFailed           DocState = "failed"
)

// Terminal reports whether no further orchestration is possible for s.
func (s DocState) Terminal() bool {
	return s == DocComplete || s == DocFailed
}

// ValueTier classifies a document's worth, fixed at creation. It decides
// whether a paid cloud call is justified when OCR confidence is low.
type ValueTier string

const (
	TierLow      ValueTier = "low"
	TierStandard ValueTier = "standard"
	TierHigh     ValueTier = "high"
)

// ValueTiers holds the allowed tier values for the documents table.
var ValueTiers = []string{string(TierLow), string(TierStandard), string(TierHigh)}

// ReviewDecision is a human reviewer's verdict on a flagged document.
type ReviewDecision string

const (
	DecisionApprove           ReviewDecision = "approve"
	DecisionApproveConditions ReviewDecision = "approve_with_conditions"
	DecisionReject            ReviewDecision = "reject"
	DecisionRequestMoreDocs   ReviewDecision = "request_more_docs"
)

// ReviewDecisions holds the allowed decision values.
var ReviewDecisions = []string{
	string(DecisionApprove),
	string(DecisionApproveConditions),
	string(DecisionReject),
	string(DecisionRequestMoreDocs),
}

// Terminal reports whether the decision ends the review loop. A terminal
// decision moves the document to complete; request_more_docs keeps it flagged.
func (d ReviewDecision) Terminal() bool {
	return d == DecisionApprove || d == DecisionApproveConditions || d == DecisionReject
}
