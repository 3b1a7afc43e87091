package constants

// Step names one pipeline stage. The stored string is stable; checkpoints
// key on it, so renaming a value is a schema migration.
type Step string

const (
	StepClassify      Step = "classify"
	StepPreprocess    Step = "preprocess"
	StepLayout        Step = "layout"
	StepOCR           Step = "ocr"
	StepExtractTables Step = "extract_tables"
	StepExtractFields Step = "extract_fields"
	// StepReview is a pseudo-step: its checkpoint records that a human
	// decision is pending (flagged) or has been made (complete).
	StepReview Step = "review"
)

// ScannedPlan is the step order for documents without a native text layer.
var ScannedPlan = []Step{
	StepClassify,
	StepPreprocess,
	StepLayout,
	StepOCR,
	StepExtractTables,
	StepExtractFields,
}

// NativePlan is the short-circuit order for documents whose PDF carries a
// usable text layer: rasterization and OCR are skipped entirely.
var NativePlan = []Step{
	StepClassify,
	StepExtractTables,
	StepExtractFields,
}

// StepIndex returns the position of step in plan, or -1.
func StepIndex(plan []Step, step Step) int {
	for i, s := range plan {
		if s == step {
			return i
		}
	}
	return -1
}
