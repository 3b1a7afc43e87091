package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/repository"
)

// fieldPattern is one named extraction rule. Anchored patterns (email, ssn)
// carry a higher base confidence than loose numeric ones.
type fieldPattern struct {
	name string
	re   *regexp.Regexp
	conf float64
}

var fieldPatterns = []fieldPattern{
	{"income", regexp.MustCompile(`\$?\d{1,3}(?:,\d{3})*(?:\.\d+)?`), 0.70},
	{"date", regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`), 0.90},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), 0.90},
	{"phone", regexp.MustCompile(`\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), 0.90},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), 0.90},
	{"bank_account", regexp.MustCompile(`\b\d{8,17}\b`), 0.70},
	{"zip_code", regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`), 0.90},
}

// Fields runs the regex extractors over every page's text, normalizes and
// dedupes the matches, validates the result set against the field schema and
// persists it.
type Fields struct {
	Repo   repository.FieldRepository
	Logger *slog.Logger

	schema *jsonschema.Schema
}

func NewFields(repo repository.FieldRepository, logger *slog.Logger) (*Fields, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileFieldSchema()
	if err != nil {
		return nil, err
	}
	return &Fields{Repo: repo, Logger: logger, schema: schema}, nil
}

func (f *Fields) Name() constants.Step { return constants.StepExtractFields }

const fieldSource = "regex"

type extractedField struct {
	Name       string  `json:"field_name"`
	Value      string  `json:"field_value"`
	Confidence float64 `json:"confidence"`
	PageNo     int     `json:"page_no"`
}

func (f *Fields) Execute(ctx context.Context, in ExecInput) (ExecResult, error) {
	// A re-run (escalation, reprocess) replaces the document's field set
	// wholesale; keeping rows from an earlier pass would let stale values
	// sit next to fresh ones.
	if err := f.Repo.DeleteForDocument(ctx, in.Doc.ID); err != nil {
		return ExecResult{}, NewExecError(f.Name(), err, true)
	}

	byKey := map[string]extractedField{}
	for _, page := range in.Pages {
		text := page.Text()
		if text == "" {
			continue
		}
		pageFactor := 1.0
		if !page.HasTextLayer && page.OCRConfidence != nil {
			pageFactor = *page.OCRConfidence
		}
		for _, fp := range fieldPatterns {
			for _, match := range fp.re.FindAllString(text, -1) {
				value := normalizeValue(fp.name, match)
				if value == "" {
					continue
				}
				ef := extractedField{
					Name:       fp.name,
					Value:      value,
					Confidence: fp.conf * pageFactor,
					PageNo:     page.PageNo,
				}
				key := ef.Name + "\x00" + ef.Value
				if prev, ok := byKey[key]; !ok || ef.Confidence > prev.Confidence {
					byKey[key] = ef
				}
			}
		}
	}

	fields := make([]extractedField, 0, len(byKey))
	for _, ef := range byKey {
		fields = append(fields, ef)
	}

	if err := f.validate(fields); err != nil {
		return ExecResult{}, NewExecError(f.Name(), err, false)
	}

	confidences := make([]float64, 0, len(fields))
	itemPages := make([]int, 0, len(fields))
	for i := range fields {
		ef := fields[i]
		source := fieldSource
		if err := f.Repo.Upsert(ctx, &repository.Field{
			DocumentID: in.Doc.ID,
			FieldName:  ef.Name,
			FieldValue: &ef.Value,
			Confidence: &ef.Confidence,
			PageNo:     &ef.PageNo,
			Source:     &source,
		}); err != nil {
			return ExecResult{}, NewExecError(f.Name(), err, true)
		}
		confidences = append(confidences, ef.Confidence)
		itemPages = append(itemPages, ef.PageNo)
	}

	f.Logger.Info("fields.done", "doc_id", in.Doc.ID, "fields", len(fields))
	return ExecResult{
		Detail:      map[string]any{"fields": len(fields)},
		Confidences: confidences,
		ItemPages:   itemPages,
	}, nil
}

func (f *Fields) validate(fields []extractedField) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal fields: %w", err)
	}
	if err := f.schema.Validate(v); err != nil {
		return fmt.Errorf("fields do not match schema: %w", err)
	}
	return nil
}

const fieldSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["field_name", "field_value", "confidence", "page_no"],
		"properties": {
			"field_name": {
				"type": "string",
				"enum": ["income", "date", "ssn", "phone", "email", "bank_account", "zip_code"]
			},
			"field_value": {"type": "string", "minLength": 1},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"page_no": {"type": "integer", "minimum": 1}
		}
	}
}`

func compileFieldSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fields.json", bytes.NewReader([]byte(fieldSchemaJSON))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("fields.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

var dateLayouts = []string{"1/2/2006", "1-2-2006", "1/2/06", "1-2-06"}

func normalizeValue(name, raw string) string {
	raw = strings.TrimSpace(raw)
	switch name {
	case "date":
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.Format("2006-01-02")
			}
		}
		return raw
	case "income":
		return strings.TrimPrefix(raw, "$")
	default:
		return raw
	}
}
