package executor

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/internal/repository"
)

type fakeFieldRepo struct {
	upserts []*repository.Field
}

func (f *fakeFieldRepo) Upsert(_ context.Context, fld *repository.Field) error {
	f.upserts = append(f.upserts, fld)
	return nil
}
func (f *fakeFieldRepo) ListForDocument(context.Context, uuid.UUID) ([]*repository.Field, error) {
	return f.upserts, nil
}
func (f *fakeFieldRepo) Correct(context.Context, uuid.UUID, string, string) (int64, error) {
	return 0, nil
}
func (f *fakeFieldRepo) DeleteForDocument(context.Context, uuid.UUID) error {
	f.upserts = nil
	return nil
}

func nativePage(no int, text string) *repository.Page {
	return &repository.Page{PageNo: no, NativeText: &text, HasTextLayer: true}
}

func extractFrom(t *testing.T, pages ...*repository.Page) (map[string]map[string]bool, ExecResult) {
	t.Helper()
	repo := &fakeFieldRepo{}
	f, err := NewFields(repo, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.Execute(context.Background(), ExecInput{
		Doc:   &repository.Document{ID: uuid.New()},
		Pages: pages,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]map[string]bool{}
	for _, fld := range repo.upserts {
		if got[fld.FieldName] == nil {
			got[fld.FieldName] = map[string]bool{}
		}
		got[fld.FieldName][*fld.FieldValue] = true
	}
	return got, res
}

func TestFieldsExtractsKnownPatterns(t *testing.T) {
	got, res := extractFrom(t, nativePage(1,
		"Net pay $1,250.00 issued 03/15/2024\n"+
			"SSN 123-45-6789 phone (555) 123-4567\n"+
			"email jane.doe@example.com zip 94110"))

	want := map[string]string{
		"income": "1,250.00",
		"date":   "2024-03-15",
		"ssn":    "123-45-6789",
		"phone":  "(555) 123-4567",
		"email":  "jane.doe@example.com",
	}
	for name, value := range want {
		if !got[name][value] {
			t.Errorf("%s: %q not extracted (got %v)", name, value, got[name])
		}
	}
	if len(res.Confidences) != len(res.ItemPages) {
		t.Fatalf("confidences and item pages must align: %d vs %d",
			len(res.Confidences), len(res.ItemPages))
	}
}

func TestFieldsDateNormalization(t *testing.T) {
	got, _ := extractFrom(t, nativePage(1, "pay period ended 1/5/24"))
	if !got["date"]["2024-01-05"] {
		t.Fatalf("date: got %v", got["date"])
	}
}

func TestFieldsDedupeKeepsHighestConfidence(t *testing.T) {
	conf := 0.5
	ocrPage := &repository.Page{PageNo: 2, OCRConfidence: &conf}
	text := "contact jane.doe@example.com"
	ocrPage.OCRText = &text

	repo := &fakeFieldRepo{}
	f, err := NewFields(repo, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Execute(context.Background(), ExecInput{
		Doc:   &repository.Document{ID: uuid.New()},
		Pages: []*repository.Page{ocrPage, nativePage(1, "contact jane.doe@example.com")},
	})
	if err != nil {
		t.Fatal(err)
	}

	var emails []*repository.Field
	for _, fld := range repo.upserts {
		if fld.FieldName == "email" {
			emails = append(emails, fld)
		}
	}
	if len(emails) != 1 {
		t.Fatalf("duplicate value must persist once, got %d", len(emails))
	}
	// The native page wins: 0.9 beats 0.9*0.5.
	if *emails[0].Confidence != 0.9 || *emails[0].PageNo != 1 {
		t.Fatalf("dedupe must keep the stronger match: %+v", emails[0])
	}
}

func TestFieldsOCRConfidenceScalesScore(t *testing.T) {
	conf := 0.5
	text := "zip 94110"
	page := &repository.Page{PageNo: 1, OCRText: &text, OCRConfidence: &conf}

	repo := &fakeFieldRepo{}
	f, err := NewFields(repo, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Execute(context.Background(), ExecInput{
		Doc:   &repository.Document{ID: uuid.New()},
		Pages: []*repository.Page{page},
	}); err != nil {
		t.Fatal(err)
	}
	for _, fld := range repo.upserts {
		if fld.FieldName == "zip_code" {
			if *fld.Confidence != 0.45 {
				t.Fatalf("zip confidence: got %v, want 0.45", *fld.Confidence)
			}
			return
		}
	}
	t.Fatal("zip_code not extracted")
}

func TestFieldsEmptyPagesYieldNoConfidences(t *testing.T) {
	_, res := extractFrom(t)
	if len(res.Confidences) != 0 {
		t.Fatalf("no pages must mean no confidence signal, got %v", res.Confidences)
	}
}

func TestFieldsRerunReplacesPriorExtraction(t *testing.T) {
	repo := &fakeFieldRepo{}
	f, err := NewFields(repo, nil)
	if err != nil {
		t.Fatal(err)
	}
	doc := &repository.Document{ID: uuid.New()}
	ctx := context.Background()

	run := func(text string) {
		t.Helper()
		if _, err := f.Execute(ctx, ExecInput{Doc: doc, Pages: []*repository.Page{nativePage(1, text)}}); err != nil {
			t.Fatal(err)
		}
	}

	run("Contact jane@first.example.com")
	run("Contact jane@second.example.com")

	values := map[string]bool{}
	for _, fld := range repo.upserts {
		if fld.FieldName == "email" {
			values[*fld.FieldValue] = true
		}
	}
	if !values["jane@second.example.com"] {
		t.Fatalf("fresh value missing: %v", values)
	}
	if values["jane@first.example.com"] {
		t.Fatalf("stale value must be replaced on re-extraction: %v", values)
	}
}
