package assemble

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/insightpilot/insightpilot/internal/datasets"
	"github.com/insightpilot/insightpilot/pkg/models"
)

func newTestAssembler(t *testing.T) (*Assembler, *datasets.MemoryCatalog) {
	t.Helper()
	catalog := datasets.NewMemoryCatalog()
	users := NewMemoryUserDirectory()
	users.PutUser(&models.User{
		ID:              "user-1",
		Currency:        "EUR",
		Locale:          "de-DE",
		BusinessContext: "Mid-size retail chain",
	})
	return New(catalog, users, nil), catalog
}

func TestAssembleSchemaTier(t *testing.T) {
	assembler, catalog := newTestAssembler(t)
	catalog.AddDataset(&models.DatasetSchema{
		ID:   "sales",
		Name: "Sales",
		Columns: []models.ColumnSchema{
			{Name: "region", Type: "string"},
			{Name: "revenue", Type: "number"},
		},
		ContentPath: "content/sales.csv",
	}, "region,revenue\nEMEA,1200\n")

	bundle, err := assembler.Assemble(context.Background(), "user-1", "sess-1", []string{"sales"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if bundle.User.Currency != "EUR" {
		t.Fatalf("expected user preferences in bundle, got currency %q", bundle.User.Currency)
	}
	if len(bundle.Datasets) != 1 || bundle.Datasets[0].Failed() {
		t.Fatalf("expected one loaded dataset entry, got %+v", bundle.Datasets)
	}

	prompt := bundle.PromptText()
	for _, want := range []string{"EUR", "Sales", "region", "revenue"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt text missing %q:\n%s", want, prompt)
		}
	}
}

func TestAssemblePartialFailureRetainsMarker(t *testing.T) {
	assembler, catalog := newTestAssembler(t)
	catalog.AddDataset(&models.DatasetSchema{ID: "good", Name: "Good"}, "")

	bundle, err := assembler.Assemble(context.Background(), "user-1", "sess-1", []string{"good", "missing"})
	if err != nil {
		t.Fatalf("partial failure must not abort the turn: %v", err)
	}
	if len(bundle.Datasets) != 2 {
		t.Fatalf("expected both entries retained, got %d", len(bundle.Datasets))
	}
	if bundle.Datasets[0].Failed() {
		t.Error("loaded dataset flagged as failed")
	}
	if !bundle.Datasets[1].Failed() {
		t.Error("missing dataset not flagged as failed")
	}
	if !strings.Contains(bundle.PromptText(), "UNAVAILABLE") {
		t.Error("prompt text does not mark the failed dataset")
	}
}

func TestAssembleAllDatasetsFailed(t *testing.T) {
	assembler, _ := newTestAssembler(t)

	_, err := assembler.Assemble(context.Background(), "user-1", "sess-1", []string{"a", "b"})
	if !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable, got %v", err)
	}
}

func TestAssembleNoDatasets(t *testing.T) {
	assembler, _ := newTestAssembler(t)

	bundle, err := assembler.Assemble(context.Background(), "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("dataset-free turns are valid: %v", err)
	}
	if len(bundle.Datasets) != 0 {
		t.Fatalf("expected empty dataset list, got %d", len(bundle.Datasets))
	}
}

func TestContentLazyTier(t *testing.T) {
	assembler, catalog := newTestAssembler(t)
	catalog.AddDataset(&models.DatasetSchema{
		ID:          "sales",
		Name:        "Sales",
		ContentPath: "content/sales.csv",
	}, "region,revenue\nEMEA,1200\n")

	content, err := assembler.Content(context.Background(), "sales")
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if !strings.Contains(content, "EMEA") {
		t.Fatalf("unexpected content %q", content)
	}

	if _, err := assembler.Content(context.Background(), "missing"); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("expected ErrContentUnavailable, got %v", err)
	}
}
