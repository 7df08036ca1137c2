// Package assemble builds the per-turn context bundle: user and team
// preferences plus dataset schemas. Schemas are fetched eagerly on
// every turn; raw dataset content is fetched lazily, only when a tool
// asks for it.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/insightpilot/insightpilot/internal/datasets"
	"github.com/insightpilot/insightpilot/internal/observability"
	"github.com/insightpilot/insightpilot/pkg/models"
)

// ErrContextUnavailable is returned when every selected dataset fails
// to load. Partial failures do not abort the turn; they are retained as
// an error marker on the affected dataset entry.
var ErrContextUnavailable = errors.New("context unavailable: all selected datasets failed to load")

// ErrContentUnavailable is returned when a dataset's raw content tier
// cannot be fetched.
var ErrContentUnavailable = errors.New("failed to load required dataset content")

// UserDirectory resolves the user whose preferences shape a turn.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// DatasetEntry is one dataset in a bundle. When the schema fetch failed
// the entry carries the failure reason instead of a schema.
type DatasetEntry struct {
	DatasetID string
	Schema    *models.DatasetSchema
	LoadError string
}

// Failed reports whether this dataset's schema could not be loaded.
func (e *DatasetEntry) Failed() bool { return e.LoadError != "" }

// Bundle is the eagerly assembled schema-tier context for one turn.
type Bundle struct {
	User     *models.User
	Datasets []DatasetEntry
}

// Assembler builds bundles and serves the lazy content tier.
type Assembler struct {
	catalog datasets.Catalog
	users   UserDirectory
	logger  *observability.Logger
}

// New creates an assembler over the given catalog and user directory.
func New(catalog datasets.Catalog, users UserDirectory, logger *observability.Logger) *Assembler {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Assembler{catalog: catalog, users: users, logger: logger}
}

// Assemble gathers preferences and per-dataset schemas for a turn.
// A dataset whose schema fails to load is kept in the bundle with a
// load-error marker so the loop can still reason about the rest;
// only when every dataset fails does Assemble return
// ErrContextUnavailable.
func (a *Assembler) Assemble(ctx context.Context, userID, sessionID string, datasetIDs []string) (*Bundle, error) {
	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve user %s: %w", userID, err)
	}

	bundle := &Bundle{User: user}
	failed := 0
	for _, id := range datasetIDs {
		entry := DatasetEntry{DatasetID: id}
		schema, err := a.catalog.GetSchema(ctx, id)
		if err != nil {
			failed++
			entry.LoadError = err.Error()
			a.logger.Warn(ctx, "dataset schema load failed",
				"session_id", sessionID,
				"dataset_id", id,
				"error", err)
		} else {
			entry.Schema = schema
		}
		bundle.Datasets = append(bundle.Datasets, entry)
	}

	if len(datasetIDs) > 0 && failed == len(datasetIDs) {
		return nil, ErrContextUnavailable
	}
	return bundle, nil
}

// Content fetches the raw content tier of one dataset. Called by tools,
// never during eager assembly.
func (a *Assembler) Content(ctx context.Context, datasetID string) (string, error) {
	schema, err := a.catalog.GetSchema(ctx, datasetID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrContentUnavailable, datasetID, err)
	}
	if schema.ContentPath == "" {
		return "", fmt.Errorf("%w: %s has no content", ErrContentUnavailable, datasetID)
	}
	content, err := a.catalog.GetContent(ctx, schema.ContentPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrContentUnavailable, datasetID, err)
	}
	return content, nil
}

// PromptText renders the bundle into the context section of the system
// prompt. Failed datasets are named so the model knows they were
// selected but could not be loaded.
func (b *Bundle) PromptText() string {
	var sb strings.Builder

	if b.User != nil {
		sb.WriteString("## User preferences\n")
		if b.User.Currency != "" {
			fmt.Fprintf(&sb, "- Currency: %s\n", b.User.Currency)
		}
		if b.User.Locale != "" {
			fmt.Fprintf(&sb, "- Locale: %s\n", b.User.Locale)
		}
		if b.User.BusinessContext != "" {
			fmt.Fprintf(&sb, "- Business context: %s\n", b.User.BusinessContext)
		}
		sb.WriteString("\n")
	}

	if len(b.Datasets) > 0 {
		sb.WriteString("## Selected datasets\n")
		for _, entry := range b.Datasets {
			if entry.Failed() {
				fmt.Fprintf(&sb, "### %s\nUNAVAILABLE: this dataset was selected but could not be loaded.\n\n", entry.DatasetID)
				continue
			}
			s := entry.Schema
			fmt.Fprintf(&sb, "### %s (%s)\n", s.Name, s.ID)
			if s.Description != "" {
				sb.WriteString(s.Description + "\n")
			}
			if s.RowCount > 0 {
				fmt.Fprintf(&sb, "Rows: %d\n", s.RowCount)
			}
			sb.WriteString("Columns:\n")
			for _, col := range s.Columns {
				fmt.Fprintf(&sb, "- %s (%s)", col.Name, col.Type)
				if col.Example != "" {
					fmt.Fprintf(&sb, " e.g. %s", col.Example)
				}
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
