// Package datasets is the boundary to the dataset store. Schemas are
// cheap metadata; content is the expensive tier fetched only when a
// tool asks for it.
package datasets

import (
	"context"
	"errors"

	"github.com/insightpilot/insightpilot/pkg/models"
)

// ErrDatasetNotFound indicates the dataset id is unknown.
var ErrDatasetNotFound = errors.New("dataset not found")

// ErrContentUnavailable indicates the dataset exists but its content
// object could not be fetched.
var ErrContentUnavailable = errors.New("dataset content unavailable")

// Catalog resolves dataset schemas and content.
type Catalog interface {
	// GetSchema returns the schema tier for a dataset.
	GetSchema(ctx context.Context, datasetID string) (*models.DatasetSchema, error)

	// GetContent returns the raw content object at path (CSV text as
	// uploaded). Only called lazily, when a tool references the dataset.
	GetContent(ctx context.Context, path string) (string, error)
}
