package datasets

import (
	"context"
	"sync"

	"github.com/insightpilot/insightpilot/pkg/models"
)

// MemoryCatalog is an in-memory Catalog for tests and local runs.
type MemoryCatalog struct {
	mu      sync.RWMutex
	schemas map[string]*models.DatasetSchema
	content map[string]string
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		schemas: map[string]*models.DatasetSchema{},
		content: map[string]string{},
	}
}

// AddDataset registers a schema and its content under the schema's
// ContentPath.
func (c *MemoryCatalog) AddDataset(schema *models.DatasetSchema, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[schema.ID] = schema
	if schema.ContentPath != "" {
		c.content[schema.ContentPath] = content
	}
}

func (c *MemoryCatalog) GetSchema(ctx context.Context, datasetID string) (*models.DatasetSchema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	schema, ok := c.schemas[datasetID]
	if !ok {
		return nil, ErrDatasetNotFound
	}
	clone := *schema
	return &clone, nil
}

func (c *MemoryCatalog) GetContent(ctx context.Context, path string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	content, ok := c.content[path]
	if !ok {
		return "", ErrContentUnavailable
	}
	return content, nil
}
