package models

import "time"

// DatasetSchema is the cheap, eagerly assembled tier of dataset context.
type DatasetSchema struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Columns     []ColumnSchema `json:"columns"`
	RowCount    int64          `json:"row_count,omitempty"`
	ContentPath string         `json:"content_path,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ColumnSchema describes one column of a dataset.
type ColumnSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, number, boolean, date
	Nullable bool   `json:"nullable,omitempty"`
	Example  string `json:"example,omitempty"`
}
