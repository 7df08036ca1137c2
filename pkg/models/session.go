package models

import "time"

// ChatSession is a conversation thread. The dataset set is chosen on
// the first message and locked once any turn has completed; analyzing
// different datasets requires a new session.
type ChatSession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	TeamID     string    `json:"team_id,omitempty"`
	Title      string    `json:"title"`
	DatasetIDs []string  `json:"dataset_ids"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// User holds the per-user settings the context assembler folds into a turn.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name,omitempty"`
	TeamID          string    `json:"team_id,omitempty"`
	Currency        string    `json:"currency,omitempty"`
	Locale          string    `json:"locale,omitempty"`
	BusinessContext string    `json:"business_context,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
