// Package repository manages registered source repositories.
package repository

import "time"

// Repository is a user-registered source checkout.
type Repository struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Description  *string   `json:"description,omitempty"`
	SetupCommand *string   `json:"setupCommand,omitempty"`
	RemoteURL    string    `json:"remoteUrl,omitempty"` // attached at read time, not stored
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UpdateRequest is a partial update. Nil fields are untouched; empty strings
// clear nullable fields.
type UpdateRequest struct {
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	SetupCommand *string `json:"setupCommand"`
}
