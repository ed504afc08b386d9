// internal/model/toonify.go
// Package model defines the data structures used throughout the toonify service.
// These structures represent the core domain objects for users and image records.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ImageStatus is the processing state of an image record.
type ImageStatus string

const (
	StatusUploaded   ImageStatus = "UPLOADED"   // Original stored, pipeline not started
	StatusProcessing ImageStatus = "PROCESSING" // Transformation call in flight
	StatusCompleted  ImageStatus = "COMPLETED"  // Processed asset stored (terminal)
	StatusFailed     ImageStatus = "FAILED"     // Pipeline gave up (terminal)
)

// ErrInvalidTransition is returned when a status change would leave a terminal
// state or skip backwards along the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// Terminal reports whether no further transition is possible from s.
func (s ImageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ImageStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ImageStatus) bool {
	switch from {
	case StatusUploaded:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// User is the per-subject account row.
// This corresponds to the users table in storage.
type User struct {
	Subject      string    `json:"subject" db:"subject"`             // Identity provider subject (unique, immutable)
	Email        *string   `json:"email,omitempty" db:"email"`       // Last known email, if the provider shared one
	RefreshToken *string   `json:"-" db:"refresh_token"`             // Provider refresh token, nil once revoked
	Credits      int64     `json:"credits" db:"credits"`             // Never negative
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// Image is one ingested upload and its processing state.
// This corresponds to the images table in storage.
type Image struct {
	ID            int64       `json:"id" db:"id"`
	Subject       string      `json:"subject" db:"subject"`
	OriginalKey   string      `json:"originalKey" db:"original_key"`
	ProcessedKey  *string     `json:"processedKey,omitempty" db:"processed_key"`
	Status        ImageStatus `json:"status" db:"status"`
	Prompt        *string     `json:"prompt,omitempty" db:"prompt"`
	FailureReason *string     `json:"failureReason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time   `json:"updatedAt" db:"updated_at"`
}

// ImageUpdate describes a single status transition and the fields it sets.
type ImageUpdate struct {
	Status        ImageStatus
	ProcessedKey  *string
	FailureReason *string
	UpdatedAt     time.Time
}

// Validate checks the update against the transition from the given status.
// The processed key is set exactly when the record becomes COMPLETED.
func (u ImageUpdate) Validate(from ImageStatus) error {
	if !CanTransition(from, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, u.Status)
	}
	if u.Status == StatusCompleted && (u.ProcessedKey == nil || *u.ProcessedKey == "") {
		return fmt.Errorf("%w: completed without processed key", ErrInvalidTransition)
	}
	if u.Status != StatusCompleted && u.ProcessedKey != nil {
		return fmt.Errorf("%w: processed key only accompanies %s", ErrInvalidTransition, StatusCompleted)
	}
	return nil
}

// ExchangeRequest is the body of POST /auth/exchange.
type ExchangeRequest struct {
	AuthorizationCode string `json:"authorizationCode"`
}

// ExchangeResponse is returned after a successful first login.
type ExchangeResponse struct {
	SessionToken string  `json:"sessionToken"`
	Subject      string  `json:"subject"`
	Email        *string `json:"email,omitempty"`
}

// RefreshResponse is returned by POST /auth/refresh.
type RefreshResponse struct {
	SessionToken string `json:"sessionToken"`
}

// UploadResponse is returned by POST /images.
type UploadResponse struct {
	URL string `json:"url"`
}

// ImageView is the listing projection of an Image with storage keys
// resolved to public URLs.
type ImageView struct {
	ID                int64       `json:"id"`
	Status            ImageStatus `json:"status"`
	Prompt            *string     `json:"prompt"`
	CreatedAt         time.Time   `json:"createdAt"`
	OriginalImageURL  string      `json:"originalImageUrl"`
	ProcessedImageURL *string     `json:"processedImageUrl"`
	FailureReason     *string     `json:"failureReason,omitempty"`
}

// ImageList is returned by GET /images.
type ImageList struct {
	Images  []ImageView `json:"images"`
	Credits int64       `json:"credits"`
}
