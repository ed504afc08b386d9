// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/toonify/toonify-api/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound            = errors.New("not found")            // Returned when a row is not found
	ErrConflict            = errors.New("conflict")             // Returned when a conditional update lost the race
	ErrInsufficientCredits = errors.New("insufficient credits") // Returned when a credit decrement would go negative
)

// UserStore holds one row per identity provider subject.
type UserStore interface {
	GetUser(ctx context.Context, subject string) (*model.User, error)
	// UpsertUser inserts a user with zero credits, or overwrites the refresh
	// token of an existing one. A nil email leaves the stored email untouched.
	UpsertUser(ctx context.Context, subject string, email *string, refreshToken string) (*model.User, error)
	// SetRefreshToken replaces the stored token; nil clears it.
	SetRefreshToken(ctx context.Context, subject string, refreshToken *string) error
	// ConsumeCredit decrements the balance by one, never below zero.
	ConsumeCredit(ctx context.Context, subject string) error
	// AddCredits increments the balance; used by purchase crediting.
	AddCredits(ctx context.Context, subject string, n int64) error
}

// ImageStore holds the per-upload processing records.
type ImageStore interface {
	// CreateImage persists img and returns it with its assigned ID.
	CreateImage(ctx context.Context, img model.Image) (*model.Image, error)
	GetImage(ctx context.Context, id int64) (*model.Image, error)
	// ListImages returns a subject's records newest first.
	ListImages(ctx context.Context, subject string) ([]model.Image, error)
	// TransitionImage applies upd only while the record is still in status from.
	// It returns ErrConflict when the record has moved on, ErrNotFound when absent.
	TransitionImage(ctx context.Context, id int64, from model.ImageStatus, upd model.ImageUpdate) (*model.Image, error)
	// ListStaleImages returns records in status last updated before the cutoff.
	ListStaleImages(ctx context.Context, status model.ImageStatus, before time.Time) ([]model.Image, error)
}

// Store interface defines the storage operations required by the toonify service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	UserStore
	ImageStore
	Ping(ctx context.Context) error
	Close()
}
