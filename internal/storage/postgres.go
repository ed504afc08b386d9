// internal/storage/postgres.go
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/toonify/toonify-api/internal/model"
	"github.com/toonify/toonify-api/internal/storage/migrations"
)

// postgres provides persistent storage for users and image records.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

const imageColumns = `id, subject, original_key, processed_key, status, prompt, failure_reason, created_at, updated_at`

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and applies pending migrations.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &postgres{db: pool}, nil
}

// migrate runs the embedded goose migrations over a database/sql view of the pool.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) GetUser(ctx context.Context, subject string) (*model.User, error) {
	query := `SELECT subject, email, refresh_token, credits, created_at, updated_at FROM users WHERE subject = $1`
	var u model.User
	err := p.db.QueryRow(ctx, query, subject).Scan(&u.Subject, &u.Email, &u.RefreshToken, &u.Credits, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (p *postgres) UpsertUser(ctx context.Context, subject string, email *string, refreshToken string) (*model.User, error) {
	query := `
		INSERT INTO users (subject, email, refresh_token, credits, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
		ON CONFLICT (subject) DO UPDATE SET
			email = COALESCE(EXCLUDED.email, users.email),
			refresh_token = EXCLUDED.refresh_token,
			updated_at = NOW()
		RETURNING subject, email, refresh_token, credits, created_at, updated_at`
	var u model.User
	err := p.db.QueryRow(ctx, query, subject, email, refreshToken).Scan(&u.Subject, &u.Email, &u.RefreshToken, &u.Credits, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &u, nil
}

func (p *postgres) SetRefreshToken(ctx context.Context, subject string, refreshToken *string) error {
	tag, err := p.db.Exec(ctx, `UPDATE users SET refresh_token = $2, updated_at = NOW() WHERE subject = $1`, subject, refreshToken)
	if err != nil {
		return fmt.Errorf("failed to set refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) ConsumeCredit(ctx context.Context, subject string) error {
	tag, err := p.db.Exec(ctx, `UPDATE users SET credits = credits - 1, updated_at = NOW() WHERE subject = $1 AND credits > 0`, subject)
	if err != nil {
		return fmt.Errorf("failed to consume credit: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := p.GetUser(ctx, subject); err != nil {
		return err
	}
	return ErrInsufficientCredits
}

func (p *postgres) AddCredits(ctx context.Context, subject string, n int64) error {
	tag, err := p.db.Exec(ctx, `UPDATE users SET credits = GREATEST(credits + $2, 0), updated_at = NOW() WHERE subject = $1`, subject, n)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) CreateImage(ctx context.Context, img model.Image) (*model.Image, error) {
	createdAt := img.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `
		INSERT INTO images (subject, original_key, processed_key, status, prompt, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING ` + imageColumns
	row := p.db.QueryRow(ctx, query, img.Subject, img.OriginalKey, img.ProcessedKey, img.Status, img.Prompt, img.FailureReason, createdAt)
	out, err := scanImage(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	return out, nil
}

func (p *postgres) GetImage(ctx context.Context, id int64) (*model.Image, error) {
	out, err := scanImage(p.db.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return out, nil
}

func (p *postgres) ListImages(ctx context.Context, subject string) ([]model.Image, error) {
	rows, err := p.db.Query(ctx, `SELECT `+imageColumns+` FROM images WHERE subject = $1 ORDER BY created_at DESC, id DESC`, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return collectImages(rows)
}

func (p *postgres) TransitionImage(ctx context.Context, id int64, from model.ImageStatus, upd model.ImageUpdate) (*model.Image, error) {
	if err := upd.Validate(from); err != nil {
		return nil, err
	}
	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		UPDATE images SET status = $3, processed_key = $4, failure_reason = $5, updated_at = $6
		WHERE id = $1 AND status = $2
		RETURNING ` + imageColumns
	out, err := scanImage(p.db.QueryRow(ctx, query, id, from, upd.Status, upd.ProcessedKey, upd.FailureReason, updatedAt))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition image: %w", err)
	}
	// No row matched: either the record is gone or it already left from.
	if _, getErr := p.GetImage(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrConflict
}

func (p *postgres) ListStaleImages(ctx context.Context, status model.ImageStatus, before time.Time) ([]model.Image, error) {
	rows, err := p.db.Query(ctx, `SELECT `+imageColumns+` FROM images WHERE status = $1 AND updated_at < $2 ORDER BY id`, status, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale images: %w", err)
	}
	return collectImages(rows)
}

func scanImage(row pgx.Row) (*model.Image, error) {
	var img model.Image
	err := row.Scan(&img.ID, &img.Subject, &img.OriginalKey, &img.ProcessedKey, &img.Status, &img.Prompt, &img.FailureReason, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func collectImages(rows pgx.Rows) ([]model.Image, error) {
	defer rows.Close()
	out := []model.Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		out = append(out, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate images: %w", err)
	}
	return out, nil
}
