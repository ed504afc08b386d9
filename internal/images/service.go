// Package images implements upload ingestion and the per-user listing.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/toonify/toonify-api/internal/media"
	"github.com/toonify/toonify-api/internal/model"
	"github.com/toonify/toonify-api/internal/storage"
)

// ErrUploadRejected covers bad content types and empty or oversize bodies.
var ErrUploadRejected = errors.New("upload rejected")

const maxPromptLen = 1000

var tracer = otel.Tracer("github.com/toonify/toonify-api/internal/images")

// Runner drives a freshly inserted record to a terminal state.
type Runner interface {
	Run(ctx context.Context, img model.Image) model.ImageStatus
}

// Options wires a Service.
type Options struct {
	Users          storage.UserStore
	Images         storage.ImageStore
	Assets         media.Store
	Pipeline       Runner
	Logger         *slog.Logger
	MaxUploadSize  int64
	AllowedTypes   []string // Empty allows any image/* type
	RequireCredits bool
}

// Service ingests uploads and lists a user's records.
type Service struct {
	users          storage.UserStore
	images         storage.ImageStore
	assets         media.Store
	pipeline       Runner
	logger         *slog.Logger
	maxUploadSize  int64
	allowedTypes   []string
	requireCredits bool
}

// NewService builds a Service from opts.
func NewService(opts Options) *Service {
	s := &Service{
		users:          opts.Users,
		images:         opts.Images,
		assets:         opts.Assets,
		pipeline:       opts.Pipeline,
		logger:         opts.Logger,
		maxUploadSize:  opts.MaxUploadSize,
		requireCredits: opts.RequireCredits,
	}
	for _, t := range opts.AllowedTypes {
		s.allowedTypes = append(s.allowedTypes, strings.ToLower(strings.TrimSpace(t)))
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxUploadSize <= 0 {
		s.maxUploadSize = 10 << 20
	}
	return s
}

// Upload is one ingestion request for an authenticated subject.
type Upload struct {
	Subject     string
	ContentType string
	Body        io.Reader
	Prompt      string // Optional; overrides the default transformation directive
}

// Ingest stores the original, records it as UPLOADED and runs the pipeline to
// completion before returning. The response does not depend on the terminal
// state the pipeline reached; clients learn it from the listing.
func (s *Service) Ingest(ctx context.Context, up Upload) (*model.UploadResponse, error) {
	ctx, span := tracer.Start(ctx, "images.Ingest")
	defer span.End()

	contentType, err := s.checkContentType(up.ContentType)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(up.Body, s.maxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUploadRejected, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUploadRejected)
	}
	if int64(len(data)) > s.maxUploadSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrUploadRejected, s.maxUploadSize)
	}
	var prompt *string
	if p := strings.TrimSpace(up.Prompt); p != "" {
		if len(p) > maxPromptLen {
			return nil, fmt.Errorf("%w: prompt exceeds %d bytes", ErrUploadRejected, maxPromptLen)
		}
		prompt = &p
	}
	span.SetAttributes(attribute.String("content_type", contentType), attribute.Int("bytes", len(data)))

	logger := s.logger.With("subject", up.Subject)

	if _, err := s.users.GetUser(ctx, up.Subject); err != nil {
		return nil, err
	}
	if s.requireCredits {
		if err := s.users.ConsumeCredit(ctx, up.Subject); err != nil {
			return nil, err
		}
	}

	key := media.ObjectKey(media.PrefixOriginal, up.Subject, contentType)
	if err := s.assets.Put(ctx, key, contentType, data); err != nil {
		s.refund(ctx, logger, up.Subject)
		return nil, fmt.Errorf("failed to store original: %w", err)
	}

	img, err := s.images.CreateImage(ctx, model.Image{
		Subject:     up.Subject,
		OriginalKey: key,
		Status:      model.StatusUploaded,
		Prompt:      prompt,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		// The object stays orphaned in the bucket; nothing references it.
		logger.Error("failed to record upload", "error", err, "key", key)
		s.refund(ctx, logger, up.Subject)
		return nil, fmt.Errorf("failed to record upload: %w", err)
	}
	span.SetAttributes(attribute.Int64("image.id", img.ID))
	logger.Info("image uploaded", "image_id", img.ID, "key", key, "bytes", len(data))

	// A client hanging up must not strand the record; the pipeline has its own bound.
	status := s.pipeline.Run(context.WithoutCancel(ctx), *img)
	span.SetAttributes(attribute.String("image.status", string(status)))

	return &model.UploadResponse{URL: s.assets.URL(key)}, nil
}

// List returns the subject's credits and records, newest first, with storage
// keys resolved to public URLs. The output is deterministic for a fixed state.
func (s *Service) List(ctx context.Context, subject string) (*model.ImageList, error) {
	ctx, span := tracer.Start(ctx, "images.List")
	defer span.End()

	user, err := s.users.GetUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	records, err := s.images.ListImages(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	views := make([]model.ImageView, 0, len(records))
	for _, img := range records {
		v := model.ImageView{
			ID:               img.ID,
			Status:           img.Status,
			Prompt:           img.Prompt,
			CreatedAt:        img.CreatedAt.UTC(),
			OriginalImageURL: s.assets.URL(img.OriginalKey),
			FailureReason:    img.FailureReason,
		}
		if img.ProcessedKey != nil {
			u := s.assets.URL(*img.ProcessedKey)
			v.ProcessedImageURL = &u
		}
		views = append(views, v)
	}
	return &model.ImageList{Images: views, Credits: user.Credits}, nil
}

func (s *Service) checkContentType(header string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", fmt.Errorf("%w: content type %q", ErrUploadRejected, header)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return "", fmt.Errorf("%w: content type %s is not an image", ErrUploadRejected, mediaType)
	}
	if len(s.allowedTypes) > 0 && !slices.Contains(s.allowedTypes, mediaType) {
		return "", fmt.Errorf("%w: content type %s not allowed", ErrUploadRejected, mediaType)
	}
	return mediaType, nil
}

func (s *Service) refund(ctx context.Context, logger *slog.Logger, subject string) {
	if !s.requireCredits {
		return
	}
	if err := s.users.AddCredits(context.WithoutCancel(ctx), subject, 1); err != nil {
		logger.Error("failed to refund credit", "error", err)
	}
}
