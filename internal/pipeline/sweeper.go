package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/toonify/toonify-api/internal/event"
	"github.com/toonify/toonify-api/internal/metrics"
	"github.com/toonify/toonify-api/internal/model"
	"github.com/toonify/toonify-api/internal/storage"
)

// AbandonedReason is recorded on records the sweeper fails.
const AbandonedReason = "processing abandoned"

// Sweeper fails records stranded in a non-terminal state, e.g. after a crash
// or a failed FAILED write.
type Sweeper struct {
	images     storage.ImageStore
	events     event.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// NewSweeper returns a Sweeper failing records untouched for staleAfter.
func NewSweeper(images storage.ImageStore, events event.Publisher, m *metrics.Metrics, logger *slog.Logger, staleAfter time.Duration) *Sweeper {
	if events == nil {
		events = event.NewNoop()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		images:     images,
		events:     events,
		metrics:    m,
		logger:     logger,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SweepOnce fails every stale UPLOADED or PROCESSING record and returns how many it moved.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	swept := 0
	for _, status := range []model.ImageStatus{model.StatusUploaded, model.StatusProcessing} {
		stale, err := s.images.ListStaleImages(ctx, status, cutoff)
		if err != nil {
			return swept, err
		}
		for _, img := range stale {
			reason := AbandonedReason
			failed, err := s.images.TransitionImage(ctx, img.ID, status, model.ImageUpdate{
				Status:        model.StatusFailed,
				FailureReason: &reason,
				UpdatedAt:     s.now(),
			})
			if errors.Is(err, storage.ErrConflict) {
				continue // finished while we looked
			}
			if err != nil {
				s.logger.Error("sweeper failed to mark image FAILED", "image_id", img.ID, "error", err)
				continue
			}
			swept++
			s.metrics.SweptImagesTotal.Inc()
			s.logger.Warn("swept stranded image", "image_id", img.ID, "from", status, "last_update", img.UpdatedAt)
			if err := s.events.PublishImageStatus(ctx, *failed); err != nil {
				s.metrics.EventPublishFailures.Inc()
			}
		}
	}
	return swept, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
