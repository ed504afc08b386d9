// Package pipeline drives an uploaded image through transformation:
// UPLOADED -> PROCESSING -> COMPLETED | FAILED.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/toonify/toonify-api/internal/event"
	"github.com/toonify/toonify-api/internal/media"
	"github.com/toonify/toonify-api/internal/metrics"
	"github.com/toonify/toonify-api/internal/model"
	"github.com/toonify/toonify-api/internal/storage"
	"github.com/toonify/toonify-api/internal/transform"
)

const (
	defaultMaxResultBytes = 20 << 20
	failureWriteTimeout   = 10 * time.Second
)

var tracer = otel.Tracer("github.com/toonify/toonify-api/internal/pipeline")

// Streamer opens a transformation event stream for an image.
type Streamer interface {
	Stream(ctx context.Context, imageURL, prompt string) (io.ReadCloser, error)
}

// Options wires a Pipeline.
type Options struct {
	Images         storage.ImageStore
	Assets         media.Store
	Transformer    Streamer
	Validator      transform.FrameValidator
	Events         event.Publisher
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	HTTPClient     *http.Client // Used to download results
	Prompt         string
	Timeout        time.Duration // Wall-clock bound on a run
	IdleTimeout    time.Duration // Bound on silence between stream lines
	MaxResultBytes int64
}

// Pipeline runs the transformation for one record at a time per call.
// It holds no per-run state and is safe for concurrent use.
type Pipeline struct {
	images      storage.ImageStore
	assets      media.Store
	transformer Streamer
	validator   transform.FrameValidator
	events      event.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	hc          *http.Client
	prompt      string
	timeout     time.Duration
	idle        time.Duration
	maxResult   int64
	now         func() time.Time
}

// New builds a Pipeline from opts, filling defaults for optional fields.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		images:      opts.Images,
		assets:      opts.Assets,
		transformer: opts.Transformer,
		validator:   opts.Validator,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		hc:          opts.HTTPClient,
		prompt:      opts.Prompt,
		timeout:     opts.Timeout,
		idle:        opts.IdleTimeout,
		maxResult:   opts.MaxResultBytes,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if p.events == nil {
		p.events = event.NewNoop()
	}
	if p.metrics == nil {
		p.metrics = metrics.NewMetrics()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.hc == nil {
		p.hc = &http.Client{}
	}
	if p.timeout <= 0 {
		p.timeout = 3 * time.Minute
	}
	if p.idle <= 0 {
		p.idle = time.Minute
	}
	if p.maxResult <= 0 {
		p.maxResult = defaultMaxResultBytes
	}
	return p
}

// Timeout is the wall-clock bound of one run.
func (p *Pipeline) Timeout() time.Duration { return p.timeout }

// Run processes img, which must be in UPLOADED, and returns the status the
// record was left in. Failures are persisted on the record, never returned.
func (p *Pipeline) Run(ctx context.Context, img model.Image) model.ImageStatus {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.Int64("image.id", img.ID), attribute.String("image.subject", img.Subject))

	logger := p.logger.With("image_id", img.ID, "subject", img.Subject)

	processing, err := p.images.TransitionImage(ctx, img.ID, model.StatusUploaded, model.ImageUpdate{
		Status:    model.StatusProcessing,
		UpdatedAt: p.now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Someone else owns this record; leave it alone.
			logger.Warn("record not in UPLOADED, skipping pipeline run")
			return p.currentStatus(ctx, img)
		}
		return p.finishFailed(ctx, span, logger, start, img, model.StatusUploaded, fail(KindStore, err))
	}
	p.publish(ctx, logger, *processing)

	processedKey, failure := p.process(ctx, logger, img)
	if failure != nil {
		return p.finishFailed(ctx, span, logger, start, img, model.StatusProcessing, failure)
	}

	completed, err := p.images.TransitionImage(ctx, img.ID, model.StatusProcessing, model.ImageUpdate{
		Status:       model.StatusCompleted,
		ProcessedKey: &processedKey,
		UpdatedAt:    p.now(),
	})
	if err != nil {
		// The result exists in the asset store but the record does not say so.
		logger.Error("failed to record completed image", "error", err, "processed_key", processedKey)
		return p.finishFailed(ctx, span, logger, start, img, model.StatusProcessing, fail(KindStore, err))
	}
	p.publish(ctx, logger, *completed)

	p.metrics.PipelineRunsTotal.WithLabelValues(string(model.StatusCompleted), "").Inc()
	p.metrics.PipelineRunDuration.WithLabelValues(string(model.StatusCompleted)).Observe(time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "")
	logger.Info("image processed", "processed_key", processedKey, "duration_ms", time.Since(start).Milliseconds())
	return model.StatusCompleted
}

// process performs steps that can fail: stream, extract, download, store.
func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, img model.Image) (string, *Failure) {
	originalURL := p.assets.URL(img.OriginalKey)
	prompt := p.prompt
	if img.Prompt != nil && *img.Prompt != "" {
		prompt = *img.Prompt
	}

	content, failure := p.stream(ctx, logger, originalURL, prompt)
	if failure != nil {
		return "", failure
	}

	resultURL, ok := transform.ExtractImageURL(content)
	if !ok {
		logger.Warn("transformation output has no image link", "content_bytes", len(content))
		return "", fail(KindNoResultURL, ErrNoResultURL)
	}

	data, contentType, err := p.download(ctx, resultURL)
	if err != nil {
		return "", p.classify(ctx, KindDownload, err)
	}

	key := media.ObjectKey(media.PrefixProcessed, img.Subject, contentType)
	if err := p.assets.Put(ctx, key, contentType, data); err != nil {
		return "", p.classify(ctx, KindStore, err)
	}
	return key, nil
}

// stream reads the transformation stream under an idle timer that cancels
// the connection when no line arrives within the idle bound.
func (p *Pipeline) stream(ctx context.Context, logger *slog.Logger, originalURL, prompt string) (string, *Failure) {
	ctx, span := tracer.Start(ctx, "pipeline.stream")
	defer span.End()

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	idle := time.AfterFunc(p.idle, func() { cancel(ErrIdleTimeout) })
	defer idle.Stop()

	body, err := p.transformer.Stream(streamCtx, originalURL, prompt)
	if err != nil {
		return "", p.classify(streamCtx, KindStream, err)
	}
	defer body.Close()

	acc := &transform.Accumulator{
		Validator: p.validator,
		Logger:    logger,
		OnLine:    func() { idle.Reset(p.idle) },
	}
	res, err := acc.Read(body)
	idle.Stop()

	p.metrics.StreamFramesTotal.WithLabelValues("accepted").Add(float64(res.Frames))
	p.metrics.StreamFramesTotal.WithLabelValues("skipped").Add(float64(res.Skipped))
	span.SetAttributes(
		attribute.Int("stream.frames", res.Frames),
		attribute.Int("stream.skipped", res.Skipped),
		attribute.Bool("stream.done", res.Done),
	)

	if err != nil {
		logger.Warn("transformation stream broke", "error", err, "partial_bytes", len(res.Content))
		return "", p.classify(streamCtx, KindStream, err)
	}
	return res.Content, nil
}

func (p *Pipeline) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxResult+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty body")
	}
	if int64(len(data)) > p.maxResult {
		return nil, "", fmt.Errorf("larger than %d bytes", p.maxResult)
	}

	contentType := media.Sniff(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("not an image (%s)", contentType)
	}
	return data, contentType, nil
}

// classify turns a step error into a Failure, preferring the context cause
// when the run was cut short by a deadline or the idle timer.
func (p *Pipeline) classify(ctx context.Context, kind Kind, err error) *Failure {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrIdleTimeout):
		return fail(KindIdle, cause)
	case errors.Is(cause, context.DeadlineExceeded):
		return fail(KindTimeout, cause)
	}
	return fail(kind, err)
}

// finishFailed forces the record to FAILED from the given status. The write
// is detached from ctx so an expired run can still record its outcome. If the
// write fails the record is left for the sweeper.
func (p *Pipeline) finishFailed(ctx context.Context, span trace.Span, logger *slog.Logger, start time.Time, img model.Image, from model.ImageStatus, f *Failure) model.ImageStatus {
	reason := f.Reason(p.timeout, p.idle)
	span.RecordError(f)
	span.SetStatus(codes.Error, reason)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	failed, err := p.images.TransitionImage(writeCtx, img.ID, from, model.ImageUpdate{
		Status:        model.StatusFailed,
		FailureReason: &reason,
		UpdatedAt:     p.now(),
	})

	p.metrics.PipelineRunsTotal.WithLabelValues(string(model.StatusFailed), string(f.Kind)).Inc()
	p.metrics.PipelineRunDuration.WithLabelValues(string(model.StatusFailed)).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("CRITICAL: could not mark image FAILED, record may be stranded",
			"error", err, "from", from, "reason", reason, "kind", f.Kind)
		return p.currentStatus(writeCtx, img)
	}
	p.publish(writeCtx, logger, *failed)
	logger.Warn("image processing failed", "kind", f.Kind, "reason", reason, "error", f.Err)
	return model.StatusFailed
}

func (p *Pipeline) currentStatus(ctx context.Context, img model.Image) model.ImageStatus {
	cur, err := p.images.GetImage(context.WithoutCancel(ctx), img.ID)
	if err != nil {
		return img.Status
	}
	return cur.Status
}

func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, img model.Image) {
	if err := p.events.PublishImageStatus(ctx, img); err != nil {
		p.metrics.EventPublishFailures.Inc()
		logger.Warn("failed to publish status event", "error", err, "status", img.Status)
	}
}
