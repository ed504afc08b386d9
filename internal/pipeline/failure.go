package pipeline

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Kind classifies why a run failed. It is used as a metric label.
type Kind string

const (
	KindStream      Kind = "stream_failed"
	KindIdle        Kind = "stream_idle"
	KindTimeout     Kind = "timeout"
	KindNoResultURL Kind = "no_result_url"
	KindDownload    Kind = "download_failed"
	KindStore       Kind = "store_failed"
)

const maxReasonLen = 256

var (
	// ErrIdleTimeout cancels a stream that went silent for too long.
	ErrIdleTimeout = errors.New("transformation stream idle")
	// ErrNoResultURL is returned when the output carries no image link.
	ErrNoResultURL = errors.New("no result image link in transformation output")
)

// Failure is a classified pipeline error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Err.Error() }

func (f *Failure) Unwrap() error { return f.Err }

func fail(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// Reason renders the short human-readable text persisted on a FAILED record.
func (f *Failure) Reason(timeout, idle time.Duration) string {
	var s string
	switch f.Kind {
	case KindTimeout:
		s = fmt.Sprintf("processing timed out after %s", timeout)
	case KindIdle:
		s = fmt.Sprintf("transformation stream silent for %s", idle)
	case KindNoResultURL:
		s = ErrNoResultURL.Error()
	case KindStream:
		s = "transformation stream failed: " + f.Err.Error()
	case KindDownload:
		s = "result download failed: " + f.Err.Error()
	case KindStore:
		s = "result store failed: " + f.Err.Error()
	default:
		s = f.Err.Error()
	}
	return truncate(s, maxReasonLen)
}

func truncate(s string, n int) string {
	if s == "" {
		return "processing failed"
	}
	if len(s) <= n {
		return s
	}
	cut := n - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
