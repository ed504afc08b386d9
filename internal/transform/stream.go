package transform

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/toonify/toonify-api/internal/schema"
)

const (
	doneMarker   = "[DONE]"
	maxLineBytes = 1 << 20
)

// FrameValidator checks a decoded frame payload before it is trusted.
type FrameValidator interface {
	Validate(name string, doc []byte) error
}

// Accumulation is what was recovered from a stream, even when reading failed.
type Accumulation struct {
	Content string // Concatenated content fragments
	Frames  int    // Frames that contributed
	Skipped int    // Frames discarded as malformed
	Done    bool   // End-of-stream marker seen
}

// Accumulator reads a server-sent event stream of completion chunks and
// concatenates their content fragments. Malformed frames and lines longer
// than maxLineBytes are logged and skipped; only a transport error stops the
// read early.
type Accumulator struct {
	Validator FrameValidator // Optional
	Logger    *slog.Logger
	OnLine    func() // Called for every line read; used to reset idle timers
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Read consumes r until EOF, the end marker, or an error.
func (a *Accumulator) Read(r io.Reader) (Accumulation, error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		acc     Accumulation
		content strings.Builder
		pending []string
	)

	dispatch := func() {
		if len(pending) == 0 {
			return
		}
		data := strings.Join(pending, "\n")
		pending = pending[:0]

		if a.Validator != nil {
			if err := a.Validator.Validate(schema.StreamFrame, []byte(data)); err != nil {
				acc.Skipped++
				logger.Warn("skipping malformed stream frame", "error", err, "bytes", len(data))
				return
			}
		}
		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			acc.Skipped++
			logger.Warn("skipping undecodable stream frame", "error", err, "bytes", len(data))
			return
		}
		acc.Frames++
		for _, choice := range c.Choices {
			if choice.Delta.Content != nil {
				content.WriteString(*choice.Delta.Content)
			}
		}
	}

	// feed handles one complete line and reports whether the end marker was seen.
	feed := func(line string) bool {
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if strings.TrimSpace(payload) == doneMarker {
				dispatch()
				return true
			}
			// Some upstreams omit the blank separator line; a pending payload
			// that already parses on its own is a complete event.
			if len(pending) > 0 && json.Valid([]byte(strings.Join(pending, "\n"))) {
				dispatch()
			}
			pending = append(pending, payload)
		default:
			// event:, id:, retry: and unknown fields carry nothing we use.
		}
		return false
	}

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, oversize, err := readLine(br, maxLineBytes)
		if (raw != nil || oversize) && a.OnLine != nil {
			a.OnLine()
		}
		switch {
		case oversize:
			// The line is dropped; a pending payload survives only if it
			// already stands on its own.
			if len(pending) > 0 && json.Valid([]byte(strings.Join(pending, "\n"))) {
				dispatch()
			}
			pending = pending[:0]
			acc.Skipped++
			logger.Warn("skipping oversize stream line", "limit", maxLineBytes)
		case raw != nil:
			if feed(strings.TrimRight(string(raw), "\r")) {
				acc.Done = true
				acc.Content = content.String()
				return acc, nil
			}
		}
		if err != nil {
			dispatch()
			acc.Content = content.String()
			if err == io.EOF {
				return acc, nil
			}
			return acc, fmt.Errorf("read transformation stream: %w", err)
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// limit is drained and reported as oversize with a nil slice. A read error
// ending an unterminated line is held back until the following call, except
// for oversize lines, which report it at once.
func readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	var (
		line     []byte
		oversize bool
	)
	for {
		frag, isPrefix, err := br.ReadLine()
		if err != nil {
			if oversize {
				return nil, true, err
			}
			if line != nil {
				return line, false, nil
			}
			return nil, false, err
		}
		if !oversize {
			if len(line)+len(frag) > limit {
				oversize, line = true, nil
			} else {
				line = append(line, frag...)
				if line == nil {
					line = []byte{}
				}
			}
		}
		if !isPrefix {
			if oversize {
				return nil, true, nil
			}
			return line, false, nil
		}
	}
}
