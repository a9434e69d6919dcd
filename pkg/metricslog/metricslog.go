// Package metricslog implements the rotating JSONL sink for completed
// request records.
package metricslog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/croxy/pkg/metrics"
	"github.com/lkarlslund/croxy/pkg/router"
)

// Entry is the current on-disk schema for one completed request.
type Entry struct {
	Timestamp      string `json:"timestamp"`
	Model          string `json:"model"`
	EffectiveModel string `json:"effective_model"`
	Provider       string `json:"provider"`
	RoutingMethod  string `json:"routing_method"`
	StatusCode     int    `json:"status_code"`
	DurationMs     int64  `json:"duration_ms"`
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
	ErrorKind      string `json:"error_kind,omitempty"`
}

// legacyEntry is the pre-routing_method schema, kept only for reads:
// "routed": true meant Pattern, false meant Default, and the provider
// field used to be named "backend".
type legacyEntry struct {
	Routed  *bool  `json:"routed"`
	Backend string `json:"backend"`
}

// DecodeLine parses one JSONL line under either schema, normalizing to
// the current Entry shape. For log readers; the writer never calls it.
func DecodeLine(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, err
	}
	if e.RoutingMethod == "" {
		var legacy legacyEntry
		if err := json.Unmarshal(line, &legacy); err == nil {
			switch {
			case legacy.Routed != nil && *legacy.Routed:
				e.RoutingMethod = string(router.MethodPattern)
			default:
				e.RoutingMethod = string(router.MethodDefault)
			}
			if e.Provider == "" {
				e.Provider = legacy.Backend
			}
		} else {
			e.RoutingMethod = string(router.MethodDefault)
		}
	}
	return e, nil
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func toEntry(r metrics.RequestRecord) Entry {
	return Entry{
		Timestamp:      r.Wallclock.Format(timestampLayout),
		Model:          r.Model,
		EffectiveModel: r.EffectiveModel,
		Provider:       r.ProviderName,
		RoutingMethod:  string(r.RoutingMethod),
		StatusCode:     r.StatusCode,
		DurationMs:     r.DurationMs,
		InputTokens:    r.InputTokens,
		OutputTokens:   r.OutputTokens,
		ErrorKind:      r.ErrorKind,
	}
}

// Writer is a rotating append-only JSONL sink. It implements
// metrics.Sink; failures are logged and swallowed, never propagated
// back to the request pipeline.
type Writer struct {
	mu        sync.Mutex
	path      string
	maxSize   int64
	maxFiles  int
	file      *os.File
	buffered  *bufio.Writer
}

func Open(path string, maxSizeMB int64, maxFiles int) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metrics log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics log: %w", err)
	}
	return &Writer{
		path:     path,
		maxSize:  maxSizeMB * 1024 * 1024,
		maxFiles: maxFiles,
		file:     f,
		buffered: bufio.NewWriter(f),
	}, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buffered.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append implements metrics.Sink.
func (w *Writer) Append(record metrics.RequestRecord) {
	line, err := json.Marshal(toEntry(record))
	if err != nil {
		log.Warn("failed to encode metrics log entry", "error", err)
		return
	}
	if err := w.writeLine(line); err != nil {
		log.Warn("failed to write metrics log", "error", err)
	}
}

func (w *Writer) writeLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.buffered.Write(line); err != nil {
		return err
	}
	if err := w.buffered.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.buffered.Flush(); err != nil {
		return err
	}
	return w.maybeRotate()
}

func (w *Writer) maybeRotate() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil
	}
	if info.Size() < w.maxSize {
		return nil
	}
	return w.rotate()
}

func (w *Writer) rotate() error {
	oldest := rotatedPath(w.path, w.maxFiles)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return err
		}
	}

	for i := w.maxFiles - 1; i >= 1; i-- {
		from := rotatedPath(w.path, i)
		to := rotatedPath(w.path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return err
			}
		}
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path, rotatedPath(w.path, 1)); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.buffered = bufio.NewWriter(f)
	return nil
}

func rotatedPath(base string, index int) string {
	return fmt.Sprintf("%s.%d", base, index)
}
