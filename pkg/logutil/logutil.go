package logutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu sync.Mutex
	fileSink io.Writer
	stderr   = &levelFilterWriter{minLevel: log.InfoLevel}
)

// Configure sets the minimum level written to stderr and resets the
// logger's own level to debug, since filtering happens in the sink below
// rather than in the logger itself.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	outputMu.Lock()
	stderr.minLevel = level
	outputMu.Unlock()
	log.SetLevel(log.DebugLevel)
	applyOutputLocked()
	return nil
}

// SetFileSink additionally writes every log line, unfiltered, to w.
// Pass nil to disable.
func SetFileSink(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	fileSink = w
	applyOutputLocked()
}

func applyOutputLocked() {
	stderr.out = os.Stderr
	stderr.tee = fileSink
	log.SetOutput(stderr)
}

// levelFilterWriter buffers partial lines and filters by level before
// writing to stderr, while always teeing the unfiltered line to an
// optional file sink.
type levelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	tee      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		w.writeLineLocked(line)
	}
	return len(p), nil
}

func (w *levelFilterWriter) writeLineLocked(line []byte) {
	if len(line) == 0 {
		return
	}
	if w.tee != nil {
		_, _ = w.tee.Write(line)
	}
	if w.out == nil {
		return
	}
	if extractLevel(string(line)) < w.minLevel {
		return
	}
	_, _ = w.out.Write(line)
}

func extractLevel(line string) log.Level {
	u := strings.ToUpper(stripANSI(line))
	normalized := " " + strings.ReplaceAll(u, "\t", " ") + " "
	switch {
	case strings.Contains(normalized, "DEBU"):
		return log.DebugLevel
	case strings.Contains(normalized, "WARN"):
		return log.WarnLevel
	case strings.Contains(normalized, "ERRO"):
		return log.ErrorLevel
	case strings.Contains(normalized, "FATA"):
		return log.FatalLevel
	case strings.Contains(normalized, "INFO"):
		return log.InfoLevel
	default:
		return log.InfoLevel
	}
}

func stripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
