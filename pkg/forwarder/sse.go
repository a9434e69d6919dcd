package forwarder

import (
	"bytes"
	"encoding/json"
	"sync/atomic"
)

// sseUsageScanner reassembles Server-Sent Events from a stream of raw
// chunks and tracks the latest input/output token counts carried by the
// Anthropic message_start and message_delta events. It never blocks or
// allocates unboundedly: event payloads are processed and discarded one
// line at a time.
type sseUsageScanner struct {
	buf          []byte
	currentEvent string
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
}

func newSSEUsageScanner() *sseUsageScanner {
	return &sseUsageScanner{}
}

func (s *sseUsageScanner) InputTokens() int64  { return s.inputTokens.Load() }
func (s *sseUsageScanner) OutputTokens() int64 { return s.outputTokens.Load() }

// Feed appends chunk to the internal buffer and processes every complete
// line it contains. SSE frames are terminated by a blank line, but the
// usage fields only ever appear on a single "data:" line, so this scans
// line-by-line rather than buffering whole frames.
func (s *sseUsageScanner) Feed(chunk []byte) {
	s.buf = append(s.buf, chunk...)
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := s.buf[:idx]
		s.buf = s.buf[idx+1:]
		s.processLine(bytes.TrimRight(line, "\r"))
	}
}

func (s *sseUsageScanner) processLine(line []byte) {
	switch {
	case bytes.HasPrefix(line, []byte("event:")):
		s.currentEvent = string(bytes.TrimSpace(line[len("event:"):]))
	case bytes.HasPrefix(line, []byte("data:")):
		data := bytes.TrimSpace(line[len("data:"):])
		s.processData(data)
	case len(line) == 0:
		s.currentEvent = ""
	}
}

type messageStartPayload struct {
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type messageDeltaPayload struct {
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (s *sseUsageScanner) processData(data []byte) {
	switch s.currentEvent {
	case "message_start":
		var p messageStartPayload
		if err := json.Unmarshal(data, &p); err == nil {
			s.inputTokens.Store(p.Message.Usage.InputTokens)
		}
	case "message_delta":
		var p messageDeltaPayload
		if err := json.Unmarshal(data, &p); err == nil {
			s.outputTokens.Store(p.Usage.OutputTokens)
		}
	}
}
