package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/croxy/pkg/metrics"
	"github.com/lkarlslund/croxy/pkg/router"
)

// handleRequest is the catch-all front door: it inspects model/messages
// in the body, resolves a route, and delegates the actual upstream call
// to the forwarder, producing exactly one RequestRecord per response.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	arrival := time.Now()
	wallclock := time.Now().UTC()

	limited := http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodySize)
	bodyBytes, readErr := io.ReadAll(limited)
	if readErr != nil {
		log.Warn("request body exceeds max_body_size", "path", r.URL.Path, "limit", s.cfg.Server.MaxBodySize)
		s.insertFinal(metrics.RequestRecord{
			Timestamp:  arrival,
			Wallclock:  wallclock,
			StatusCode: http.StatusRequestEntityTooLarge,
			ErrorKind:  "request_too_large",
		})
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var bodyJSON map[string]any
	var model string
	var messages []router.Message
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &bodyJSON); err != nil {
			log.Warn("invalid JSON body", "path", r.URL.Path, "error", err)
			s.insertFinal(metrics.RequestRecord{
				Timestamp:  arrival,
				Wallclock:  wallclock,
				StatusCode: http.StatusBadRequest,
				ErrorKind:  "bad_request_body",
			})
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if m, ok := bodyJSON["model"].(string); ok {
			model = m
		}
		messages = extractMessages(bodyJSON)
	}

	route, err := s.router.Resolve(r.Context(), model, messages)
	if err != nil {
		log.Error("routing failed", "model", model, "error", err)
		s.insertFinal(metrics.RequestRecord{
			Timestamp:  arrival,
			Wallclock:  wallclock,
			Model:      model,
			StatusCode: http.StatusInternalServerError,
			ErrorKind:  "no_provider",
		})
		http.Error(w, "no provider available", http.StatusInternalServerError)
		return
	}

	pendingID := s.metrics.InsertPending(metrics.RequestRecord{
		Timestamp:     arrival,
		Wallclock:     wallclock,
		Model:         model,
		ProviderName:  route.ProviderName,
		RoutingMethod: route.RoutingMethod,
	})

	outcome := s.forwarder.Forward(r.Context(), w, r.Header, r.Method, r.URL.Path, r.URL.RawQuery, bodyBytes, bodyJSON, route)

	durationMs := time.Since(arrival).Milliseconds()
	completed, ok := s.metrics.Finalize(pendingID, metrics.FinalizeFields{
		EffectiveModel: outcome.EffectiveModel,
		InputTokens:    outcome.InputTokens,
		OutputTokens:   outcome.OutputTokens,
		DurationMs:     durationMs,
		StatusCode:     outcome.StatusCode,
		ErrorKind:      string(outcome.ErrorKind),
	})
	if ok {
		s.feed.Broadcast(map[string]any{"type": "record", "record": completed})
	}
}

func (s *Server) insertFinal(record metrics.RequestRecord) {
	record.ID = s.metrics.Insert(record)
	s.feed.Broadcast(map[string]any{"type": "record", "record": record})
}

func extractMessages(bodyJSON map[string]any) []router.Message {
	raw, ok := bodyJSON["messages"].([]any)
	if !ok {
		return nil
	}
	out := make([]router.Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		out = append(out, router.Message{Role: role, Content: flattenContent(m["content"])})
	}
	return out
}

// flattenContent handles both the simple string content shape and the
// structured content-block array shape, concatenating any text blocks.
func flattenContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var out string
		for _, block := range v {
			bm, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := bm["text"].(string); ok {
				out += text
			}
		}
		return out
	default:
		return ""
	}
}

func (s *Server) handleAdminSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Warn("admin snapshot encode failed", "error", err)
	}
}
