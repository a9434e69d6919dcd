package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lkarlslund/croxy/pkg/router"
)

func baseRoute(providerURL string) router.ResolvedRoute {
	return router.ResolvedRoute{
		ProviderName: "test",
		ProviderURL:  providerURL,
	}
}

func TestForwardBufferedSuccessExtractsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "" {
			t.Errorf("unexpected x-api-key on pass-through request: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"usage": map[string]any{"input_tokens": 12, "output_tokens": 34},
		})
	}))
	defer upstream.Close()

	f := New(&http.Client{}, 1<<20)
	rec := httptest.NewRecorder()
	body := []byte(`{"model":"claude-3-haiku","messages":[]}`)
	outcome := f.Forward(context.Background(), rec, http.Header{}, http.MethodPost, "/v1/messages", "", body, map[string]any{"model": "claude-3-haiku"}, baseRoute(upstream.URL))

	if outcome.InputTokens != 12 || outcome.OutputTokens != 34 {
		t.Errorf("tokens = (%d, %d), want (12, 34)", outcome.InputTokens, outcome.OutputTokens)
	}
	if outcome.ErrorKind != ErrNone {
		t.Errorf("ErrorKind = %q, want empty", outcome.ErrorKind)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestForwardStripsAuthWhenConfigured(t *testing.T) {
	var sawAuth, sawKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		sawKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"usage": map[string]any{}})
	}))
	defer upstream.Close()

	route := baseRoute(upstream.URL)
	route.StripAuth = true
	route.APIKey = "sk-configured"

	f := New(&http.Client{}, 1<<20)
	rec := httptest.NewRecorder()
	inbound := http.Header{"Authorization": {"Bearer client-supplied"}}
	f.Forward(context.Background(), rec, inbound, http.MethodPost, "/v1/messages", "", []byte(`{}`), map[string]any{}, route)

	if sawAuth != "" {
		t.Errorf("Authorization leaked through: %q", sawAuth)
	}
	if sawKey != "sk-configured" {
		t.Errorf("x-api-key = %q, want sk-configured", sawKey)
	}
}

func TestForwardRewritesModel(t *testing.T) {
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"usage": map[string]any{}})
	}))
	defer upstream.Close()

	route := baseRoute(upstream.URL)
	route.ModelRewrite = "claude-3-opus-rewritten"

	f := New(&http.Client{}, 1<<20)
	rec := httptest.NewRecorder()
	bodyJSON := map[string]any{"model": "claude-3-haiku"}
	outcome := f.Forward(context.Background(), rec, http.Header{}, http.MethodPost, "/v1/messages", "", []byte(`{"model":"claude-3-haiku"}`), bodyJSON, route)

	if outcome.EffectiveModel != "claude-3-opus-rewritten" {
		t.Errorf("EffectiveModel = %q, want claude-3-opus-rewritten", outcome.EffectiveModel)
	}
	if gotBody["model"] != "claude-3-opus-rewritten" {
		t.Errorf("upstream saw model = %v, want claude-3-opus-rewritten", gotBody["model"])
	}
}

func TestForwardRelaysUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer upstream.Close()

	f := New(&http.Client{}, 1<<20)
	rec := httptest.NewRecorder()
	outcome := f.Forward(context.Background(), rec, http.Header{}, http.MethodPost, "/v1/messages", "", []byte(`{}`), map[string]any{}, baseRoute(upstream.URL))

	if outcome.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", outcome.StatusCode)
	}
	if outcome.ErrorKind != ErrUpstreamStatus {
		t.Errorf("ErrorKind = %q, want %q", outcome.ErrorKind, ErrUpstreamStatus)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("relayed status = %d, want 429", rec.Code)
	}
}

func TestForwardUnreachableUpstream(t *testing.T) {
	f := New(&http.Client{}, 1<<20)
	rec := httptest.NewRecorder()
	route := baseRoute("http://127.0.0.1:1")
	outcome := f.Forward(context.Background(), rec, http.Header{}, http.MethodPost, "/v1/messages", "", []byte(`{}`), map[string]any{}, route)

	if outcome.ErrorKind != ErrUpstreamUnreachable {
		t.Errorf("ErrorKind = %q, want %q", outcome.ErrorKind, ErrUpstreamUnreachable)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestForwardStubCountTokens(t *testing.T) {
	route := baseRoute("http://unused")
	route.StubCountTokens = true

	f := New(&http.Client{}, 1<<20)
	rec := httptest.NewRecorder()
	outcome := f.Forward(context.Background(), rec, http.Header{}, http.MethodPost, "/v1/messages/count_tokens", "", []byte(`{}`), map[string]any{}, route)

	if outcome.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", outcome.StatusCode)
	}
	if rec.Body.String() != `{"input_tokens": 0}` {
		t.Errorf("body = %q, want stub zero-usage body", rec.Body.String())
	}
}

func TestForwardStreamsSSEAndExtractsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("event: message_start\ndata: {\"message\":{\"usage\":{\"input_tokens\":7}}}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("event: message_delta\ndata: {\"usage\":{\"output_tokens\":3}}\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	f := New(&http.Client{}, 1<<20)
	rec := httptest.NewRecorder()
	outcome := f.Forward(context.Background(), rec, http.Header{}, http.MethodPost, "/v1/messages", "", []byte(`{"stream":true}`), map[string]any{"stream": true}, baseRoute(upstream.URL))

	if outcome.InputTokens != 7 || outcome.OutputTokens != 3 {
		t.Errorf("tokens = (%d, %d), want (7, 3)", outcome.InputTokens, outcome.OutputTokens)
	}
	if outcome.ErrorKind != ErrNone {
		t.Errorf("ErrorKind = %q, want empty", outcome.ErrorKind)
	}
}

func TestIsHopByHop(t *testing.T) {
	for _, name := range []string{"Connection", "Keep-Alive", "TE", "Transfer-Encoding"} {
		if !isHopByHop(name) {
			t.Errorf("isHopByHop(%q) = false, want true", name)
		}
	}
	if isHopByHop("Content-Type") {
		t.Error("isHopByHop(Content-Type) = true, want false")
	}
}
