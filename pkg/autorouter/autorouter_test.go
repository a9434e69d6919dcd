package autorouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lkarlslund/croxy/pkg/router"
)

func candidates() []router.Candidate {
	return []router.Candidate{
		{Name: "billing", Description: "billing and invoice questions"},
		{Name: "coding", Description: "code generation and debugging"},
	}
}

func messages() []router.Message {
	return []router.Message{{Role: "user", Content: "please fix this null pointer exception"}}
}

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestClassifyJSONRoute(t *testing.T) {
	srv := chatServer(t, `{"route": "coding"}`)
	defer srv.Close()

	c := New(srv.URL, "router-model", 2000)
	got := c.Classify(context.Background(), candidates(), messages())
	if got != "coding" {
		t.Errorf("Classify = %q, want %q", got, "coding")
	}
}

func TestClassifyRegexFallback(t *testing.T) {
	srv := chatServer(t, `some preamble text {"route":"billing"} trailing`)
	defer srv.Close()

	c := New(srv.URL, "router-model", 2000)
	got := c.Classify(context.Background(), candidates(), messages())
	if got != "billing" {
		t.Errorf("Classify = %q, want %q", got, "billing")
	}
}

func TestClassifyOtherReturnsEmpty(t *testing.T) {
	srv := chatServer(t, `{"route": "other"}`)
	defer srv.Close()

	c := New(srv.URL, "router-model", 2000)
	got := c.Classify(context.Background(), candidates(), messages())
	if got != "" {
		t.Errorf("Classify = %q, want empty for other", got)
	}
}

func TestClassifyUnknownRouteNameReturnsEmpty(t *testing.T) {
	srv := chatServer(t, `{"route": "nonexistent"}`)
	defer srv.Close()

	c := New(srv.URL, "router-model", 2000)
	got := c.Classify(context.Background(), candidates(), messages())
	if got != "" {
		t.Errorf("Classify = %q, want empty for unknown route", got)
	}
}

func TestClassifyServerErrorReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "router-model", 2000)
	got := c.Classify(context.Background(), candidates(), messages())
	if got != "" {
		t.Errorf("Classify = %q, want empty on server error", got)
	}
}

func TestClassifyTimeoutReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "router-model", 5)
	got := c.Classify(context.Background(), candidates(), messages())
	if got != "" {
		t.Errorf("Classify = %q, want empty on timeout", got)
	}
}

func TestClassifyEmptyInputsReturnEmpty(t *testing.T) {
	c := New("http://unused", "router-model", 2000)
	if got := c.Classify(context.Background(), nil, messages()); got != "" {
		t.Errorf("Classify with no candidates = %q, want empty", got)
	}
	if got := c.Classify(context.Background(), candidates(), nil); got != "" {
		t.Errorf("Classify with no messages = %q, want empty", got)
	}
}

func TestParseRouteNameRejectsOtherAndUnknown(t *testing.T) {
	valid := map[string]struct{}{"coding": {}}
	if got := parseRouteName(`{"route": "other"}`, valid); got != "" {
		t.Errorf("parseRouteName(other) = %q, want empty", got)
	}
	if got := parseRouteName(`{"route": "ghost"}`, valid); got != "" {
		t.Errorf("parseRouteName(ghost) = %q, want empty", got)
	}
	if got := parseRouteName(`{"route": "coding"}`, valid); got != "coding" {
		t.Errorf("parseRouteName(coding) = %q, want coding", got)
	}
}
