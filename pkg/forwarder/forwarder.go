// Package forwarder builds and sends the upstream request for a resolved
// route, relays the response back to the client (buffered or streamed),
// and reports the token/latency facts needed for a metrics record.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/croxy/pkg/router"
)

// ErrorKind mirrors the taxonomy of forwarding failures a RequestRecord
// can carry.
type ErrorKind string

const (
	ErrNone                ErrorKind = ""
	ErrUpstreamUnreachable ErrorKind = "upstream_unreachable"
	ErrUpstreamStatus      ErrorKind = "upstream_status"
	ErrUpstreamDecode      ErrorKind = "upstream_decode"
	ErrClientCancelled     ErrorKind = "client_cancelled"
)

var hopByHop = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
}

func isHopByHop(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "proxy-") {
		return true
	}
	_, ok := hopByHop[lower]
	return ok
}

// Outcome carries everything the caller needs to assemble a completed
// RequestRecord after Forward returns.
type Outcome struct {
	StatusCode     int
	EffectiveModel string
	InputTokens    int64
	OutputTokens   int64
	ErrorKind      ErrorKind
}

type Forwarder struct {
	Client      *http.Client
	MaxBodySize int64
}

func New(client *http.Client, maxBodySize int64) *Forwarder {
	return &Forwarder{Client: client, MaxBodySize: maxBodySize}
}

// stubCountTokensResponse writes the canned zero-usage body used when a
// provider declares stub_count_tokens and the inbound path is the
// count_tokens endpoint.
func stubCountTokensResponse(w http.ResponseWriter) Outcome {
	body := []byte(`{"input_tokens": 0}`)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	return Outcome{StatusCode: http.StatusOK}
}

// Forward performs the whole request lifecycle for one inbound call:
// builds the upstream request, sends it, and relays the response back to
// w, buffered or streamed depending on the upstream content type.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, inboundHeaders http.Header, method, path, rawQuery string, bodyBytes []byte, bodyJSON map[string]any, route router.ResolvedRoute) Outcome {
	if route.StubCountTokens && strings.HasSuffix(path, "/v1/messages/count_tokens") {
		log.Debug("returning stub count_tokens response", "path", path)
		return stubCountTokensResponse(w)
	}

	effectiveModel := ""
	if m, ok := bodyJSON["model"].(string); ok {
		effectiveModel = m
	}
	finalBody := bodyBytes
	if route.ModelRewrite != "" {
		rewritten, err := rewriteModel(bodyJSON, route.ModelRewrite)
		if err != nil {
			log.Warn("model rewrite failed, forwarding original body", "error", err)
		} else {
			finalBody = rewritten
			effectiveModel = route.ModelRewrite
		}
	}

	url := strings.TrimRight(route.ProviderURL, "/") + path
	if rawQuery != "" {
		url += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(finalBody))
	if err != nil {
		log.Warn("failed to build upstream request", "url", url, "error", err)
		writeGatewayError(w, err)
		return Outcome{StatusCode: http.StatusBadGateway, EffectiveModel: effectiveModel, ErrorKind: ErrUpstreamUnreachable}
	}
	req.Header = buildForwardingHeaders(inboundHeaders, route, len(finalBody))

	log.Debug("forwarding to provider", "url", url, "body_bytes", len(finalBody))

	resp, err := f.Client.Do(req)
	if err != nil {
		log.Warn("provider request failed", "url", url, "error", err)
		writeGatewayError(w, err)
		return Outcome{StatusCode: http.StatusBadGateway, EffectiveModel: effectiveModel, ErrorKind: ErrUpstreamUnreachable}
	}
	defer resp.Body.Close()

	log.Info("provider responded", "status", resp.StatusCode, "url", url)

	respHeaders := filterResponseHeaders(resp.Header)

	if resp.StatusCode >= 400 {
		return f.relayError(w, resp, respHeaders, effectiveModel)
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		return f.relayStream(w, resp, respHeaders, effectiveModel, bodyLen(bodyBytes))
	}
	return f.relayBuffered(w, resp, respHeaders, effectiveModel, bodyLen(bodyBytes))
}

func bodyLen(b []byte) int64 { return int64(len(b)) }

func writeGatewayError(w http.ResponseWriter, err error) {
	msg := fmt.Sprintf("provider unreachable: %v", err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(msg)))
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, msg)
}

func rewriteModel(bodyJSON map[string]any, newModel string) ([]byte, error) {
	if bodyJSON == nil {
		return nil, fmt.Errorf("no JSON body to rewrite")
	}
	clone := make(map[string]any, len(bodyJSON))
	for k, v := range bodyJSON {
		clone[k] = v
	}
	clone["model"] = newModel
	return json.Marshal(clone)
}

func buildForwardingHeaders(inbound http.Header, route router.ResolvedRoute, bodyLen int) http.Header {
	out := make(http.Header, len(inbound))
	for key, values := range inbound {
		if strings.EqualFold(key, "Host") || isHopByHop(key) {
			continue
		}
		if route.StripAuth && (strings.EqualFold(key, "Authorization") || strings.EqualFold(key, "x-api-key")) {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	if route.APIKey != "" {
		out.Set("x-api-key", route.APIKey)
	}
	if bodyLen > 0 {
		out.Set("Content-Length", strconv.Itoa(bodyLen))
	} else {
		out.Del("Content-Length")
	}
	// The provider must not compress the response: streaming passthrough
	// needs the raw bytes to scan SSE events as they arrive.
	out.Del("Accept-Encoding")
	return out
}

func filterResponseHeaders(upstream http.Header) http.Header {
	out := make(http.Header, len(upstream))
	for key, values := range upstream {
		if isHopByHop(key) || strings.EqualFold(key, "Content-Encoding") {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

func copyHeaders(w http.ResponseWriter, h http.Header) {
	dst := w.Header()
	for k, v := range h {
		dst[k] = v
	}
}

func (f *Forwarder) relayError(w http.ResponseWriter, resp *http.Response, headers http.Header, effectiveModel string) Outcome {
	capped := io.LimitReader(resp.Body, f.MaxBodySize)
	body, _ := io.ReadAll(capped)
	headers.Set("Content-Length", strconv.Itoa(len(body)))
	copyHeaders(w, headers)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	return Outcome{
		StatusCode:     resp.StatusCode,
		EffectiveModel: effectiveModel,
		ErrorKind:      ErrUpstreamStatus,
	}
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type envelope struct {
	Usage usage `json:"usage"`
}

func (f *Forwarder) relayBuffered(w http.ResponseWriter, resp *http.Response, headers http.Header, effectiveModel string, requestBodyLen int64) Outcome {
	capped := io.LimitReader(resp.Body, f.MaxBodySize)
	body, err := io.ReadAll(capped)
	if err != nil {
		log.Warn("failed reading upstream body", "error", err)
		copyHeaders(w, headers)
		w.WriteHeader(resp.StatusCode)
		return Outcome{StatusCode: resp.StatusCode, EffectiveModel: effectiveModel, ErrorKind: ErrUpstreamDecode}
	}

	var env envelope
	errKind := ErrNone
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			errKind = ErrUpstreamDecode
		}
	}

	headers.Set("Content-Length", strconv.Itoa(len(body)))
	copyHeaders(w, headers)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	return Outcome{
		StatusCode:     resp.StatusCode,
		EffectiveModel: effectiveModel,
		InputTokens:    env.Usage.InputTokens,
		OutputTokens:   env.Usage.OutputTokens,
		ErrorKind:      errKind,
	}
}

// relayStream copies the upstream body to the client chunk-by-chunk while
// feeding a copy of each chunk into an SSE scanner that extracts the
// input/output token counts carried by the Anthropic message_start and
// message_delta events.
func (f *Forwarder) relayStream(w http.ResponseWriter, resp *http.Response, headers http.Header, effectiveModel string, requestBodyLen int64) Outcome {
	copyHeaders(w, headers)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	scanner := newSSEUsageScanner()

	buf := make([]byte, 32*1024)
	errKind := ErrNone
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			scanner.Feed(chunk)
			if _, writeErr := w.Write(chunk); writeErr != nil {
				log.Warn("client disconnected mid-stream", "error", writeErr)
				errKind = ErrClientCancelled
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Warn("upstream stream read failed", "error", readErr)
				if errKind == ErrNone {
					errKind = ErrUpstreamDecode
				}
			}
			break
		}
	}

	return Outcome{
		StatusCode:     resp.StatusCode,
		EffectiveModel: effectiveModel,
		InputTokens:    scanner.InputTokens(),
		OutputTokens:   scanner.OutputTokens(),
		ErrorKind:      errKind,
	}
}
