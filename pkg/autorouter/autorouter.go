// Package autorouter implements the classifier-based route selection
// described by the Arch-Router prompt family: given a set of named,
// described routes and a conversation, ask a small LLM which route best
// matches the user's latest intent.
package autorouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/croxy/pkg/router"
)

const taskInstruction = `You are a helpful assistant designed to find the best suited route.
You are provided with route description within <routes></routes> XML tags:
<routes>

%s

</routes>

<conversation>

%s

</conversation>
`

const formatPrompt = `Your task is to decide which route is best suit with user intent on the conversation in <conversation></conversation> XML tags.  Follow the instruction:
1. If the latest intent from user is irrelevant or user intent is full filled, response with other route {"route": "other"}.
2. You must analyze the route descriptions and find the best match route for user latest intent.
3. You only response the name of the route that best matches the user's request, use the exact name in the <routes></routes>.

Based on your analysis, provide your response in the following JSON formats if you decide to match any route:
{"route": "route_name"}
`

var routeRegex = regexp.MustCompile(`\{"route"\s*:\s*"([^"]+)"\}`)

// Classifier is a router.Classifier backed by an OpenAI-style chat
// completions endpoint.
type Classifier struct {
	URL       string
	Model     string
	TimeoutMs int
	client    *http.Client
}

func New(url, model string, timeoutMs int) *Classifier {
	return &Classifier{
		URL:       url,
		Model:     model,
		TimeoutMs: timeoutMs,
		client:    &http.Client{},
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify implements router.Classifier. It never returns an error;
// every failure mode logs a warning and returns "".
func (c *Classifier) Classify(ctx context.Context, candidates []router.Candidate, messages []router.Message) string {
	if len(candidates) == 0 || len(messages) == 0 {
		return ""
	}

	prompt := buildPrompt(candidates, messages)
	validNames := make(map[string]struct{}, len(candidates))
	for _, cand := range candidates {
		validNames[cand.Name] = struct{}{}
	}

	log.Info("auto-routing request via Arch-Router", "route_count", len(candidates), "model", c.Model)

	body := chatRequest{
		Model:       c.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   64,
		Temperature: 0,
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		log.Warn("auto-router request encode failed, falling through to default", "error", err)
		return ""
	}

	timeout := time.Duration(c.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		log.Warn("auto-router request build failed, falling through to default", "error", err)
		return ""
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warn("auto-router request failed, falling through to default", "error", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("auto-router returned error status, falling through to default", "status", resp.StatusCode)
		return ""
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		log.Warn("auto-router response parse failed, falling through to default", "error", err)
		return ""
	}
	if len(chat.Choices) == 0 {
		log.Warn("auto-router returned empty choices, falling through to default")
		return ""
	}

	content := chat.Choices[0].Message.Content
	name := parseRouteName(content, validNames)
	if name == "" {
		truncated := content
		if len(truncated) > 64 {
			truncated = truncated[:64]
		}
		log.Warn("auto-router returned no match, falling through to default", "response", truncated)
		return ""
	}
	log.Info("auto-router selected route", "route", name)
	return name
}

func buildPrompt(candidates []router.Candidate, messages []router.Message) string {
	type routeDef struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	defs := make([]routeDef, 0, len(candidates))
	for _, c := range candidates {
		defs = append(defs, routeDef{Name: c.Name, Description: c.Description})
	}
	routesJSON, _ := json.Marshal(defs)

	type convMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	nonSystem := make([]convMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		nonSystem = append(nonSystem, convMessage{Role: m.Role, Content: m.Content})
	}
	convJSON, _ := json.Marshal(nonSystem)

	return fmt.Sprintf(taskInstruction, string(routesJSON), string(convJSON)) + formatPrompt
}

func parseRouteName(text string, validNames map[string]struct{}) string {
	trimmed := strings.TrimSpace(text)
	var decoded struct {
		Route string `json:"route"`
	}
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil && decoded.Route != "" {
		if decoded.Route != "other" {
			if _, ok := validNames[decoded.Route]; ok {
				return decoded.Route
			}
		}
		return ""
	}

	m := routeRegex.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	name := m[1]
	if name == "other" {
		return ""
	}
	if _, ok := validNames[name]; !ok {
		return ""
	}
	return name
}
