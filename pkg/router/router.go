// Package router resolves an inbound request's model name (and, for the
// auto-router path, its messages) to a concrete upstream provider.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/lkarlslund/croxy/pkg/config"
)

type RoutingMethod string

const (
	MethodPattern RoutingMethod = "pattern"
	MethodAuto    RoutingMethod = "auto"
	MethodDefault RoutingMethod = "default"
)

// ResolvedRoute is the concrete, per-request decision produced by Resolve.
type ResolvedRoute struct {
	ProviderName    string
	ProviderURL     string
	ModelRewrite    string
	StripAuth       bool
	APIKey          string
	StubCountTokens bool
	RoutingMethod   RoutingMethod
}

// Classifier is the auto-router's pluggable capability: given a set of
// named+described candidates and the inbound messages, return the chosen
// name, or "" if nothing fit or classification failed for any reason.
// Classifier must never return an error; failures resolve as "".
type Classifier interface {
	Classify(ctx context.Context, candidates []Candidate, messages []Message) string
}

// Candidate is a named route eligible for auto-routing.
type Candidate struct {
	Name        string
	Description string
}

// Message mirrors the subset of an Anthropic Messages request message
// the classifier and router need: role and flattened text content.
type Message struct {
	Role    string
	Content string
}

type Router struct {
	providers  map[string]config.Provider
	routes     []config.Route
	def        config.DefaultSection
	auto       config.AutoRouterConfig
	autoByName map[string]config.Route
	classifier Classifier
}

// New builds a Router from a loaded config snapshot. The config must
// already have passed config.ServerConfig.Validate(); New does not
// re-validate, it only indexes.
func New(cfg config.ServerConfig, classifier Classifier) *Router {
	r := &Router{
		providers:  cfg.Providers,
		routes:     cfg.Routes,
		def:        cfg.Default,
		auto:       cfg.AutoRouter,
		autoByName: map[string]config.Route{},
		classifier: classifier,
	}
	for _, rt := range cfg.Routes {
		if strings.TrimSpace(rt.Description) != "" && strings.TrimSpace(rt.Name) != "" {
			r.autoByName[rt.Name] = rt
		}
	}
	return r
}

// Resolve implements the three-step algorithm: auto-router (when
// applicable), then first-match pattern scan, then default.
func (r *Router) Resolve(ctx context.Context, model string, messages []Message) (ResolvedRoute, error) {
	if model == "auto" && r.auto.Enabled && len(r.autoByName) > 0 && len(messages) > 0 {
		if name := r.invokeClassifier(ctx, messages); name != "" {
			if rt, ok := r.autoByName[name]; ok {
				return r.resolveFromRoute(rt, MethodAuto)
			}
		}
	}

	for _, rt := range r.routes {
		re := rt.Compiled()
		if re == nil {
			continue
		}
		if re.MatchString(model) {
			return r.resolveFromRoute(rt, MethodPattern)
		}
	}

	return r.resolveDefault()
}

func (r *Router) invokeClassifier(ctx context.Context, messages []Message) string {
	if r.classifier == nil {
		return ""
	}
	candidates := make([]Candidate, 0, len(r.autoByName))
	for _, rt := range r.routes {
		if strings.TrimSpace(rt.Description) == "" || strings.TrimSpace(rt.Name) == "" {
			continue
		}
		candidates = append(candidates, Candidate{Name: rt.Name, Description: rt.Description})
	}
	if len(candidates) == 0 {
		return ""
	}
	return r.classifier.Classify(ctx, candidates, messages)
}

func (r *Router) resolveFromRoute(rt config.Route, method RoutingMethod) (ResolvedRoute, error) {
	p, ok := r.providers[rt.Provider]
	if !ok {
		return ResolvedRoute{}, fmt.Errorf("no_provider: route references undeclared provider %q", rt.Provider)
	}
	return ResolvedRoute{
		ProviderName:    rt.Provider,
		ProviderURL:     p.URL,
		ModelRewrite:    rt.ModelRewrite,
		StripAuth:       p.StripAuth,
		APIKey:          p.APIKey,
		StubCountTokens: p.StubCountTokens,
		RoutingMethod:   method,
	}, nil
}

func (r *Router) resolveDefault() (ResolvedRoute, error) {
	name := strings.TrimSpace(r.def.Provider)
	if name == "" {
		return ResolvedRoute{}, fmt.Errorf("no_provider: no default provider configured")
	}
	p, ok := r.providers[name]
	if !ok {
		return ResolvedRoute{}, fmt.Errorf("no_provider: default provider %q not declared", name)
	}
	return ResolvedRoute{
		ProviderName:    name,
		ProviderURL:     p.URL,
		StripAuth:       p.StripAuth,
		APIKey:          p.APIKey,
		StubCountTokens: p.StubCountTokens,
		RoutingMethod:   MethodDefault,
	}, nil
}
