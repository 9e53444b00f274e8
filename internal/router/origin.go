package router

import (
	"strings"
	"sync"

	"github.com/basket/taskrelay/internal/safety"
	"github.com/basket/taskrelay/internal/shared"
)

// OriginPolicy is the allow-list checked for HTTP and websocket calls. An
// empty list rejects everything.
type OriginPolicy struct {
	mu      sync.RWMutex
	origins map[string]struct{}
}

func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{}
	p.Set(origins)
	return p
}

// Set replaces the allow-list. Used on config reload.
func (p *OriginPolicy) Set(origins []string) {
	next := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if n := normalizeOrigin(o); n != "" {
			next[n] = struct{}{}
		}
	}
	p.mu.Lock()
	p.origins = next
	p.mu.Unlock()
}

// Origins returns the allow-list in no particular order.
func (p *OriginPolicy) Origins() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.origins))
	for o := range p.origins {
		out = append(out, o)
	}
	return out
}

func (p *OriginPolicy) Allowed(origin string) bool {
	n := normalizeOrigin(origin)
	if n == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.origins[n]
	return ok
}

// Check passes local stdio calls unconditionally. Network transports need
// a configured allow-list and a present, listed Origin header.
func (p *OriginPolicy) Check(transport, origin string) error {
	if transport == TransportStdio {
		return nil
	}
	if p == nil || len(p.Origins()) == 0 {
		return originError("no allowed origins are configured", origin)
	}
	if strings.TrimSpace(origin) == "" {
		return originError("Origin header is required", origin)
	}
	if !p.Allowed(origin) {
		return originError("origin is not allowed", origin)
	}
	return nil
}

func originError(msg, origin string) error {
	return shared.NewValidationError(component, "CheckOrigin", msg, map[string]any{
		"boundary": "origin",
		"origin":   safety.SanitizeForMessage(origin, safety.DefaultMessageLimit),
	})
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}
