// Package registry implements the capability registry: membership of tool
// providers by liveness, self-registration, and a periodic health monitor.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Provider statuses.
const (
	StatusHealthy = "healthy"
	StatusUnknown = "unknown"
)

// Provider is one registered tool-provider instance. Static providers come
// from configuration and are never removed by the health monitor; dynamic
// providers are deleted when a probe fails.
type Provider struct {
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	LastSeen time.Time `json:"last_seen"`
	Status   string    `json:"status"`
	IsStatic bool      `json:"is_static"`
}

// StaticService is one entry of the MCP_SERVICES seed list.
type StaticService struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ParseStaticServices decodes the MCP_SERVICES environment value, a JSON
// array of {name, url}. An empty value yields no services.
func ParseStaticServices(raw string) ([]StaticService, error) {
	if raw == "" {
		return nil, nil
	}
	var services []StaticService
	if err := json.Unmarshal([]byte(raw), &services); err != nil {
		return nil, fmt.Errorf("parse MCP_SERVICES: %w", err)
	}
	for _, s := range services {
		if s.Name == "" || s.URL == "" {
			return nil, fmt.Errorf("parse MCP_SERVICES: entry missing name or url")
		}
	}
	return services, nil
}

// Store holds the provider membership, keyed by URL so the registry contains
// exactly one record per endpoint.
type Store struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{providers: make(map[string]*Provider)}
}

// Seed loads static providers at startup with status unknown until the first
// probe. Existing entries for the same URL are promoted to static.
func (s *Store) Seed(services []StaticService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range services {
		if p, ok := s.providers[svc.URL]; ok {
			p.IsStatic = true
			p.Name = svc.Name
			continue
		}
		s.providers[svc.URL] = &Provider{
			Name:     svc.Name,
			URL:      svc.URL,
			LastSeen: time.Now().UTC(),
			Status:   StatusUnknown,
			IsStatic: true,
		}
	}
}

// Register upserts a provider by URL, marks it healthy, and refreshes
// last_seen. Registration never demotes a static provider to dynamic.
func (s *Store) Register(name, url string) Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[url]
	if !ok {
		p = &Provider{URL: url}
		s.providers[url] = p
	}
	p.Name = name
	p.Status = StatusHealthy
	p.LastSeen = time.Now().UTC()
	return *p
}

// List returns a snapshot of the membership, sorted by name then URL for
// stable output.
func (s *Store) List() []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// MarkHealthy records a successful probe.
func (s *Store) MarkHealthy(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[url]; ok {
		p.Status = StatusHealthy
		p.LastSeen = time.Now().UTC()
	}
}

// MarkUnhealthy records a failed probe. Dynamic providers are removed;
// static providers keep their record with the failure status.
func (s *Store) MarkUnhealthy(url, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[url]
	if !ok {
		return
	}
	if !p.IsStatic {
		delete(s.providers, url)
		return
	}
	p.Status = status
}
