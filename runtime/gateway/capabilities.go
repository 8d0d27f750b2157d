package gateway

import (
	"context"
	"fmt"
	"sync"
)

// StaticCapabilities is a CapabilityResolver backed by a fixed table. It
// serves deployments whose provider fleet is configuration-driven; dynamic
// control planes implement CapabilityResolver directly.
type StaticCapabilities struct {
	mu        sync.RWMutex
	providers map[string]providerEntry
}

type providerEntry struct {
	caps   Capabilities
	models map[string]struct{}
}

// NewStaticCapabilities returns an empty resolver. Providers registered
// with no models allow every model.
func NewStaticCapabilities() *StaticCapabilities {
	return &StaticCapabilities{providers: make(map[string]providerEntry)}
}

// Register declares a provider with its capability set and allowed models.
// Registering the same provider again replaces the earlier entry.
func (s *StaticCapabilities) Register(providerID string, caps Capabilities, models ...string) {
	entry := providerEntry{caps: caps}
	if len(models) > 0 {
		entry.models = make(map[string]struct{}, len(models))
		for _, m := range models {
			entry.models[m] = struct{}{}
		}
	}
	s.mu.Lock()
	s.providers[providerID] = entry
	s.mu.Unlock()
}

// Capabilities returns the provider's registered capability set.
func (s *StaticCapabilities) Capabilities(_ context.Context, providerID string) (*Capabilities, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("gateway: provider %q not registered", providerID)
	}
	caps := entry.caps
	return &caps, nil
}

// IsModelAllowed reports whether the provider may serve the model. Unknown
// providers fail; providers registered without a model list allow all.
func (s *StaticCapabilities) IsModelAllowed(_ context.Context, providerID, modelID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.providers[providerID]
	if !ok {
		return false, fmt.Errorf("gateway: provider %q not registered", providerID)
	}
	if entry.models == nil {
		return true, nil
	}
	_, allowed := entry.models[modelID]
	return allowed, nil
}
