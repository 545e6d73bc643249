package adapters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/creatorledger/internal/payment/domain"
)

// Registry maps cash rail names to the factories that build their webhook
// adapters. Token purchases never pass through a rail, so the token gateway
// name is reserved.
type Registry struct {
	factories map[string]domain.AdapterFactory
	names     []string
}

// NewRegistry panics on a duplicate or reserved rail name; both are wiring
// mistakes caught at startup.
func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]domain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		name := Normalize(factory.Provider())
		switch {
		case name == "":
			continue
		case name == domain.TokenGateway:
			panic(fmt.Sprintf("payment rail name %q is reserved", name))
		}
		if _, dup := registry.factories[name]; dup {
			panic(fmt.Sprintf("payment rail %q registered twice", name))
		}
		registry.factories[name] = factory
		registry.names = append(registry.names, name)
	}
	sort.Strings(registry.names)
	return registry
}

// Normalize folds a rail name from a URL path or admin request into the
// registry key form.
func Normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Resolve returns the registry key for provider, or ErrInvalidProvider when no
// rail of that name is wired.
func (r *Registry) Resolve(provider string) (string, error) {
	name := Normalize(provider)
	if r == nil || name == "" {
		return "", domain.ErrInvalidProvider
	}
	if _, ok := r.factories[name]; !ok {
		return "", domain.ErrInvalidProvider
	}
	return name, nil
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.Resolve(provider)
	return err == nil
}

// Providers lists the wired rails in name order.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	factory, ok := r.factories[Normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}
