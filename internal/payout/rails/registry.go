package rails

import (
	"strings"

	"github.com/smallbiznis/creatorledger/internal/payout/domain"
)

type Registry struct {
	rails map[string]domain.Rail
}

func NewRegistry(rails ...domain.Rail) *Registry {
	registry := &Registry{rails: map[string]domain.Rail{}}
	for _, rail := range rails {
		if rail == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(rail.Name()))
		if name == "" {
			continue
		}
		registry.rails[name] = rail
	}
	return registry
}

func (r *Registry) Get(name string) (domain.Rail, error) {
	if r == nil {
		return nil, domain.ErrUnsupportedRail
	}
	rail, ok := r.rails[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrUnsupportedRail
	}
	return rail, nil
}
