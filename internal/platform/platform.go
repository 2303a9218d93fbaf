package platform

import (
	"context"
	"sort"

	"uk.co.dudmesh.crosspost/internal/model"
)

const (
	Twitter   = "twitter"
	Instagram = "instagram"
	Bluesky   = "bluesky"
	Propolis  = "propolis"
)

// Capability publishes a post to one destination. A returned error is
// reported as that destination's failure and never affects other
// destinations.
type Capability interface {
	Publish(ctx context.Context, post *model.Post) (*model.TargetResult, error)
}

type CapabilityFunc func(ctx context.Context, post *model.Post) (*model.TargetResult, error)

func (f CapabilityFunc) Publish(ctx context.Context, post *model.Post) (*model.TargetResult, error) {
	return f(ctx, post)
}

// Registry maps platform identifiers to capabilities. Registration happens
// while the process boots; lookups afterwards are read only.
type Registry struct {
	capabilities map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

func (r *Registry) Register(id string, c Capability) {
	r.capabilities[id] = c
}

func (r *Registry) Lookup(id string) (Capability, bool) {
	c, ok := r.capabilities[id]
	return c, ok
}

func (r *Registry) Platforms() []string {
	ids := make([]string, 0, len(r.capabilities))
	for id := range r.capabilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
