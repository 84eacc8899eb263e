package room

import (
	"context"
	"sync"
)

// A Resolver owns one kind of anchoring object. It returns the display name of the room and the
// ids of the users that belong to it, or types.ErrNotFound.
type Resolver interface {
	Resolve(ctx context.Context, pk uint) (name string, memberIDs []uint, err error)
}

type ResolverFunc func(ctx context.Context, pk uint) (string, []uint, error)

func (f ResolverFunc) Resolve(ctx context.Context, pk uint) (string, []uint, error) {
	return f(ctx, pk)
}

// Registry maps model tokens (the <model> part of <model>-<pk> keys) to resolvers. It is
// populated at startup by the embedding program.
type Registry struct {
	resolvers map[string]Resolver
	sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

// Register adds or replaces the resolver for token.
func (r *Registry) Register(token string, resolver Resolver) {
	r.Lock()
	defer r.Unlock()
	r.resolvers[token] = resolver
}

func (r *Registry) Lookup(token string) (Resolver, bool) {
	r.RLock()
	defer r.RUnlock()
	resolver, ok := r.resolvers[token]
	return resolver, ok
}
