package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Registry tracks live sessions by ID. A session that is not touched for
// the TTL is closed and forgotten.
type Registry struct {
	cache *cache.Cache
	deps  Deps
}

func NewRegistry(ttl time.Duration, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	cleanup := ttl / 2
	if ttl <= 0 {
		ttl = cache.NoExpiration
		cleanup = 0
	}

	r := &Registry{
		cache: cache.New(ttl, cleanup),
		deps:  deps,
	}
	r.cache.OnEvicted(func(id string, v interface{}) {
		s, ok := v.(*Session)
		if !ok {
			return
		}
		if err := s.Close(context.Background()); err != nil {
			deps.Logger.Warn("failed to close session", zap.String("session", id), zap.Error(err))
			return
		}
		deps.Logger.Debug("session closed", zap.String("session", id))
	})
	return r
}

// Create starts a new, empty session.
func (r *Registry) Create() *Session {
	s := New(uuid.NewString(), r.deps)
	r.cache.SetDefault(s.ID(), s)
	return s
}

// Get returns the session and extends its lifetime.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	s := v.(*Session)
	r.cache.SetDefault(id, s)
	return s, true
}

// Delete closes the session now.
func (r *Registry) Delete(id string) {
	r.cache.Delete(id)
}

func (r *Registry) Len() int {
	return r.cache.ItemCount()
}

// SharedTable puts every session in the same table.
func SharedTable(table string) func(string) string {
	return func(string) string { return table }
}

// IsolatedTable gives each session its own table derived from its ID.
func IsolatedTable(prefix string) func(string) string {
	return func(id string) string {
		suffix := strings.ReplaceAll(id, "-", "")
		if len(suffix) > 12 {
			suffix = suffix[:12]
		}
		return prefix + "_" + strings.ToLower(suffix)
	}
}
