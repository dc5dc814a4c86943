// Package mapping holds the center server's domain/name -> route table
// (spec.md §4.6). A tunnel's Mapping frame replaces the whole set of routes
// it owns; lookups from unrelated inbound connections read a snapshot.
package mapping

import (
	"sync"

	"github.com/wmproxy/wmproxy/internal/frame"
)

// Route is one resolved mapping entry plus the tunnel it belongs to, keyed
// by ownerID so a later Mapping frame from the same tunnel can atomically
// replace only that tunnel's routes (spec.md §4.6: "last write wins, scoped
// per owning tunnel").
type Route struct {
	Entry   frame.MappingEntry
	OwnerID uint64
}

// Registry is a concurrent-safe route table. The zero value is not usable;
// use New. Registry is safe for one writer task per owner plus many
// concurrent readers, mirroring the sync.Map-based registries the rest of
// the pack builds NAT/session tables on.
type Registry struct {
	mu       sync.RWMutex
	byDomain map[string]Route
	byName   map[string]Route
	owners   map[uint64][]string // domain/name keys last written by an owner, for replacement
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byDomain: make(map[string]Route),
		byName:   make(map[string]Route),
		owners:   make(map[uint64][]string),
	}
}

// Replace installs the full set of entries owned by ownerID, removing any
// routes that owner previously registered but did not resubmit. This is the
// effect of a tunnel sending a new Mapping frame (spec.md §4.6).
func (r *Registry) Replace(ownerID uint64, entries []frame.MappingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.owners[ownerID] {
		delete(r.byDomain, key)
		delete(r.byName, key)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		rt := Route{Entry: e, OwnerID: ownerID}
		if e.Domain != "" {
			r.byDomain[e.Domain] = rt
			keys = append(keys, e.Domain)
		}
		if e.Name != "" {
			r.byName[e.Name] = rt
			keys = append(keys, e.Name)
		}
	}
	r.owners[ownerID] = keys
}

// RemoveOwner drops every route owned by ownerID, used when a tunnel
// disconnects.
func (r *Registry) RemoveOwner(ownerID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.owners[ownerID] {
		delete(r.byDomain, key)
		delete(r.byName, key)
	}
	delete(r.owners, ownerID)
}

// Lookup resolves host (a Host header, SNI name, or mapping name) to a
// Route, checking domain first and falling back to name (spec.md §4.6:
// "match by domain, falling back to mapping name").
func (r *Registry) Lookup(host string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.byDomain[host]; ok {
		return rt, true
	}
	rt, ok := r.byName[host]
	return rt, ok
}

// Snapshot returns a point-in-time copy of all routes, for callers (such as
// the control plane's status output) that must not hold the registry lock
// while doing further work.
func (r *Registry) Snapshot() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.byDomain))
	seen := make(map[string]struct{}, len(r.byDomain))
	for _, rt := range r.byDomain {
		if _, dup := seen[rt.Entry.Name]; dup {
			continue
		}
		seen[rt.Entry.Name] = struct{}{}
		out = append(out, rt)
	}
	for _, rt := range r.byName {
		if _, dup := seen[rt.Entry.Name]; dup {
			continue
		}
		seen[rt.Entry.Name] = struct{}{}
		out = append(out, rt)
	}
	return out
}
