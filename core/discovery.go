package core

// discovery.go: directory of service entries advertised by sellers.
//
// Sellers register one entry per service type. Entries may carry a TTL so
// that announcements received over the network expire unless refreshed.

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
)

// ServiceEntry is one directory registration.
type ServiceEntry struct {
	AgentID     string
	ServiceType string
	Name        string
}

// DiscoveryRegistry stores service entries from local and remote agents.
// All methods are concurrency-safe.
type DiscoveryRegistry struct {
	clk clock.Clock

	mu      sync.RWMutex
	entries map[string]*registryEntry // keyed by AgentID + "/" + ServiceType
}

type registryEntry struct {
	entry     ServiceEntry
	expiresAt time.Time // zero value means no expiry
}

// RegistryOption configures a DiscoveryRegistry.
type RegistryOption func(*DiscoveryRegistry)

// WithClock sets the clock used for TTL expiry.
func WithClock(clk clock.Clock) RegistryOption {
	return func(r *DiscoveryRegistry) { r.clk = clk }
}

// NewDiscoveryRegistry creates an empty registry.
func NewDiscoveryRegistry(opts ...RegistryOption) *DiscoveryRegistry {
	r := &DiscoveryRegistry{
		clk:     clock.New(),
		entries: make(map[string]*registryEntry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds or refreshes an entry. ttl == 0 means the entry never expires.
func (r *DiscoveryRegistry) Register(entry ServiceEntry, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = r.clk.Now().Add(ttl)
	}
	r.entries[entryKey(entry.AgentID, entry.ServiceType)] = &registryEntry{entry: entry, expiresAt: exp}
}

// RegisterAnnouncement registers the entry described by a ServiceAnnouncement.
func (r *DiscoveryRegistry) RegisterAnnouncement(msg *ServiceAnnouncement) {
	r.Register(ServiceEntry{
		AgentID:     msg.AgentID,
		ServiceType: msg.ServiceType,
		Name:        msg.Name,
	}, time.Duration(msg.TTL)*time.Second)
}

// Deregister removes an agent's entry for serviceType.
func (r *DiscoveryRegistry) Deregister(agentID, serviceType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, entryKey(agentID, serviceType))
}

// Search returns the live entries offering serviceType, ordered by agent id.
func (r *DiscoveryRegistry) Search(serviceType string) []ServiceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clk.Now()
	var out []ServiceEntry
	for _, e := range r.entries {
		if e.isExpired(now) || e.entry.ServiceType != serviceType {
			continue
		}
		out = append(out, e.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Len returns the number of live entries.
func (r *DiscoveryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clk.Now()
	n := 0
	for _, e := range r.entries {
		if !e.isExpired(now) {
			n++
		}
	}
	return n
}

// Evict removes all expired entries and returns the count removed.
func (r *DiscoveryRegistry) Evict() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	n := 0
	for k, e := range r.entries {
		if e.isExpired(now) {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// StartEvictionLoop runs a background goroutine that periodically evicts
// expired entries. Cancel ctx to stop it.
func (r *DiscoveryRegistry) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	go func() {
		t := r.clk.Ticker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if n := r.Evict(); n > 0 {
					log.Debugw("evicted expired directory entries", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// BuildAnnouncement creates a ServiceAnnouncement for entry.
func BuildAnnouncement(entry ServiceEntry, ttl time.Duration) *ServiceAnnouncement {
	return &ServiceAnnouncement{
		AgentID:     entry.AgentID,
		ServiceType: entry.ServiceType,
		Name:        entry.Name,
		Timestamp:   now(),
		TTL:         int64(ttl / time.Second),
	}
}

// ------------------------------------------------------------------ helpers

func entryKey(agentID, serviceType string) string { return agentID + "/" + serviceType }

func (e *registryEntry) isExpired(now time.Time) bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return now.After(e.expiresAt)
}
