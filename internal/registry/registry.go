// Package registry correlates asynchronous accelerator completions with
// the connection that originated them, grounded on original_source's
// async_response.c (spec.md §4.5).
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Entry is one pending or completed async response.
type Entry struct {
	RequestID      string
	TransportIndex int
	ConnectionID   string

	Completed bool
	IsError   bool
	Result    json.RawMessage

	StartedAt   time.Time
	CompletedAt time.Time
	ExpiresAt   time.Time

	// generation counts how many times this slot has been overwritten by
	// a duplicate Add for the same request id, per SPEC_FULL.md §9's
	// resolution of the duplicate-add Open Question: overwrite wins, but
	// the generation counter lets a caller detect it raced a retry.
	generation int
}

// Registry is the bounded, TTL-expiring table of async responses.
type Registry struct {
	capacity      int
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu           sync.Mutex
	entries      map[string]*Entry
	lastSweep    time.Time
}

// New creates a Registry with the given capacity, entry TTL, and minimum
// interval between sweeps.
func New(capacity int, ttl, sweepInterval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 100
	}
	return &Registry{
		capacity:      capacity,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		logger:        logger,
		entries:       make(map[string]*Entry),
		lastSweep:     time.Now(),
	}
}

// Add creates (or, for a duplicate request id, overwrites) an entry,
// returning the generation the caller's entry was created at so it can
// later Poll against that exact generation rather than whatever overwrote
// it. It returns ErrRegistryFull if the registry is full and requestID
// is not already present — matching async_response_registry_add's
// "registry full" rejection.
func (r *Registry) Add(requestID string, transportIndex int, connectionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	if existing, ok := r.entries[requestID]; ok {
		gen := existing.generation + 1
		r.logger.Warn("registry: duplicate add overwrites existing entry", "request_id", requestID, "generation", gen)
		r.entries[requestID] = &Entry{
			RequestID:      requestID,
			TransportIndex: transportIndex,
			ConnectionID:   connectionID,
			StartedAt:      time.Now(),
			ExpiresAt:      time.Now().Add(r.ttl),
			generation:     gen,
		}
		return gen, nil
	}

	if len(r.entries) >= r.capacity {
		return 0, ErrRegistryFull
	}

	r.entries[requestID] = &Entry{
		RequestID:      requestID,
		TransportIndex: transportIndex,
		ConnectionID:   connectionID,
		StartedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(r.ttl),
	}
	return 0, nil
}

// Complete records a result for requestID, marking it completed. A no-op
// (with a log line) if the entry already expired or was never added.
func (r *Registry) Complete(requestID string, result json.RawMessage, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		r.logger.Warn("registry: complete for unknown or expired request", "request_id", requestID)
		return
	}
	e.Completed = true
	e.IsError = isError
	e.Result = result
	e.CompletedAt = time.Now()
}

// Poll returns the entry for requestID at the given generation (the value
// Add returned when the caller's entry was created), running an
// opportunistic sweep first (async_response_registry_find's "periodic
// cleanup" behaviour). It returns ErrEntryNotFound if the entry was never
// added or has since been swept, and ErrStaleEntry if a duplicate Add has
// overwritten it with a newer generation — the caller raced a retry and
// should stop polling rather than eventually deliver someone else's result.
func (r *Registry) Poll(requestID string, generation int) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	e, ok := r.entries[requestID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	if e.generation != generation {
		return Entry{}, ErrStaleEntry
	}
	return *e, nil
}

// Remove deletes an entry outright, e.g. once a transport has consumed its
// terminal result.
func (r *Registry) Remove(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, requestID)
}

// sweepLocked frees expired entries, at most once per sweepInterval. Must
// be called with mu held.
func (r *Registry) sweepLocked() {
	now := time.Now()
	if now.Sub(r.lastSweep) < r.sweepInterval {
		return
	}
	r.lastSweep = now

	cleaned := 0
	for id, e := range r.entries {
		if now.After(e.ExpiresAt) {
			delete(r.entries, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		r.logger.Debug("registry: swept expired entries", "count", cleaned, "remaining", len(r.entries))
	}
}

// Stats mirrors async_response_registry_print_stats's breakdown.
type Stats struct {
	Active    int
	Capacity  int
	Completed int
	Pending   int
	Errors    int
}

// Stats snapshots the registry's occupancy and completion breakdown.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Active: len(r.entries), Capacity: r.capacity}
	for _, e := range r.entries {
		switch {
		case !e.Completed:
			st.Pending++
		case e.IsError:
			st.Errors++
		default:
			st.Completed++
		}
	}
	return st
}
