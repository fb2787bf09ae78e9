package registry

import "errors"

// ErrRegistryFull is returned by Add when the registry is at capacity and
// requestID is not already present, mirroring
// async_response_registry_add's -2 "registry full" return. The dispatcher
// translates this into a JSON-RPC Internal error, per spec.md §4.5.
var ErrRegistryFull = errors.New("registry: full")

// ErrEntryNotFound is returned by Poll when requestID has never been added,
// or was swept after expiring.
var ErrEntryNotFound = errors.New("registry: entry not found")

// ErrStaleEntry is returned by Poll when requestID exists but has since been
// overwritten by a duplicate Add (SPEC_FULL.md §9 item 1): the caller is
// polling on behalf of a generation that is no longer the current one, and
// must stop waiting rather than eventually deliver the wrong generation's
// result to a connection that asked for the earlier one.
var ErrStaleEntry = errors.New("registry: entry overwritten by a newer generation")
