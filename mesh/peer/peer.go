// Package peer holds the membership state of the mesh: one record per known
// remote node, kept in a concurrency-safe in-memory registry.
package peer

import (
	"slices"
	"time"
)

// Record is everything known about one remote node. Discovery owns Address,
// Port and Capabilities; heartbeat receipt owns LastHeartbeat, MessageTypes
// and ProtocolVersion, which stay zero until the first heartbeat arrives.
// Both sources bump LastSeen.
type Record struct {
	ID           string
	Address      string
	Port         int
	Capabilities []string
	LastSeen     time.Time

	LastHeartbeat   time.Time
	MessageTypes    []string
	ProtocolVersion string
}

// HasCapabilities reports whether the record advertises every tag in
// required. An empty requirement matches any record.
func (r *Record) HasCapabilities(required []string) bool {
	for _, want := range required {
		if !slices.Contains(r.Capabilities, want) {
			return false
		}
	}
	return true
}

// clone returns an independent copy, so registry readers never share slices
// with the stored record.
func (r *Record) clone() Record {
	c := *r
	c.Capabilities = slices.Clone(r.Capabilities)
	c.MessageTypes = slices.Clone(r.MessageTypes)
	return c
}
