package peer

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

// Fields carries the partial update of one Upsert. Zero-valued fields are
// left untouched in the stored record, so discovery and heartbeat can each
// merge only the fields they own.
type Fields struct {
	Address         string
	Port            int
	Capabilities    []string
	LastHeartbeat   time.Time
	MessageTypes    []string
	ProtocolVersion string
}

// Registry is the concurrent membership table. All methods are safe for
// arbitrary interleaving of readers and writers; none performs I/O or blocks
// beyond the internal lock. Writers replace whole records, so a reader never
// observes a partially-written one.
type Registry struct {
	selfID string
	clock  clock.Clock

	mu    sync.RWMutex
	peers map[string]*Record
}

// NewRegistry creates an empty registry. Records for selfID are silently
// refused, which keeps the local node out of its own membership table at the
// single point where records enter. clk is the time source for LastSeen and
// staleness; pass clock.New() outside of tests.
func NewRegistry(selfID string, clk clock.Clock) *Registry {
	return &Registry{
		selfID: selfID,
		clock:  clk,
		peers:  make(map[string]*Record),
	}
}

// Upsert inserts or merges fields into the peer's record and bumps its
// LastSeen. Empty ids and the local node's own id are no-ops.
func (r *Registry) Upsert(id string, f Fields) {
	if id == "" || id == r.selfID {
		return
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.peers[id]
	var rec Record
	if ok {
		rec = *old
	} else {
		rec = Record{ID: id}
	}

	if f.Address != "" {
		rec.Address = f.Address
	}
	if f.Port != 0 {
		rec.Port = f.Port
	}
	if f.Capabilities != nil {
		rec.Capabilities = slices.Clone(f.Capabilities)
	}
	if !f.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = f.LastHeartbeat
	}
	if f.MessageTypes != nil {
		rec.MessageTypes = slices.Clone(f.MessageTypes)
	}
	if f.ProtocolVersion != "" {
		rec.ProtocolVersion = f.ProtocolVersion
	}
	rec.LastSeen = now

	// Store a fresh record value; copies handed out earlier stay untouched.
	r.peers[id] = &rec
}

// Get returns a copy of the peer's record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.peers[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// All returns copies of every record, sorted by id.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec.clone())
	}
	slices.SortFunc(out, func(a, b Record) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Evict removes the peer and reports whether it was present.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.peers[id]
	delete(r.peers, id)
	return ok
}

// EvictStale removes every peer whose LastSeen is older than maxAge in one
// atomic sweep and returns the evicted records.
func (r *Registry) EvictStale(maxAge time.Duration) []Record {
	cutoff := r.clock.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Record
	for id, rec := range r.peers {
		if rec.LastSeen.Before(cutoff) {
			evicted = append(evicted, rec.clone())
			delete(r.peers, id)
		}
	}
	return evicted
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Clear drops all membership state.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.peers) > 0 {
		log.Debugf("registry: clearing %d peers", len(r.peers))
	}
	r.peers = make(map[string]*Record)
}
