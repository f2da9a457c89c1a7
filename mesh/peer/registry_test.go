package peer

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *clock.Mock) {
	mock := clock.NewMock()
	return NewRegistry("self", mock), mock
}

func TestUpsertMergesFields(t *testing.T) {
	r, mock := newTestRegistry()

	// Discovery populates the contact point.
	r.Upsert("n1", Fields{Address: "10.0.0.1", Port: 5000, Capabilities: []string{"storage"}})

	mock.Add(time.Second)

	// Heartbeat merges its own fields without clobbering discovery's.
	r.Upsert("n1", Fields{LastHeartbeat: mock.Now(), MessageTypes: []string{"metrics"}, ProtocolVersion: "1.0"})

	rec, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", rec.Address)
	assert.Equal(t, 5000, rec.Port)
	assert.Equal(t, []string{"storage"}, rec.Capabilities)
	assert.Equal(t, []string{"metrics"}, rec.MessageTypes)
	assert.Equal(t, "1.0", rec.ProtocolVersion)
	assert.Equal(t, mock.Now(), rec.LastSeen)
	assert.Equal(t, 1, r.Len())
}

func TestUpsertFiltersSelfAndEmpty(t *testing.T) {
	r, _ := newTestRegistry()

	r.Upsert("self", Fields{Address: "10.0.0.1"})
	r.Upsert("", Fields{Address: "10.0.0.2"})

	assert.Equal(t, 0, r.Len())
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	r, _ := newTestRegistry()
	r.Upsert("n1", Fields{Capabilities: []string{"storage"}})

	rec, ok := r.Get("n1")
	require.True(t, ok)
	rec.Capabilities[0] = "mutated"

	again, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, []string{"storage"}, again.Capabilities)
}

func TestAllSortedByID(t *testing.T) {
	r, _ := newTestRegistry()
	r.Upsert("n3", Fields{})
	r.Upsert("n1", Fields{})
	r.Upsert("n2", Fields{})

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "n1", all[0].ID)
	assert.Equal(t, "n2", all[1].ID)
	assert.Equal(t, "n3", all[2].ID)
}

func TestHeartbeatIdempotence(t *testing.T) {
	r, mock := newTestRegistry()

	var prev time.Time
	for i := 0; i < 5; i++ {
		r.Upsert("n1", Fields{LastHeartbeat: mock.Now()})

		rec, ok := r.Get("n1")
		require.True(t, ok)
		assert.False(t, rec.LastSeen.Before(prev), "LastSeen went backwards")
		prev = rec.LastSeen

		mock.Add(time.Second)
	}

	// Repeated heartbeats never create duplicates.
	assert.Equal(t, 1, r.Len())
}

func TestEvictStaleThreshold(t *testing.T) {
	const interval = 10 * time.Second

	r, mock := newTestRegistry()

	r.Upsert("old", Fields{})
	mock.Add(95 * time.Second) // "old" is now 95s stale
	r.Upsert("fresh", Fields{})
	mock.Add(5 * time.Second) // old: 100s, fresh: 5s

	evicted := r.EvictStale(3 * interval)
	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].ID)

	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}

func TestEvict(t *testing.T) {
	r, _ := newTestRegistry()
	r.Upsert("n1", Fields{})

	assert.True(t, r.Evict("n1"))
	assert.False(t, r.Evict("n1"))
	assert.Equal(t, 0, r.Len())
}

func TestClear(t *testing.T) {
	r, _ := newTestRegistry()
	r.Upsert("n1", Fields{})
	r.Upsert("n2", Fields{})

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.All())
}

// TestConcurrentUpsertEvict hammers the registry from many goroutines with a
// randomized mix of upserts and evictions and checks that the surviving set
// is exactly the ids whose last operation was an upsert, with no duplicate or
// torn entries.
func TestConcurrentUpsertEvict(t *testing.T) {
	r := NewRegistry("self", clock.New())

	const (
		workers = 16
		ids     = 32
		rounds  = 500
	)

	// lastOp[w][id] records the final operation each worker performed on each
	// id; since workers own disjoint id ranges there is exactly one writer
	// per id and the expected final state is well defined.
	lastOp := make([][]bool, workers) // true = upsert was last

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lastOp[w] = make([]bool, ids)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < rounds; i++ {
				id := rng.Intn(ids)
				key := fmt.Sprintf("w%d-n%d", w, id)
				if rng.Intn(2) == 0 {
					r.Upsert(key, Fields{Address: "10.0.0.1", Capabilities: []string{"a", "b"}})
					lastOp[w][id] = true
				} else {
					r.Evict(key)
					lastOp[w][id] = false
				}

				// Concurrent snapshot reads must never observe torn records.
				if rng.Intn(10) == 0 {
					for _, rec := range r.All() {
						if rec.Address != "" && rec.Address != "10.0.0.1" {
							t.Errorf("torn record: %+v", rec)
						}
					}
				}
			}
		}(w)
	}
	wg.Wait()

	want := make(map[string]bool)
	for w := 0; w < workers; w++ {
		for id := 0; id < ids; id++ {
			if lastOp[w][id] {
				want[fmt.Sprintf("w%d-n%d", w, id)] = true
			}
		}
	}

	all := r.All()
	require.Equal(t, len(want), len(all))
	seen := make(map[string]bool)
	for _, rec := range all {
		assert.True(t, want[rec.ID], "unexpected survivor %s", rec.ID)
		assert.False(t, seen[rec.ID], "duplicate entry %s", rec.ID)
		seen[rec.ID] = true
	}
}

func TestHasCapabilities(t *testing.T) {
	rec := Record{Capabilities: []string{"storage", "compute"}}

	assert.True(t, rec.HasCapabilities(nil))
	assert.True(t, rec.HasCapabilities([]string{"storage"}))
	assert.True(t, rec.HasCapabilities([]string{"storage", "compute"}))
	assert.False(t, rec.HasCapabilities([]string{"storage", "gpu"}))
}
