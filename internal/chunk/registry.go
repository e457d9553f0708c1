// Package chunk partitions the record set into fixed-size chunks and
// assigns each chunk to a set of replicas.
package chunk

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// Assignment describes one chunk: the keys it holds, in insertion order,
// and the replicas that store it.
//
// Thread Safety:
// The registry only hands out copies, so an Assignment can be read and
// modified freely by the caller.
//
// Example:
//
//	Assignment{
//	    ChunkID:  0,
//	    Keys:     []string{"23102A0055", "23102A0056"},
//	    Replicas: []string{"R1", "R2"},
//	}
type Assignment struct {
	// Keys are the roll numbers in the chunk, in the order they were partitioned.
	Keys []string `json:"keys"`

	// Replicas holds the names of every replica storing the chunk.
	// The first entry is the chunk's primary in the round-robin layout.
	Replicas []string `json:"replicas"`

	// ChunkID is the chunk's position in the partition, starting at 0.
	ChunkID int `json:"chunk_id"`
}

func (a *Assignment) clone() Assignment {
	return Assignment{
		ChunkID:  a.ChunkID,
		Keys:     slices.Clone(a.Keys),
		Replicas: slices.Clone(a.Replicas),
	}
}

// Registry is the authoritative map from keys to chunks and from chunks to
// replicas.
//
// Layout:
//
//	keys (insertion order)   k0 k1 .. k6 | k7 .. k13 | k14 .. k20 | k21 ..
//	chunk                         0      |     1     |     2      |   3
//	replicas (rf=2, n=3)        R1,R2    |   R2,R3   |   R3,R1    | R1,R2
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Partition and assignment changes take the write lock
//   - All returned data is copied to prevent races
//
// Performance Characteristics:
//   - ChunkForKey: O(1) map lookup
//   - Replicas, Keys: O(size of result)
//   - ChunksFor: O(number of chunks)
type Registry struct {
	// byKey maps a key to the chunk that owns it.
	byKey map[string]int

	// chunks is indexed by chunk ID.
	chunks []*Assignment

	// mu protects byKey and chunks.
	mu sync.RWMutex

	// chunkSize is the maximum number of keys per chunk, fixed at creation.
	chunkSize int
}

// NewRegistry creates an empty registry that will cut keys into chunks of
// at most chunkSize.
//
// Parameters:
//   - chunkSize: Maximum keys per chunk (values below 1 are treated as 1)
//
// Example:
//
//	reg := NewRegistry(7)
//	_ = reg.Partition(rolls)
//	_ = reg.Assign([]string{"R1", "R2", "R3"}, 2)
func NewRegistry(chunkSize int) *Registry {
	return &Registry{
		byKey:     make(map[string]int),
		chunkSize: max(chunkSize, 1),
	}
}

// Partition replaces the current chunks by cutting keys, in order, into
// consecutive chunks of chunkSize. Every chunk starts unassigned.
//
// Returns:
//   - nil on success
//   - Error if a key is empty or appears twice
func (r *Registry) Partition(keys []string) error {
	byKey := make(map[string]int, len(keys))
	var chunks []*Assignment

	for i, key := range keys {
		if key == "" {
			return errors.New("cannot partition an empty key")
		}
		if _, dup := byKey[key]; dup {
			return fmt.Errorf("duplicate key %q", key)
		}
		id := i / r.chunkSize
		if id == len(chunks) {
			chunks = append(chunks, &Assignment{ChunkID: id})
		}
		chunks[id].Keys = append(chunks[id].Keys, key)
		byKey[key] = id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = byKey
	r.chunks = chunks
	return nil
}

// Assign distributes every chunk over replicas round-robin with
// replicationFactor copies: chunk i goes to replicas[(i+k) % n] for
// k in [0, replicationFactor).
//
// Returns:
//   - nil on success
//   - Error if replicas is empty or replicationFactor is outside [1, len(replicas)]
func (r *Registry) Assign(replicas []string, replicationFactor int) error {
	n := len(replicas)
	if n == 0 {
		return errors.New("cannot assign chunks with no replicas")
	}
	if replicationFactor < 1 || replicationFactor > n {
		return fmt.Errorf("invalid replication factor %d, must be in range [1, %d]", replicationFactor, n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.chunks {
		holders := make([]string, replicationFactor)
		for k := range holders {
			holders[k] = replicas[(c.ChunkID+k)%n]
		}
		c.Replicas = holders
	}
	return nil
}

// ChunkForKey returns the chunk owning key and whether any chunk does.
func (r *Registry) ChunkForKey(key string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[key]
	return id, ok
}

// Get returns a copy of one chunk's assignment, or false if chunkID is out
// of range.
func (r *Registry) Get(chunkID int) (Assignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if chunkID < 0 || chunkID >= len(r.chunks) {
		return Assignment{}, false
	}
	return r.chunks[chunkID].clone(), true
}

// All returns copies of every chunk in chunk ID order.
func (r *Registry) All() []Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Assignment, len(r.chunks))
	for i, c := range r.chunks {
		out[i] = c.clone()
	}
	return out
}

// ChunksFor returns the IDs of every chunk stored on replica, ascending.
func (r *Registry) ChunksFor(replica string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := []int{}
	for _, c := range r.chunks {
		if slices.Contains(c.Replicas, replica) {
			ids = append(ids, c.ChunkID)
		}
	}
	return ids
}

// ChunkMap returns chunk ID → replica names.
func (r *Registry) ChunkMap() map[int][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := make(map[int][]string, len(r.chunks))
	for _, c := range r.chunks {
		m[c.ChunkID] = slices.Clone(c.Replicas)
	}
	return m
}

// NumChunks returns the number of chunks in the current partition.
func (r *Registry) NumChunks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks)
}

// ChunkSize returns the maximum number of keys per chunk.
func (r *Registry) ChunkSize() int {
	return r.chunkSize
}
