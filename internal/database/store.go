// Package database implements the replicated student record store.
//
// Records are cut into fixed-size chunks in roster order and every chunk is
// stored on replicationFactor of the configured replicas, round-robin.
// Updates run a two-phase commit over the replicas assigned to the record's
// chunk with an available-copies rule: the update commits when at least one
// replica votes yes during prepare and is applied to exactly the yes voters.
// An update whose chunk has no online replica aborts with QuorumUnavailable
// and changes nothing. Strict unanimity is deliberately not required, since
// it would make a chunk read-only whenever one of its replicas is offline.
//
// A replica that misses updates while offline is stale after recovery. It
// catches up the next time an update to its chunk commits: the commit copies
// the freshest version of every record in the chunk across all yes voters.
package database

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dreamware/proctor/internal/chunk"
	"github.com/dreamware/proctor/internal/config"
	"github.com/dreamware/proctor/internal/fault"
	"github.com/dreamware/proctor/internal/replica"
	"github.com/dreamware/proctor/internal/storage"
)

// Options configure the store. They mirror config.Database.
type Options struct {
	Roster            []config.Student
	Replicas          []string
	ReplicationFactor int
	ChunkSize         int
	Seed              uint64
}

// OptionsFrom converts the database section of the server configuration.
func OptionsFrom(db config.Database) Options {
	return Options{
		Roster:            db.Roster,
		Replicas:          db.Replicas,
		ReplicationFactor: db.ReplicationFactor,
		ChunkSize:         db.ChunkSize,
		Seed:              db.Seed,
	}
}

// Result is a list of records plus the chunks that could not be served.
type Result struct {
	Records           []replica.Record `json:"records"`
	UnavailableChunks []int            `json:"unavailable_chunks"`
	Count             int              `json:"count"`
	TotalRecords      int              `json:"total_records"`
	Partial           bool             `json:"partial"`
}

// ReadResult is a single record and where it was served from.
type ReadResult struct {
	Record  replica.Record `json:"record"`
	Replica string         `json:"replica"`
	ChunkID int            `json:"chunk_id"`
}

// Vote is one replica's answer in the prepare phase.
type Vote struct {
	Replica string `json:"replica"`
	Yes     bool   `json:"yes"`
	Reason  string `json:"reason,omitempty"`
}

// UpdateResult describes a committed update.
type UpdateResult struct {
	Record    replica.Record `json:"updated_record"`
	TxID      string         `json:"tx_id"`
	Votes     []Vote         `json:"votes"`
	Committed []string       `json:"replicas"`
	ChunkID   int            `json:"chunk_id"`
}

// ReplicaInfo is one replica's entry in the topology report.
type ReplicaInfo struct {
	Status      replica.Status `json:"status"`
	Chunks      []int          `json:"chunks"`
	RecordCount int            `json:"record_count"`
	Ops         replica.Stats  `json:"ops"`
}

// Topology reports replica health and chunk placement.
type Topology struct {
	Replicas    map[string]ReplicaInfo `json:"replicas"`
	ChunkMap    map[int][]string       `json:"chunk_map"`
	TotalChunks int                    `json:"total_chunks"`
	ChunkSize   int                    `json:"chunk_size"`
}

// Store is the replicated record store. Safe for concurrent use.
//
// mu is held shared by reads and updates and exclusively by health changes
// and Reset. Each update additionally holds its chunk's lock across prepare
// and commit, so updates to one chunk are serialized while updates to
// different chunks proceed in parallel.
//
// Versions come from one store-wide counter, so two writes never share a
// version even when they were committed on disjoint replicas.
type Store struct {
	registry   *chunk.Registry
	replicas   map[string]*replica.Replica
	chunkLocks []*sync.Mutex
	newTxID    func() string
	opts       Options
	version    atomic.Uint64
	mu         sync.RWMutex
}

// New builds a store seeded from opts.Roster.
func New(opts Options) (*Store, error) {
	if len(opts.Replicas) == 0 {
		return nil, errors.New("database: no replicas configured")
	}
	s := &Store{
		registry: chunk.NewRegistry(opts.ChunkSize),
		replicas: make(map[string]*replica.Replica, len(opts.Replicas)),
		newTxID:  uuid.NewString,
		opts:     opts,
	}
	for _, name := range opts.Replicas {
		s.replicas[name] = replica.New(name)
	}
	if err := s.build(); err != nil {
		return nil, err
	}
	return s, nil
}

// build seeds every replica from the roster. Callers hold mu exclusively or
// own the store outright.
func (s *Store) build() error {
	rolls := make([]string, len(s.opts.Roster))
	for i, st := range s.opts.Roster {
		rolls[i] = st.RollNumber
	}
	if err := s.registry.Partition(rolls); err != nil {
		return fmt.Errorf("database: partition: %w", err)
	}
	if err := s.registry.Assign(s.opts.Replicas, s.opts.ReplicationFactor); err != nil {
		return fmt.Errorf("database: assign: %w", err)
	}

	for _, r := range s.replicas {
		r.Reset()
	}
	s.version.Store(0)

	rng := rand.New(rand.NewPCG(s.opts.Seed, s.opts.Seed^0x9e3779b97f4a7c15))
	for i, st := range s.opts.Roster {
		rec := replica.Record{
			RollNumber: st.RollNumber,
			Name:       st.Name,
			ISA:        rng.IntN(16),
			MSE:        rng.IntN(21),
			ESE:        rng.IntN(41),
		}
		rec.Total = rec.ISA + rec.MSE + rec.ESE

		c, _ := s.registry.Get(i / s.registry.ChunkSize())
		for _, name := range c.Replicas {
			if err := s.replicas[name].Load(rec); err != nil {
				return fmt.Errorf("database: seed %s on %s: %w", rec.RollNumber, name, err)
			}
		}
	}

	s.chunkLocks = make([]*sync.Mutex, s.registry.NumChunks())
	for i := range s.chunkLocks {
		s.chunkLocks[i] = &sync.Mutex{}
	}
	return nil
}

// All returns every record reachable through an online replica. Chunks
// whose replicas are all offline are omitted and listed in
// UnavailableChunks.
func (s *Store) All() Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := Result{Records: []replica.Record{}, UnavailableChunks: []int{}, TotalRecords: len(s.opts.Roster)}
	for _, c := range s.registry.All() {
		served := false
		for _, name := range c.Replicas {
			r := s.replicas[name]
			if !r.Online() {
				continue
			}
			for _, key := range c.Keys {
				if rec, err := r.Get(key); err == nil {
					res.Records = append(res.Records, rec)
				}
			}
			served = true
			break
		}
		if !served {
			res.UnavailableChunks = append(res.UnavailableChunks, c.ChunkID)
		}
	}
	res.Count = len(res.Records)
	res.Partial = len(res.UnavailableChunks) > 0
	return res
}

// Search filters All by a case-insensitive name prefix and a minimum total.
// An empty prefix and a nil minTotal match everything.
func (s *Store) Search(namePrefix string, minTotal *int) Result {
	res := s.All()
	prefix := strings.ToLower(strings.TrimSpace(namePrefix))

	matched := res.Records[:0]
	for _, rec := range res.Records {
		if prefix != "" && !strings.HasPrefix(strings.ToLower(rec.Name), prefix) {
			continue
		}
		if minTotal != nil && rec.Total < *minTotal {
			continue
		}
		matched = append(matched, rec)
	}
	res.Records = matched
	res.Count = len(matched)
	return res
}

// Read returns roll from the first online replica holding its chunk.
func (s *Store) Read(roll string) (ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.registry.ChunkForKey(roll)
	if !ok {
		return ReadResult{}, fault.New(fault.NotFound, "no record with roll number %q", roll)
	}
	c, _ := s.registry.Get(id)

	for _, name := range c.Replicas {
		rec, err := s.replicas[name].Get(roll)
		switch {
		case err == nil:
			return ReadResult{Record: rec, Replica: name, ChunkID: id}, nil
		case errors.Is(err, replica.ErrOffline):
			continue
		default:
			log.Printf("database: replica %s cannot serve %s: %v", name, roll, err)
		}
	}
	return ReadResult{}, fault.New(fault.RecordUnavailable,
		"no online replica holds chunk %d (replicas %v)", id, c.Replicas)
}

// Update sets the mse and ese marks of roll through two-phase commit.
func (s *Store) Update(roll string, mse, ese int) (UpdateResult, error) {
	if mse < 0 || ese < 0 {
		return UpdateResult{}, fault.New(fault.InvalidArgument, "marks cannot be negative (mse=%d, ese=%d)", mse, ese)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.registry.ChunkForKey(roll)
	if !ok {
		return UpdateResult{}, fault.New(fault.NotFound, "no record with roll number %q", roll)
	}
	lock := s.chunkLocks[id]
	lock.Lock()
	defer lock.Unlock()

	c, _ := s.registry.Get(id)
	txID := s.newTxID()

	next := replica.Record{RollNumber: roll}
	if base, found := s.freshest(c.Replicas, roll, true); found {
		next = base.WithMarks(mse, ese)
	}
	next.Version = s.version.Add(1)

	log.Printf("2pc %s: prepare %s on chunk %d replicas %v", txID, roll, id, c.Replicas)
	votes := make([]Vote, 0, len(c.Replicas))
	var yes []string
	for _, name := range c.Replicas {
		v := Vote{Replica: name, Yes: true}
		if err := s.replicas[name].Prepare(txID, next); err != nil {
			v.Yes = false
			v.Reason = voteReason(err)
		} else {
			yes = append(yes, name)
		}
		votes = append(votes, v)
	}

	if len(yes) == 0 {
		for _, name := range c.Replicas {
			s.replicas[name].Abort(txID)
		}
		log.Printf("2pc %s: abort, no replica of chunk %d voted yes", txID, id)
		return UpdateResult{}, fault.New(fault.QuorumUnavailable,
			"no replica of chunk %d could prepare the update of %s", id, roll)
	}

	log.Printf("2pc %s: commit on %v", txID, yes)
	var committed []string
	for _, name := range yes {
		if err := s.replicas[name].Commit(txID); err != nil {
			log.Printf("2pc %s: commit failed on %s: %v", txID, name, err)
			continue
		}
		committed = append(committed, name)
	}
	if len(committed) == 0 {
		return UpdateResult{}, fmt.Errorf("2pc %s: no replica applied the commit", txID)
	}
	s.catchUp(c, committed)

	return UpdateResult{
		Record:    next,
		TxID:      txID,
		Votes:     votes,
		Committed: committed,
		ChunkID:   id,
	}, nil
}

// freshest returns the highest-version copy of roll among names. With
// onlineOnly set, offline replicas are skipped.
func (s *Store) freshest(names []string, roll string, onlineOnly bool) (replica.Record, bool) {
	var best replica.Record
	found := false
	for _, name := range names {
		r := s.replicas[name]
		if onlineOnly && !r.Online() {
			continue
		}
		rec, err := r.Peek(roll)
		if err != nil {
			continue
		}
		if !found || rec.Version > best.Version {
			best, found = rec, true
		}
	}
	return best, found
}

// catchUp copies the freshest version of every record in c across voters.
func (s *Store) catchUp(c chunk.Assignment, voters []string) {
	if len(voters) < 2 {
		return
	}
	for _, key := range c.Keys {
		best, ok := s.freshest(voters, key, false)
		if !ok {
			continue
		}
		for _, name := range voters {
			r := s.replicas[name]
			if cur, err := r.Peek(key); err == nil && cur.Version >= best.Version {
				continue
			}
			if err := r.Load(best); err != nil {
				log.Printf("database: catch-up of %s on %s failed: %v", key, name, err)
				continue
			}
			log.Printf("database: replica %s caught up %s to version %d", name, key, best.Version)
		}
	}
}

func voteReason(err error) string {
	switch {
	case errors.Is(err, replica.ErrOffline):
		return "offline"
	case errors.Is(err, storage.ErrKeyNotFound):
		return "record missing"
	default:
		return err.Error()
	}
}

// FailReplica marks name offline. Failing an offline replica is a no-op.
func (s *Store) FailReplica(name string) (map[string]replica.Status, error) {
	return s.setStatus(name, replica.StatusOffline)
}

// RecoverReplica marks name online without resynchronizing its data.
// Recovering an online replica is a no-op.
func (s *Store) RecoverReplica(name string) (map[string]replica.Status, error) {
	return s.setStatus(name, replica.StatusOnline)
}

func (s *Store) setStatus(name string, status replica.Status) (map[string]replica.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replicas[name]
	if !ok {
		return nil, fault.New(fault.UnknownReplica, "replica %q does not exist", name)
	}
	if r.SetStatus(status) {
		log.Printf("database: replica %s marked %s", name, status)
	}
	return s.statusesLocked(), nil
}

func (s *Store) statusesLocked() map[string]replica.Status {
	out := make(map[string]replica.Status, len(s.replicas))
	for name, r := range s.replicas {
		out[name] = r.Status()
	}
	return out
}

// ReplicaStatus reports every replica's health, record count and chunks.
func (s *Store) ReplicaStatus() Topology {
	s.mu.RLock()
	defer s.mu.RUnlock()

	top := Topology{
		Replicas:    make(map[string]ReplicaInfo, len(s.replicas)),
		ChunkMap:    s.registry.ChunkMap(),
		TotalChunks: s.registry.NumChunks(),
		ChunkSize:   s.registry.ChunkSize(),
	}
	for name, r := range s.replicas {
		info := r.Info()
		top.Replicas[name] = ReplicaInfo{
			Status:      info.Status,
			RecordCount: info.RecordCount,
			Chunks:      s.registry.ChunksFor(name),
			Ops:         info.Ops,
		}
	}
	return top
}

// Stats is a small summary for the dashboard.
type Stats struct {
	Records        int `json:"database_records"`
	Replicas       int `json:"replicas"`
	OnlineReplicas int `json:"online_replicas"`
	Chunks         int `json:"chunks"`
}

// Stats returns record, replica and chunk counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Records:  len(s.opts.Roster),
		Replicas: len(s.replicas),
		Chunks:   s.registry.NumChunks(),
	}
	for _, r := range s.replicas {
		if r.Online() {
			st.OnlineReplicas++
		}
	}
	return st
}

// Reset restores the seeded records and brings every replica online.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.build()
}
