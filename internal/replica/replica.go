package replica

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/proctor/internal/storage"
)

// Status represents the health of a replica
type Status string

const (
	// StatusOnline means the replica serves reads and votes on writes
	StatusOnline Status = "online"
	// StatusOffline means the replica is unreachable
	StatusOffline Status = "offline"
)

var (
	// ErrOffline is returned by reads and prepares on an offline replica
	ErrOffline = errors.New("replica offline")
	// ErrUnknownTx is returned when committing a transaction that was never prepared
	ErrUnknownTx = errors.New("unknown transaction")
)

// Record is a student's marks as stored on a replica.
// Version increases by one with every committed update.
type Record struct {
	RollNumber string `json:"rn" msgpack:"rn"`
	Name       string `json:"name" msgpack:"name"`
	ISA        int    `json:"isa" msgpack:"isa"`
	MSE        int    `json:"mse" msgpack:"mse"`
	ESE        int    `json:"ese" msgpack:"ese"`
	Total      int    `json:"total" msgpack:"total"`
	Version    uint64 `json:"version" msgpack:"v"`
}

// WithMarks returns a copy of r carrying the new mse/ese and a recomputed total.
func (r Record) WithMarks(mse, ese int) Record {
	r.MSE = mse
	r.ESE = ese
	r.Total = r.ISA + r.MSE + r.ESE
	return r
}

// Encode returns the msgpack form of r.
func (r Record) Encode() ([]byte, error) {
	return msgpack.Marshal(&r)
}

// Decode parses a msgpack-encoded record.
func Decode(b []byte) (Record, error) {
	var r Record
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// Stats tracks operation counts
type Stats struct {
	Reads    uint64 `json:"reads"`
	Prepares uint64 `json:"prepares"`
	Commits  uint64 `json:"commits"`
	Aborts   uint64 `json:"aborts"`
}

// Info contains metadata about a replica
type Info struct {
	Name        string `json:"name"`
	Status      Status `json:"status"`
	RecordCount int    `json:"record_count"`
	ByteSize    int    `json:"byte_size"`
	Pending     int    `json:"pending"`
	Ops         Stats  `json:"ops"`
}

type staged struct {
	key   string
	value []byte
}

// Replica is one named copy of a subset of the records
type Replica struct {
	Name   string
	store  storage.Store
	staged map[string]staged // txID -> staged write
	status Status
	stats  Stats
	mu     sync.RWMutex
}

// New creates an online replica with empty in-memory storage
func New(name string) *Replica {
	return &Replica{
		Name:   name,
		store:  storage.NewMemoryStore(),
		staged: make(map[string]staged),
		status: StatusOnline,
	}
}

// Online reports whether the replica is serving
func (r *Replica) Online() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status == StatusOnline
}

// Status returns the current health
func (r *Replica) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// SetStatus changes health and reports whether it changed.
// Going offline drops staged writes.
func (r *Replica) SetStatus(s Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == s {
		return false
	}
	r.status = s
	if s == StatusOffline && len(r.staged) > 0 {
		atomic.AddUint64(&r.stats.Aborts, uint64(len(r.staged)))
		r.staged = make(map[string]staged)
	}
	return true
}

// Load writes rec directly, bypassing 2PC and health. Used for seeding and
// for catching a voter up with the freshest copy inside a commit.
func (r *Replica) Load(rec Record) error {
	b, err := rec.Encode()
	if err != nil {
		return err
	}
	if r.store.Equal(rec.RollNumber, b) {
		return nil
	}
	return r.store.Put(rec.RollNumber, b)
}

// Get reads a record. Offline replicas refuse with ErrOffline; missing keys
// return storage.ErrKeyNotFound.
func (r *Replica) Get(roll string) (Record, error) {
	if !r.Online() {
		return Record{}, ErrOffline
	}
	atomic.AddUint64(&r.stats.Reads, 1)
	b, err := r.store.Get(roll)
	if err != nil {
		return Record{}, err
	}
	return Decode(b)
}

// Peek reads a record regardless of health, for internal bookkeeping
func (r *Replica) Peek(roll string) (Record, error) {
	b, err := r.store.Get(roll)
	if err != nil {
		return Record{}, err
	}
	return Decode(b)
}

// Raw returns the encoded bytes stored for roll regardless of health
func (r *Replica) Raw(roll string) ([]byte, error) {
	return r.store.Get(roll)
}

// Prepare stages rec under txID and votes yes by returning nil
func (r *Replica) Prepare(txID string, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	atomic.AddUint64(&r.stats.Prepares, 1)
	if r.status != StatusOnline {
		return ErrOffline
	}
	if _, err := r.store.Get(rec.RollNumber); err != nil {
		return fmt.Errorf("prepare %s: %w", rec.RollNumber, err)
	}
	b, err := rec.Encode()
	if err != nil {
		return err
	}
	r.staged[txID] = staged{key: rec.RollNumber, value: b}
	return nil
}

// Commit applies the write staged under txID
func (r *Replica) Commit(txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.staged[txID]
	if !ok {
		return fmt.Errorf("commit %s on %s: %w", txID, r.Name, ErrUnknownTx)
	}
	delete(r.staged, txID)
	atomic.AddUint64(&r.stats.Commits, 1)
	return r.store.Put(s.key, s.value)
}

// Abort drops the write staged under txID, if any
func (r *Replica) Abort(txID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.staged[txID]; ok {
		delete(r.staged, txID)
		atomic.AddUint64(&r.stats.Aborts, 1)
	}
}

// Keys returns the roll numbers held by the replica in sorted order
func (r *Replica) Keys() []string {
	return r.store.List()
}

// Info returns metadata about the replica
func (r *Replica) Info() Info {
	r.mu.RLock()
	status := r.status
	pending := len(r.staged)
	r.mu.RUnlock()

	st := r.store.Stats()
	return Info{
		Name:        r.Name,
		Status:      status,
		RecordCount: st.Keys,
		ByteSize:    st.Bytes,
		Pending:     pending,
		Ops: Stats{
			Reads:    atomic.LoadUint64(&r.stats.Reads),
			Prepares: atomic.LoadUint64(&r.stats.Prepares),
			Commits:  atomic.LoadUint64(&r.stats.Commits),
			Aborts:   atomic.LoadUint64(&r.stats.Aborts),
		},
	}
}

// Reset empties the replica, brings it back online and zeroes its counters
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.store.Clear()
	r.staged = make(map[string]staged)
	r.status = StatusOnline
	atomic.StoreUint64(&r.stats.Reads, 0)
	atomic.StoreUint64(&r.stats.Prepares, 0)
	atomic.StoreUint64(&r.stats.Commits, 0)
	atomic.StoreUint64(&r.stats.Aborts, 0)
}
