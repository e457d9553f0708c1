// Package mutex implements a centralized, Lamport-ordered mutual exclusion
// coordinator for the exam critical section.
//
// A student that asks while nobody holds the section is granted at once.
// Otherwise its request waits in a queue ordered by (timestamp, student id);
// releasing hands the section to the queue head. The coordinator never
// pushes grants: a waiting student learns about promotion by polling
// CheckGrant, which is a pure read.
package mutex

import (
	"cmp"
	"log"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/proctor/internal/fault"
)

// State is a student's position in the idle → queued → holding cycle.
// Idle students have no State; CheckGrant reports them as unknown.
type State string

const (
	StateQueued  State = "queued"
	StateGranted State = "granted"
)

// Entry is one waiting request.
type Entry struct {
	StudentID string `json:"student"`
	Timestamp int64  `json:"timestamp"`
}

func compareEntries(a, b Entry) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.StudentID, b.StudentID)
}

// Grant answers a request or a poll.
type Grant struct {
	Status        State  `json:"status"`
	Holder        string `json:"holder,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
	Clock         int64  `json:"clock"`
}

// Handoff answers a release.
type Handoff struct {
	Status    string `json:"status"` // "transferred" or "released"
	NewHolder string `json:"new_holder,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Status is a read-only snapshot.
type Status struct {
	CurrentHolder string  `json:"current_holder"`
	Queue         []Entry `json:"queue"`
	QueueLength   int     `json:"queue_length"`
	Clock         int64   `json:"clock"`
	Grants        uint64  `json:"grants"`
}

// Coordinator holds the token and the wait queue. Safe for concurrent use.
type Coordinator struct {
	holder string
	queue  []Entry // sorted by compareEntries
	clock  int64   // Lamport clock of the coordinator
	grants uint64
	mu     sync.Mutex
}

// New returns a coordinator with no holder and an empty queue.
func New() *Coordinator {
	return &Coordinator{}
}

// Request asks for the critical section on behalf of studentID.
// Repeating a request is harmless: the holder is told it is granted and a
// waiting student keeps its original place.
func (c *Coordinator) Request(studentID string, ts int64) (Grant, error) {
	if studentID == "" {
		return Grant{}, fault.New(fault.InvalidArgument, "student_id cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock = max(c.clock, ts) + 1

	if c.holder == studentID {
		return Grant{Status: StateGranted, Holder: studentID, Clock: c.clock}, nil
	}
	if pos := c.position(studentID); pos > 0 {
		return Grant{Status: StateQueued, Holder: c.holder, QueuePosition: pos, Clock: c.clock}, nil
	}

	if c.holder == "" {
		c.holder = studentID
		c.grants++
		log.Printf("mutex: granted to %s (ts=%d)", studentID, ts)
		return Grant{Status: StateGranted, Holder: studentID, Clock: c.clock}, nil
	}

	e := Entry{StudentID: studentID, Timestamp: ts}
	idx, _ := slices.BinarySearchFunc(c.queue, e, compareEntries)
	c.queue = slices.Insert(c.queue, idx, e)
	log.Printf("mutex: %s queued at position %d behind holder %s", studentID, idx+1, c.holder)
	return Grant{Status: StateQueued, Holder: c.holder, QueuePosition: idx + 1, Clock: c.clock}, nil
}

// CheckGrant reports whether studentID holds the section or is waiting.
// It never mutates state.
func (c *Coordinator) CheckGrant(studentID string) (Grant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if studentID != "" && c.holder == studentID {
		return Grant{Status: StateGranted, Holder: studentID, Clock: c.clock}, nil
	}
	if pos := c.position(studentID); pos > 0 {
		return Grant{Status: StateQueued, Holder: c.holder, QueuePosition: pos, Clock: c.clock}, nil
	}
	return Grant{}, fault.New(fault.UnknownStudent, "%q has no outstanding request", studentID)
}

// Release gives up the section. The lowest (timestamp, id) waiter becomes
// the new holder.
func (c *Coordinator) Release(studentID string) (Handoff, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if studentID == "" || c.holder != studentID {
		return Handoff{}, fault.New(fault.NotHolder, "%q does not hold the critical section", studentID)
	}

	c.clock++
	if len(c.queue) == 0 {
		c.holder = ""
		log.Printf("mutex: released by %s, section is free", studentID)
		return Handoff{Status: "released"}, nil
	}

	next := c.queue[0]
	c.queue = slices.Delete(c.queue, 0, 1)
	c.holder = next.StudentID
	c.grants++
	log.Printf("mutex: released by %s, transferred to %s", studentID, next.StudentID)
	return Handoff{Status: "transferred", NewHolder: next.StudentID, Timestamp: next.Timestamp}, nil
}

// Status returns the holder and a copy of the queue.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		CurrentHolder: c.holder,
		Queue:         append([]Entry{}, c.queue...),
		QueueLength:   len(c.queue),
		Clock:         c.clock,
		Grants:        c.grants,
	}
}

// Reset clears the holder, the queue and the clock.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holder = ""
	c.queue = nil
	c.clock = 0
	c.grants = 0
}

// position returns the 1-based queue position of studentID, or 0.
func (c *Coordinator) position(studentID string) int {
	return slices.IndexFunc(c.queue, func(e Entry) bool { return e.StudentID == studentID }) + 1
}
