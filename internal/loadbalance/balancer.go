// Package loadbalance admits exam submissions to a local processor up to a
// fixed in-flight threshold and migrates the overflow to a backup processor.
package loadbalance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/proctor/internal/fault"
)

// Route names the processor a submission was sent to.
type Route string

const (
	// RouteMain is the local processor.
	RouteMain Route = "main"
	// RouteBackup is the backup processor that takes migrated work.
	RouteBackup Route = "backup"
)

// Submission is one unit of work waiting in a processor queue.
type Submission struct {
	ReceivedAt time.Time      `json:"received_at"`
	Payload    map[string]any `json:"payload,omitempty"`
	ID         string         `json:"submission_id"`
	StudentID  string         `json:"student_id"`
	Via        Route          `json:"via"`
	WorkerID   string         `json:"worker_id,omitempty"`
}

// Receipt is returned to the submitter.
type Receipt struct {
	SubmissionID string `json:"submission_id"`
	StudentID    string `json:"student_id"`
	Via          Route  `json:"via"`
	Status       string `json:"status"` // "accepted" or "migrated"
	Message      string `json:"message"`
	WorkerID     string `json:"worker_id,omitempty"`
	BatchID      int    `json:"batch_id"`
}

// Status is a read-only snapshot of the balancer counters.
type Status struct {
	LocalInflight    int `json:"local_inflight"`
	ReceivedCount    int `json:"received_count"`
	MigrateThreshold int `json:"migrate_threshold"`
	LocalQueueSize   int `json:"local_queue_size"`
	BackupQueueSize  int `json:"backup_queue_size"`
	LocalDone        int `json:"local_done_count"`
	BackupDone       int `json:"backup_done_count"`
	TotalProcessed   int `json:"total_processed"`

	BatchProcessing    bool              `json:"batch_processing"`
	CurrentBatchID     int               `json:"current_batch_id"`
	BatchSize          int               `json:"batch_size"`
	BatchReceived      int               `json:"batch_received"`
	BatchProcessed     int               `json:"batch_processed"`
	BatchEndSent       bool              `json:"batch_end_sent"`
	BatchComplete      bool              `json:"batch_complete"`
	BackupResponseSent bool              `json:"backup_response_sent"`
	WorkerStatus       map[string]string `json:"worker_status"`
	Message            string            `json:"message"`
}

// DrainReport counts the items one drain pass completed.
type DrainReport struct {
	Local  int
	Backup int
}

// Options configure a Balancer.
type Options struct {
	// MigrateThreshold is the number of in-flight local submissions at which
	// new work starts going to the backup processor.
	MigrateThreshold int

	// ProcessingTime is how long a submission occupies a processor.
	ProcessingTime time.Duration

	// DrainInterval is how often the background loop removes completed work.
	DrainInterval time.Duration

	// BatchSize is the number of submissions that make up one exam batch.
	// Zero means DefaultBatchSize.
	BatchSize int
}

// DefaultBatchSize is the class size used when Options.BatchSize is unset.
const DefaultBatchSize = 15

const (
	workerIdle       = "idle"
	workerProcessing = "processing"
)

// batch tracks one exam batch: it opens with the first submission after the
// previous batch finished and closes once BatchSize submissions completed.
type batch struct {
	id         int
	received   int
	localDone  int
	backupDone int
	processing bool
	endSent    bool
}

// Balancer routes submissions and drains completed work in the background.
// Submit, Drain, Status and Reset share one lock, so the drain loop never
// races admission.
type Balancer struct {
	ctx           context.Context
	cancel        context.CancelFunc
	newID         func() string
	local         []Submission
	backup        []Submission
	workers       []string // submission ID per local worker, "" when idle
	opts          Options
	batch         batch
	wg            sync.WaitGroup
	mu            sync.Mutex
	localInflight int
	received      int
	localDone     int
	backupDone    int
}

// New creates a balancer with empty queues and one local worker per unit of
// MigrateThreshold. Call Start to run the drain loop.
func New(opts Options) *Balancer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Balancer{
		opts:    opts,
		newID:   uuid.NewString,
		workers: make([]string, max(opts.MigrateThreshold, 0)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func workerName(i int) string {
	return fmt.Sprintf("worker_%d", i)
}

// idleWorker returns the lowest-numbered idle worker, or -1.
func (b *Balancer) idleWorker() int {
	for i, sub := range b.workers {
		if sub == "" {
			return i
		}
	}
	return -1
}

// release frees the worker that was processing sub.
func (b *Balancer) release(sub Submission) {
	for i, id := range b.workers {
		if id == sub.ID {
			b.workers[i] = ""
			return
		}
	}
}

// Submit routes one submission. Admission never fails: below the threshold
// the work is accepted locally, at or above it the work is migrated.
func (b *Balancer) Submit(studentID string, payload map[string]any) (Receipt, error) {
	if studentID == "" {
		return Receipt{}, fault.New(fault.InvalidArgument, "student_id cannot be empty")
	}

	sub := Submission{
		ID:         b.newID(),
		StudentID:  studentID,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.received++
	if !b.batch.processing {
		b.batch = batch{id: b.batch.id + 1, processing: true}
		log.Printf("loadbalance: batch %d started", b.batch.id)
	}
	b.batch.received++
	if b.batch.received >= b.opts.BatchSize && !b.batch.endSent {
		b.batch.endSent = true
		log.Printf("loadbalance: batch %d end sent after %d submissions", b.batch.id, b.batch.received)
	}

	if w := b.idleWorker(); w >= 0 && b.localInflight < b.opts.MigrateThreshold {
		b.localInflight++
		b.workers[w] = sub.ID
		sub.Via = RouteMain
		sub.WorkerID = workerName(w)
		b.local = append(b.local, sub)
		return Receipt{
			SubmissionID: sub.ID,
			StudentID:    studentID,
			Via:          RouteMain,
			Status:       "accepted",
			Message:      "Submission accepted for local processing",
			WorkerID:     sub.WorkerID,
			BatchID:      b.batch.id,
		}, nil
	}

	sub.Via = RouteBackup
	b.backup = append(b.backup, sub)
	log.Printf("loadbalance: %s migrated to backup (inflight %d >= threshold %d)",
		studentID, b.localInflight, b.opts.MigrateThreshold)
	return Receipt{
		SubmissionID: sub.ID,
		StudentID:    studentID,
		Via:          RouteBackup,
		Status:       "migrated",
		Message:      "Submission migrated to backup server",
		BatchID:      b.batch.id,
	}, nil
}

// Drain removes every submission that has finished processing by now from
// both queues. Completing local work frees in-flight capacity.
func (b *Balancer) Drain(now time.Time) DrainReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rep DrainReport
	var done []Submission
	b.local, done = b.completed(b.local, now)
	for _, sub := range done {
		b.release(sub)
	}
	rep.Local = len(done)
	b.backup, done = b.completed(b.backup, now)
	rep.Backup = len(done)

	b.localInflight -= rep.Local
	b.localDone += rep.Local
	b.backupDone += rep.Backup

	if b.batch.processing {
		b.batch.localDone += rep.Local
		b.batch.backupDone += rep.Backup
		if b.batch.localDone+b.batch.backupDone >= b.opts.BatchSize {
			b.batch.processing = false
			log.Printf("loadbalance: batch %d complete (%d local, %d backup)",
				b.batch.id, b.batch.localDone, b.batch.backupDone)
		}
	}
	return rep
}

// completed pops finished items from the head of a FIFO queue and returns
// the remaining queue and the popped items.
func (b *Balancer) completed(q []Submission, now time.Time) ([]Submission, []Submission) {
	n := 0
	for n < len(q) && !now.Before(q[n].ReceivedAt.Add(b.opts.ProcessingTime)) {
		n++
	}
	if n == 0 {
		return q, nil
	}
	return append([]Submission(nil), q[n:]...), q[:n]
}

// Start launches the drain loop in its own goroutine and returns. The loop
// runs until ctx or Stop cancels it.
//
// Example:
//
//	balancer.Start(ctx)
//	defer balancer.Stop()
func (b *Balancer) Start(ctx context.Context) {
	if ctx == nil {
		ctx = b.ctx
	}
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *Balancer) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.DrainInterval)
	defer ticker.Stop()

	log.Printf("loadbalance: drain loop started with interval %v", b.opts.DrainInterval)

	for {
		select {
		case now := <-ticker.C:
			if rep := b.Drain(now); rep.Local+rep.Backup > 0 {
				log.Printf("loadbalance: drained %d local, %d backup", rep.Local, rep.Backup)
			}
		case <-ctx.Done():
			log.Println("loadbalance: drain loop stopping due to context cancellation")
			return
		case <-b.ctx.Done():
			log.Println("loadbalance: drain loop stopping")
			return
		}
	}
}

// Stop cancels the drain loop and waits for it to return.
func (b *Balancer) Stop() {
	b.cancel()
	b.wg.Wait()
}

// Status returns the current counters.
func (b *Balancer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	workers := make(map[string]string, len(b.workers))
	for i, sub := range b.workers {
		workers[workerName(i)] = workerIdle
		if sub != "" {
			workers[workerName(i)] = workerProcessing
		}
	}

	processed := b.batch.localDone + b.batch.backupDone
	complete := b.batch.id > 0 && processed >= b.opts.BatchSize && !b.batch.processing
	msg := "Processing..."
	if complete {
		msg = "Batch SUBMITTED - All processed"
	}

	return Status{
		LocalInflight:      b.localInflight,
		ReceivedCount:      b.received,
		MigrateThreshold:   b.opts.MigrateThreshold,
		LocalQueueSize:     len(b.local),
		BackupQueueSize:    len(b.backup),
		LocalDone:          b.localDone,
		BackupDone:         b.backupDone,
		TotalProcessed:     b.localDone + b.backupDone,
		BatchProcessing:    b.batch.processing,
		CurrentBatchID:     b.batch.id,
		BatchSize:          b.opts.BatchSize,
		BatchReceived:      b.batch.received,
		BatchProcessed:     processed,
		BatchEndSent:       b.batch.endSent,
		BatchComplete:      complete,
		BackupResponseSent: complete && b.batch.backupDone > 0,
		WorkerStatus:       workers,
		Message:            msg,
	}
}

// Queues returns copies of the local and backup queues.
func (b *Balancer) Queues() (local, backup []Submission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Submission{}, b.local...), append([]Submission{}, b.backup...)
}

// Reset empties both queues, idles every worker and zeroes every counter.
func (b *Balancer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.local = nil
	b.backup = nil
	clear(b.workers)
	b.batch = batch{}
	b.localInflight = 0
	b.received = 0
	b.localDone = 0
	b.backupDone = 0
}
