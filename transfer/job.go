package transfer

import (
	"sync"

	"github.com/aditya-sadavare/boltshare/models"
)

// State is the lifecycle of one transfer job.
type State string

const (
	StateNegotiating  State = "negotiating"
	StateTransferring State = "transferring"
	StateComplete     State = "complete"
	StateFailed       State = "failed"
)

// Job tracks one file moving across a channel. BytesMoved never decreases and
// never exceeds the metadata size.
type Job struct {
	mu          sync.RWMutex
	metadata    models.FileMetadata
	hasMetadata bool
	bytesMoved  int64
	state       State
	err         error
}

// NewJob creates a job in the negotiating state.
func NewJob() *Job {
	return &Job{state: StateNegotiating}
}

// Metadata returns the file description once known.
func (j *Job) Metadata() (models.FileMetadata, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.metadata, j.hasMetadata
}

// BytesMoved returns the bytes sent or received so far.
func (j *Job) BytesMoved() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.bytesMoved
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Err returns the failure cause for a failed job.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

func (j *Job) setMetadata(metadata models.FileMetadata) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.hasMetadata {
		return violation("duplicate metadata")
	}
	if metadata.Size < 0 {
		return violation("negative file size %d", metadata.Size)
	}
	j.metadata = metadata
	j.hasMetadata = true
	if j.state == StateNegotiating {
		j.state = StateTransferring
	}
	return nil
}

func (j *Job) remaining() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.metadata.Size - j.bytesMoved
}

func (j *Job) advance(n int) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.hasMetadata {
		return j.bytesMoved, violation("chunk before metadata")
	}
	next := j.bytesMoved + int64(n)
	if next > j.metadata.Size {
		return j.bytesMoved, violation("chunk overflows size: %d > %d", next, j.metadata.Size)
	}
	j.bytesMoved = next
	return next, nil
}

func (j *Job) complete() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.hasMetadata {
		return violation("complete before metadata")
	}
	if j.bytesMoved != j.metadata.Size {
		return violation("complete at %d of %d bytes", j.bytesMoved, j.metadata.Size)
	}
	j.state = StateComplete
	return nil
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == StateComplete || j.state == StateFailed {
		return
	}
	j.state = StateFailed
	j.err = err
}
