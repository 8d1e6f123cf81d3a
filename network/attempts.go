package network

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Attempts keys in-progress attempts by session code.
type Attempts struct {
	mu     sync.Mutex
	active map[string]string
}

func NewAttempts() *Attempts {
	return &Attempts{active: make(map[string]string)}
}

// Begin reserves code and returns a fresh attempt id.
func (a *Attempts) Begin(code string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.active[code]; exists {
		return "", fmt.Errorf("%w: %s", ErrAttemptInProgress, code)
	}
	id := uuid.NewString()
	a.active[code] = id
	return id, nil
}

// End releases code if it is still held by attemptID.
func (a *Attempts) End(code, attemptID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active[code] == attemptID {
		delete(a.active, code)
	}
}

// Active reports whether an attempt for code is running.
func (a *Attempts) Active(code string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[code]
	return ok
}
