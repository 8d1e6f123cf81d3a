package network

import "github.com/aditya-sadavare/boltshare/signaling"

type pendingCandidate struct {
	sender    string
	candidate signaling.Candidate
}

// CandidateBuffer holds remote candidates that arrived before the remote
// description. It is owned by a single goroutine.
type CandidateBuffer struct {
	items []pendingCandidate
}

// Add queues candidate as received from sender.
func (b *CandidateBuffer) Add(sender string, candidate signaling.Candidate) {
	b.items = append(b.items, pendingCandidate{sender: sender, candidate: candidate})
}

// Drain returns the candidates from sender in arrival order and empties the
// buffer. Candidates from anyone else are discarded.
func (b *CandidateBuffer) Drain(sender string) []signaling.Candidate {
	out := make([]signaling.Candidate, 0, len(b.items))
	for _, item := range b.items {
		if item.sender == sender {
			out = append(out, item.candidate)
		}
	}
	b.items = nil
	return out
}

// Len returns the number of queued candidates.
func (b *CandidateBuffer) Len() int {
	return len(b.items)
}
