package network

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aditya-sadavare/boltshare/signaling"
)

func TestCandidateBufferDrainsInOrderForSender(t *testing.T) {
	var buffer CandidateBuffer
	buffer.Add("a", candidate("1"))
	buffer.Add("b", candidate("2"))
	buffer.Add("a", candidate("3"))
	assert.Equal(t, 3, buffer.Len())

	assert.Equal(t, []signaling.Candidate{candidate("1"), candidate("3")}, buffer.Drain("a"))
	assert.Equal(t, 0, buffer.Len(), "drain discards candidates from other senders")
	assert.Empty(t, buffer.Drain("b"))
}
