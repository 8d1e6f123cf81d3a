package transfer

import (
	"errors"
	"sync"
)

const pipeQueueSize = 1024

var errPipeFull = errors.New("transfer: pipe queue full")

// PipeChannel is one end of an in-memory DataChannel pair. Closing either
// end closes both.
type PipeChannel struct {
	label string
	peer  *PipeChannel

	mu     sync.RWMutex
	inbox  chan Frame
	closed bool
}

// Pipe returns two connected, already open channels.
func Pipe(label string) (*PipeChannel, *PipeChannel) {
	a := &PipeChannel{label: label, inbox: make(chan Frame, pipeQueueSize)}
	b := &PipeChannel{label: label, inbox: make(chan Frame, pipeQueueSize)}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *PipeChannel) Label() string {
	return p.label
}

// OnOpen calls fn right away since a pipe is open from the start.
func (p *PipeChannel) OnOpen(fn func()) {
	if fn != nil && p.IsOpen() {
		go fn()
	}
}

func (p *PipeChannel) SendText(text string) error {
	return p.deliver(Frame{Text: true, Data: []byte(text)})
}

func (p *PipeChannel) Send(data []byte) error {
	return p.deliver(Frame{Data: append([]byte(nil), data...)})
}

func (p *PipeChannel) Frames() <-chan Frame {
	return p.inbox
}

func (p *PipeChannel) IsOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

func (p *PipeChannel) BufferedAmount() uint64 {
	return 0
}

func (p *PipeChannel) Close() error {
	p.closeLocal()
	p.peer.closeLocal()
	return nil
}

func (p *PipeChannel) deliver(frame Frame) error {
	if !p.IsOpen() {
		return ErrChannelClosed
	}

	p.peer.mu.RLock()
	defer p.peer.mu.RUnlock()
	if p.peer.closed {
		return ErrChannelClosed
	}
	select {
	case p.peer.inbox <- frame:
		return nil
	default:
		return errPipeFull
	}
}

func (p *PipeChannel) closeLocal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}
