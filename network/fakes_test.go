package network

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aditya-sadavare/boltshare/signaling"
	"github.com/aditya-sadavare/boltshare/transfer"
)

const testTimeout = 5 * time.Second

var errAlreadyClosed = errors.New("fake transport already closed")

type sentDescription struct {
	target      string
	description signaling.Description
}

type sentCandidate struct {
	target    string
	candidate signaling.Candidate
}

// fakeSignaler records outbound relay traffic and lets tests dispatch inbound
// messages directly. It also serves as a RelayConn that never answers.
type fakeSignaler struct {
	*signaling.Registry
	id string

	mu         sync.Mutex
	offers     []sentDescription
	answers    []sentDescription
	candidates []sentCandidate
	sends      []string
	joined     []string
	created    []string

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSignaler(id string) *fakeSignaler {
	return &fakeSignaler{
		Registry: signaling.NewRegistry(),
		id:       id,
		done:     make(chan struct{}),
	}
}

func (f *fakeSignaler) ID() string { return f.id }

func (f *fakeSignaler) SendOffer(target string, description signaling.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sentDescription{target: target, description: description})
	f.sends = append(f.sends, signaling.TypeOffer)
	return nil
}

func (f *fakeSignaler) SendAnswer(target string, description signaling.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sentDescription{target: target, description: description})
	f.sends = append(f.sends, signaling.TypeAnswer)
	return nil
}

func (f *fakeSignaler) SendCandidate(target string, candidate signaling.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, sentCandidate{target: target, candidate: candidate})
	f.sends = append(f.sends, signaling.TypeCandidate)
	return nil
}

func (f *fakeSignaler) CreateSession(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, code)
	return nil
}

func (f *fakeSignaler) JoinSession(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, code)
	return nil
}

func (f *fakeSignaler) Done() <-chan struct{} { return f.done }

func (f *fakeSignaler) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSignaler) sentOffers() []sentDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentDescription(nil), f.offers...)
}

func (f *fakeSignaler) sentAnswers() []sentDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentDescription(nil), f.answers...)
}

func (f *fakeSignaler) sentCandidates() []sentCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCandidate(nil), f.candidates...)
}

func (f *fakeSignaler) sentKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

// gatedChannel is a pipe end that stays closed to senders until markOpen.
type gatedChannel struct {
	*transfer.PipeChannel

	mu     sync.Mutex
	open   bool
	onOpen []func()
}

func newGatedPair(label string) (*gatedChannel, *gatedChannel) {
	a, b := transfer.Pipe(label)
	return &gatedChannel{PipeChannel: a}, &gatedChannel{PipeChannel: b}
}

func (g *gatedChannel) OnOpen(fn func()) {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		go fn()
		return
	}
	g.onOpen = append(g.onOpen, fn)
	g.mu.Unlock()
}

func (g *gatedChannel) IsOpen() bool {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	return open && g.PipeChannel.IsOpen()
}

func (g *gatedChannel) markOpen() {
	g.mu.Lock()
	g.open = true
	fns := g.onOpen
	g.onOpen = nil
	g.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fakeTransport records link calls. Paired transports connect to each other
// once the sender applies the answer.
type fakeTransport struct {
	mu               sync.Mutex
	calls            []string
	remoteCandidates []signaling.Candidate
	pairs            []CandidatePair
	closed           bool
	createErr        error

	onCandidate   func(*signaling.Candidate)
	onState       func(TransportState)
	onDataChannel func(Channel)

	channel  *gatedChannel
	incoming *gatedChannel
	peer     *fakeTransport
	// emitCandidates makes SetLocalDescription gather one local candidate.
	emitCandidates bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

// newFakeTransportPair returns a sender and receiver transport wired together.
func newFakeTransportPair(pairs []CandidatePair) (*fakeTransport, *fakeTransport) {
	sender := &fakeTransport{pairs: pairs, emitCandidates: true}
	receiver := &fakeTransport{pairs: pairs, emitCandidates: true}
	sender.peer = receiver
	receiver.peer = sender
	return sender, receiver
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) CreateOffer() (signaling.Description, error) {
	f.record("CreateOffer")
	return signaling.Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) CreateAnswer() (signaling.Description, error) {
	f.record("CreateAnswer")
	return signaling.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(description signaling.Description) error {
	f.record("SetLocalDescription:" + description.Type)

	f.mu.Lock()
	emit := f.emitCandidates
	onCandidate := f.onCandidate
	f.mu.Unlock()
	if emit && onCandidate != nil {
		go func() {
			onCandidate(&signaling.Candidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host"})
			onCandidate(nil)
		}()
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(description signaling.Description) error {
	f.record("SetRemoteDescription:" + description.Type)
	if description.Type == "answer" && f.peer != nil {
		go f.connect()
	}
	return nil
}

func (f *fakeTransport) AddICECandidate(candidate signaling.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "AddICECandidate")
	f.remoteCandidates = append(f.remoteCandidates, candidate)
	return nil
}

func (f *fakeTransport) CreateDataChannel(label string) (Channel, error) {
	f.record("CreateDataChannel:" + label)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	local, remote := newGatedPair(label)
	f.channel = local
	if f.peer != nil {
		f.peer.mu.Lock()
		f.peer.incoming = remote
		f.peer.mu.Unlock()
	}
	return local, nil
}

func (f *fakeTransport) OnICECandidate(fn func(*signaling.Candidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(fn func(TransportState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnDataChannel(fn func(Channel)) {
	f.mu.Lock()
	f.onDataChannel = fn
	f.mu.Unlock()
}

func (f *fakeTransport) CandidatePairs() []CandidatePair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CandidatePair(nil), f.pairs...)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errAlreadyClosed
	}
	f.closed = true
	return nil
}

// connect plays the role of ICE and DTLS completing on both ends.
func (f *fakeTransport) connect() {
	f.fireState(TransportConnected)
	f.peer.fireState(TransportConnected)

	f.peer.mu.Lock()
	incoming := f.peer.incoming
	onDataChannel := f.peer.onDataChannel
	f.peer.mu.Unlock()
	if incoming != nil && onDataChannel != nil {
		onDataChannel(incoming)
	}

	f.mu.Lock()
	local := f.channel
	f.mu.Unlock()
	if local != nil {
		local.markOpen()
	}
	if incoming != nil {
		incoming.markOpen()
	}
}

func (f *fakeTransport) fireState(state TransportState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakeTransport) fireCandidate(candidate *signaling.Candidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

func (f *fakeTransport) fireDataChannel(channel Channel) {
	f.mu.Lock()
	fn := f.onDataChannel
	f.mu.Unlock()
	if fn != nil {
		fn(channel)
	}
}

func (f *fakeTransport) recordedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) addedCandidates() []signaling.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signaling.Candidate(nil), f.remoteCandidates...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) createdChannel() *gatedChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel
}

// flush waits until the link loop has handled every event queued so far.
func flush(l *PeerLink) {
	l.apply(linkEvent{kind: eventKind(-1)})
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}
