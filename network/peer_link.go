package network

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aditya-sadavare/boltshare/models"
	"github.com/aditya-sadavare/boltshare/signaling"
	"github.com/aditya-sadavare/boltshare/transfer"
)

// Role is the side of a session a link plays.
type Role string

const (
	RoleSender   Role = "SENDER"
	RoleReceiver Role = "RECEIVER"
)

// LinkState is the negotiation state of a PeerLink.
type LinkState string

const (
	StateIdle                 LinkState = "IDLE"
	StateAwaitingPeer         LinkState = "AWAITING_PEER"
	StateDescriptionExchanged LinkState = "DESCRIPTION_EXCHANGED"
	StateChannelOpen          LinkState = "CHANNEL_OPEN"
	StateTransferring         LinkState = "TRANSFERRING"
	StateTerminated           LinkState = "TERMINATED"
)

// Outcome is how a terminated link ended.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeComplete Outcome = "COMPLETE"
	OutcomeFailed   Outcome = "FAILED"
)

const linkEventQueueSize = 256

// Signaler is the relay surface a link needs.
type Signaler interface {
	signaling.Subscriber
	ID() string
	SendOffer(target string, description signaling.Description) error
	SendAnswer(target string, description signaling.Description) error
	SendCandidate(target string, candidate signaling.Candidate) error
}

// LinkOptions configures one PeerLink.
type LinkOptions struct {
	Role      Role
	AttemptID string
	Signaler  Signaler
	Transport PeerTransport
	Detector  ModeDetector
	OnMode    func(models.ConnectivityMode)
	OnState   func(LinkState)
}

type eventKind int

const (
	eventRelay eventKind = iota
	eventLocalCandidate
	eventTransportState
	eventDataChannel
	eventChannelOpen
	eventMarkTransferring
	eventMarkComplete
	eventMarkFailed
)

type linkEvent struct {
	attemptID string
	kind      eventKind
	message   signaling.Message
	candidate *signaling.Candidate
	state     TransportState
	channel   Channel
	err       error
	ack       chan struct{}
}

// PeerLink negotiates one peer connection for one attempt. Every input is
// funneled through a single event loop, so transitions never interleave.
type PeerLink struct {
	role      Role
	attemptID string
	signaler  Signaler
	transport PeerTransport
	detector  ModeDetector
	onMode    func(models.ConnectivityMode)
	onState   func(LinkState)

	events  chan linkEvent
	closing chan struct{}

	// loop-owned
	remoteSet    bool
	pending      CandidateBuffer
	localQueue   []signaling.Candidate
	modeDetected bool
	subs         []*signaling.Subscription

	mu           sync.RWMutex
	state        LinkState
	outcome      Outcome
	remotePeerID string
	mode         models.ConnectivityMode
	channel      Channel
	err          error

	opened        chan struct{}
	openOnce      sync.Once
	confirmed     chan struct{}
	confirmOnce   sync.Once
	done          chan struct{}
	loopDone      chan struct{}
	startOnce     sync.Once
	lifecycle     sync.Mutex
	started       bool
	closeOnce     sync.Once
	transportOnce sync.Once
}

// NewPeerLink creates an idle link. Nothing happens until Start.
func NewPeerLink(options LinkOptions) *PeerLink {
	return &PeerLink{
		role:      options.Role,
		attemptID: options.AttemptID,
		signaler:  options.Signaler,
		transport: options.Transport,
		detector:  options.Detector,
		onMode:    options.OnMode,
		onState:   options.OnState,
		events:    make(chan linkEvent, linkEventQueueSize),
		closing:   make(chan struct{}),
		state:     StateIdle,
		mode:      models.ModeDetecting,
		opened:    make(chan struct{}),
		confirmed: make(chan struct{}),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Start wires transport and relay callbacks and runs the event loop. Calling
// it again is a no-op.
func (l *PeerLink) Start() error {
	var err error
	l.startOnce.Do(func() {
		err = l.start()
	})
	return err
}

func (l *PeerLink) start() error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	select {
	case <-l.closing:
		return ErrLinkClosed
	default:
	}

	l.transport.OnICECandidate(func(candidate *signaling.Candidate) {
		l.post(linkEvent{kind: eventLocalCandidate, candidate: candidate})
	})
	l.transport.OnConnectionStateChange(func(state TransportState) {
		l.post(linkEvent{kind: eventTransportState, state: state})
	})
	l.transport.OnDataChannel(func(channel Channel) {
		l.post(linkEvent{kind: eventDataChannel, channel: channel})
	})

	relay := func(message signaling.Message) {
		l.post(linkEvent{kind: eventRelay, message: message})
	}
	l.subs = []*signaling.Subscription{
		l.signaler.Subscribe(signaling.TypeReceiverJoined, relay),
		l.signaler.Subscribe(signaling.TypeOffer, relay),
		l.signaler.Subscribe(signaling.TypeAnswer, relay),
		l.signaler.Subscribe(signaling.TypeCandidate, relay),
		l.signaler.Subscribe(signaling.KindDisconnected, relay),
	}

	switch l.role {
	case RoleSender:
		channel, err := l.transport.CreateDataChannel(transfer.ChannelLabel)
		if err != nil {
			l.unsubscribe()
			return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
		}
		l.attachChannel(channel)
	case RoleReceiver:
		l.setState(StateAwaitingPeer)
	default:
		l.unsubscribe()
		return fmt.Errorf("unknown link role %q", l.role)
	}

	l.started = true

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"role":     l.role,
		"attempt":  l.attemptID,
	}).Info("Peer link started")

	go l.loop()
	return nil
}

// Opened is closed when the data channel opens.
func (l *PeerLink) Opened() <-chan struct{} { return l.opened }

// PeerConfirmed is closed once the remote peer is known: the receiver joined
// for a sender, the offer arrived for a receiver.
func (l *PeerLink) PeerConfirmed() <-chan struct{} { return l.confirmed }

// Done is closed when the link terminates.
func (l *PeerLink) Done() <-chan struct{} { return l.done }

// Err returns the failure cause once terminated.
func (l *PeerLink) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

func (l *PeerLink) State() LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *PeerLink) Outcome() Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.outcome
}

func (l *PeerLink) RemotePeerID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.remotePeerID
}

func (l *PeerLink) Mode() models.ConnectivityMode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mode
}

// Channel returns the data channel, or nil before one exists.
func (l *PeerLink) Channel() Channel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.channel
}

// MarkTransferring moves an open link to TRANSFERRING.
func (l *PeerLink) MarkTransferring() {
	l.apply(linkEvent{kind: eventMarkTransferring})
}

// MarkComplete terminates the link successfully.
func (l *PeerLink) MarkComplete() {
	l.apply(linkEvent{kind: eventMarkComplete})
}

// MarkFailed terminates the link with err.
func (l *PeerLink) MarkFailed(err error) {
	l.apply(linkEvent{kind: eventMarkFailed, err: err})
}

// Close releases the transport. It is safe in any state and more than once,
// but must not be called from an OnMode or OnState callback.
func (l *PeerLink) Close() error {
	l.closeOnce.Do(func() {
		l.lifecycle.Lock()
		close(l.closing)
		started := l.started
		l.lifecycle.Unlock()

		if !started {
			l.terminate(OutcomeFailed, ErrLinkClosed)
			l.release()
			close(l.loopDone)
		}
	})
	<-l.loopDone
	return nil
}

// post queues an event for this attempt. It never blocks after the loop exits.
func (l *PeerLink) post(ev linkEvent) {
	if ev.attemptID == "" {
		ev.attemptID = l.attemptID
	}
	select {
	case l.events <- ev:
	case <-l.loopDone:
	}
}

// apply posts ev and waits until the loop has handled it.
func (l *PeerLink) apply(ev linkEvent) {
	ev.ack = make(chan struct{})
	l.post(ev)
	select {
	case <-ev.ack:
	case <-l.loopDone:
	}
}

func (l *PeerLink) loop() {
	defer close(l.loopDone)
	defer l.release()

	for {
		select {
		case ev := <-l.events:
			if ev.attemptID != l.attemptID {
				logrus.WithFields(logrus.Fields{
					"function": "loop",
					"attempt":  l.attemptID,
					"stale":    ev.attemptID,
				}).Debug("Dropping event from another attempt")
				ack(ev)
				continue
			}
			l.handle(ev)
			ack(ev)
			if l.State() == StateTerminated {
				return
			}
		case <-l.closing:
			l.terminate(OutcomeFailed, ErrLinkClosed)
			return
		}
	}
}

func ack(ev linkEvent) {
	if ev.ack != nil {
		close(ev.ack)
	}
}

func (l *PeerLink) handle(ev linkEvent) {
	switch ev.kind {
	case eventRelay:
		l.handleRelay(ev.message)
	case eventLocalCandidate:
		l.handleLocalCandidate(ev.candidate)
	case eventTransportState:
		l.handleTransportState(ev.state)
	case eventDataChannel:
		l.handleDataChannel(ev.channel)
	case eventChannelOpen:
		l.handleChannelOpen()
	case eventMarkTransferring:
		if l.State() == StateChannelOpen {
			l.setState(StateTransferring)
		}
	case eventMarkComplete:
		l.terminate(OutcomeComplete, nil)
	case eventMarkFailed:
		err := ev.err
		if err == nil {
			err = ErrNegotiationFailed
		}
		l.terminate(OutcomeFailed, err)
	}
}

func (l *PeerLink) handleRelay(message signaling.Message) {
	switch m := message.(type) {
	case signaling.ReceiverJoined:
		l.handleReceiverJoined(m)
	case signaling.Offer:
		l.handleOffer(m)
	case signaling.Answer:
		l.handleAnswer(m)
	case signaling.CandidateMessage:
		l.handleRemoteCandidate(m)
	case signaling.Disconnected:
		l.handleRelayLost(m)
	}
}

func (l *PeerLink) handleReceiverJoined(m signaling.ReceiverJoined) {
	if l.role != RoleSender {
		return
	}
	if l.RemotePeerID() != "" {
		logrus.WithFields(logrus.Fields{
			"function": "handleReceiverJoined",
			"attempt":  l.attemptID,
			"peer":     m.ReceiverID,
		}).Warn("Ignoring additional receiver-joined")
		return
	}
	if m.ReceiverID == "" {
		return
	}

	l.setRemotePeer(m.ReceiverID)

	offer, err := l.transport.CreateOffer()
	if err != nil {
		l.fail(err)
		return
	}
	if err := l.transport.SetLocalDescription(offer); err != nil {
		l.fail(err)
		return
	}
	if err := l.signaler.SendOffer(m.ReceiverID, offer); err != nil {
		l.fail(err)
		return
	}
	l.setState(StateAwaitingPeer)
	l.flushLocalCandidates()

	logrus.WithFields(logrus.Fields{
		"function": "handleReceiverJoined",
		"attempt":  l.attemptID,
		"peer":     m.ReceiverID,
	}).Info("Offer sent")
}

func (l *PeerLink) handleOffer(m signaling.Offer) {
	if l.role != RoleReceiver {
		return
	}
	if l.remoteSet {
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"attempt":  l.attemptID,
			"peer":     m.Sender,
		}).Warn("Ignoring additional offer")
		return
	}
	if remote := l.RemotePeerID(); remote != "" && remote != m.Sender {
		return
	}

	l.setRemotePeer(m.Sender)

	if err := l.transport.SetRemoteDescription(m.Description); err != nil {
		l.fail(err)
		return
	}
	l.remoteSet = true
	l.setState(StateDescriptionExchanged)
	l.flushRemoteCandidates(m.Sender)

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		l.fail(err)
		return
	}
	if err := l.transport.SetLocalDescription(answer); err != nil {
		l.fail(err)
		return
	}
	if err := l.signaler.SendAnswer(m.Sender, answer); err != nil {
		l.fail(err)
		return
	}
	l.flushLocalCandidates()

	logrus.WithFields(logrus.Fields{
		"function": "handleOffer",
		"attempt":  l.attemptID,
		"peer":     m.Sender,
	}).Info("Answer sent")
}

func (l *PeerLink) handleAnswer(m signaling.Answer) {
	if l.role != RoleSender {
		return
	}
	remote := l.RemotePeerID()
	if remote == "" || m.Sender != remote {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"attempt":  l.attemptID,
			"peer":     m.Sender,
		}).Warn("Ignoring answer from unexpected peer")
		return
	}
	if l.remoteSet {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"attempt":  l.attemptID,
		}).Warn("Ignoring additional answer")
		return
	}

	if err := l.transport.SetRemoteDescription(m.Description); err != nil {
		l.fail(err)
		return
	}
	l.remoteSet = true
	l.setState(StateDescriptionExchanged)
	l.flushRemoteCandidates(remote)
}

func (l *PeerLink) handleRemoteCandidate(m signaling.CandidateMessage) {
	if remote := l.RemotePeerID(); remote != "" && m.Sender != remote {
		logrus.WithFields(logrus.Fields{
			"function": "handleRemoteCandidate",
			"attempt":  l.attemptID,
			"peer":     m.Sender,
		}).Debug("Dropping candidate from unexpected peer")
		return
	}
	if !l.remoteSet {
		l.pending.Add(m.Sender, m.Candidate)
		return
	}
	l.addRemoteCandidate(m.Candidate)
}

func (l *PeerLink) handleRelayLost(m signaling.Disconnected) {
	switch l.State() {
	case StateChannelOpen, StateTransferring, StateTerminated:
		return
	}
	err := m.Err
	if err == nil || !errors.Is(err, signaling.ErrRelayUnavailable) {
		err = signaling.ErrRelayUnavailable
	}
	l.terminate(OutcomeFailed, err)
}

func (l *PeerLink) handleLocalCandidate(candidate *signaling.Candidate) {
	if candidate == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleLocalCandidate",
			"attempt":  l.attemptID,
		}).Debug("Candidate gathering complete")
		return
	}
	remote := l.RemotePeerID()
	if remote == "" {
		l.localQueue = append(l.localQueue, *candidate)
		return
	}
	l.sendCandidate(remote, *candidate)
}

func (l *PeerLink) handleTransportState(state TransportState) {
	logrus.WithFields(logrus.Fields{
		"function": "handleTransportState",
		"attempt":  l.attemptID,
		"state":    state,
	}).Debug("Transport state changed")

	switch state {
	case TransportConnected:
		if l.modeDetected {
			return
		}
		l.modeDetected = true
		mode := l.detector.Detect(l.transport)
		l.mu.Lock()
		l.mode = mode
		l.mu.Unlock()
		if l.onMode != nil {
			l.onMode(mode)
		}
	case TransportFailed:
		l.fail(errors.New("transport failed"))
	case TransportClosed:
		l.fail(errors.New("transport closed unexpectedly"))
	case TransportDisconnected:
		logrus.WithFields(logrus.Fields{
			"function": "handleTransportState",
			"attempt":  l.attemptID,
		}).Warn("Transport disconnected")
	}
}

func (l *PeerLink) handleDataChannel(channel Channel) {
	if l.role != RoleReceiver || channel == nil {
		return
	}
	if channel.Label() != transfer.ChannelLabel {
		logrus.WithFields(logrus.Fields{
			"function": "handleDataChannel",
			"attempt":  l.attemptID,
			"label":    channel.Label(),
		}).Warn("Ignoring unexpected data channel")
		return
	}
	if l.Channel() != nil {
		return
	}
	l.attachChannel(channel)
}

func (l *PeerLink) handleChannelOpen() {
	switch l.State() {
	case StateChannelOpen, StateTransferring, StateTerminated:
		return
	}
	l.setState(StateChannelOpen)
	l.openOnce.Do(func() { close(l.opened) })

	logrus.WithFields(logrus.Fields{
		"function": "handleChannelOpen",
		"attempt":  l.attemptID,
		"peer":     l.RemotePeerID(),
	}).Info("Data channel open")
}

func (l *PeerLink) attachChannel(channel Channel) {
	l.mu.Lock()
	l.channel = channel
	l.mu.Unlock()

	channel.OnOpen(func() {
		l.post(linkEvent{kind: eventChannelOpen})
	})
}

func (l *PeerLink) flushRemoteCandidates(sender string) {
	for _, candidate := range l.pending.Drain(sender) {
		l.addRemoteCandidate(candidate)
	}
}

func (l *PeerLink) addRemoteCandidate(candidate signaling.Candidate) {
	if err := l.transport.AddICECandidate(candidate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "addRemoteCandidate",
			"attempt":  l.attemptID,
			"error":    err.Error(),
		}).Warn("Remote candidate rejected")
	}
}

func (l *PeerLink) flushLocalCandidates() {
	remote := l.RemotePeerID()
	queued := l.localQueue
	l.localQueue = nil
	for _, candidate := range queued {
		l.sendCandidate(remote, candidate)
	}
}

func (l *PeerLink) sendCandidate(remote string, candidate signaling.Candidate) {
	if err := l.signaler.SendCandidate(remote, candidate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendCandidate",
			"attempt":  l.attemptID,
			"error":    err.Error(),
		}).Warn("Send local candidate failed")
	}
}

func (l *PeerLink) setRemotePeer(id string) {
	l.mu.Lock()
	l.remotePeerID = id
	l.mu.Unlock()
	l.confirmOnce.Do(func() { close(l.confirmed) })
}

func (l *PeerLink) setState(state LinkState) {
	l.mu.Lock()
	if l.state == StateTerminated || l.state == state {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.mu.Unlock()

	if l.onState != nil {
		l.onState(state)
	}
}

func (l *PeerLink) fail(err error) {
	l.terminate(OutcomeFailed, fmt.Errorf("%w: %w", ErrNegotiationFailed, err))
}

func (l *PeerLink) terminate(outcome Outcome, err error) {
	l.mu.Lock()
	if l.state == StateTerminated {
		l.mu.Unlock()
		return
	}
	l.state = StateTerminated
	l.outcome = outcome
	l.err = err
	l.mu.Unlock()

	fields := logrus.Fields{
		"function": "terminate",
		"attempt":  l.attemptID,
		"role":     l.role,
		"outcome":  outcome,
	}
	if err != nil && outcome == OutcomeFailed && !errors.Is(err, ErrLinkClosed) {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Peer link failed")
	} else {
		logrus.WithFields(fields).Info("Peer link terminated")
	}

	close(l.done)
	if l.onState != nil {
		l.onState(StateTerminated)
	}
}

func (l *PeerLink) unsubscribe() {
	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	l.subs = nil
}

func (l *PeerLink) release() {
	l.transportOnce.Do(func() {
		l.unsubscribe()
		if channel := l.Channel(); channel != nil {
			_ = channel.Close()
		}
		if err := l.transport.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "release",
				"attempt":  l.attemptID,
				"error":    err.Error(),
			}).Warn("Close transport failed")
		}
	})
}
