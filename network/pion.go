package network

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/aditya-sadavare/boltshare/signaling"
	"github.com/aditya-sadavare/boltshare/transfer"
)

const (
	channelQueueSize = 256
	// channelReadBufferSize holds one full chunk frame with room to spare.
	// pion's own read loop caps messages at 65535 bytes, so channels are
	// detached and read here instead.
	channelReadBufferSize = 2 * transfer.ChunkSize
)

// DefaultICEServers is used when no STUN/TURN servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// pionTransport adapts a pion PeerConnection.
type pionTransport struct {
	pc *webrtc.PeerConnection
}

// NewPionTransport creates a WebRTC peer connection using iceServers.
func NewPionTransport(iceServers []string) (PeerTransport, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}

	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionTransport{pc: pc}, nil
}

func (t *pionTransport) CreateOffer() (signaling.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return signaling.Description{}, fmt.Errorf("create offer: %w", err)
	}
	return toDescription(offer), nil
}

func (t *pionTransport) CreateAnswer() (signaling.Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Description{}, fmt.Errorf("create answer: %w", err)
	}
	return toDescription(answer), nil
}

func (t *pionTransport) SetLocalDescription(description signaling.Description) error {
	if err := t.pc.SetLocalDescription(fromDescription(description)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (t *pionTransport) SetRemoteDescription(description signaling.Description) error {
	if err := t.pc.SetRemoteDescription(fromDescription(description)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *pionTransport) AddICECandidate(candidate signaling.Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) CreateDataChannel(label string) (Channel, error) {
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return newPionChannel(dc), nil
}

func (t *pionTransport) OnICECandidate(fn func(*signaling.Candidate)) {
	t.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			fn(nil)
			return
		}
		init := candidate.ToJSON()
		fn(&signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *pionTransport) OnConnectionStateChange(fn func(TransportState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(TransportState(state.String()))
	})
}

func (t *pionTransport) OnDataChannel(fn func(Channel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(newPionChannel(dc))
	})
}

func (t *pionTransport) CandidatePairs() []CandidatePair {
	report := t.pc.GetStats()
	pairs := make([]CandidatePair, 0, 4)
	for _, stats := range report {
		pair, ok := stats.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		pairs = append(pairs, CandidatePair{
			Succeeded: pair.State == webrtc.StatsICECandidatePairStateSucceeded,
			Nominated: pair.Nominated,
			RTT:       time.Duration(pair.CurrentRoundTripTime * float64(time.Second)),
		})
	}
	return pairs
}

func (t *pionTransport) Close() error {
	if err := t.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func toDescription(description webrtc.SessionDescription) signaling.Description {
	return signaling.Description{Type: description.Type.String(), SDP: description.SDP}
}

func fromDescription(description signaling.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(description.Type), SDP: description.SDP}
}

// dataChannelReader is the read half of a detached pion data channel.
type dataChannelReader interface {
	ReadDataChannel(p []byte) (n int, isString bool, err error)
}

// pionChannel adapts a detached pion DataChannel. Handlers are installed at
// wrap time so an open that fires before the link subscribes is not lost.
type pionChannel struct {
	dc *webrtc.DataChannel

	openMu sync.Mutex
	opened bool
	onOpen []func()

	mu     sync.RWMutex
	frames chan transfer.Frame
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func newPionChannel(dc *webrtc.DataChannel) *pionChannel {
	c := &pionChannel{
		dc:     dc,
		frames: make(chan transfer.Frame, channelQueueSize),
		done:   make(chan struct{}),
	}
	dc.OnOpen(c.handleOpen)
	// Once detached, the read loop closes frames after draining the stream.
	dc.OnClose(func() {
		c.openMu.Lock()
		opened := c.opened
		c.openMu.Unlock()
		if !opened {
			c.closeFrames()
		}
	})
	dc.OnError(func(err error) {
		logrus.WithFields(logrus.Fields{
			"function": "OnError",
			"label":    dc.Label(),
			"error":    err.Error(),
		}).Warn("Data channel error")
	})
	return c
}

func (c *pionChannel) handleOpen() {
	raw, err := c.dc.Detach()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleOpen",
			"label":    c.dc.Label(),
			"error":    err.Error(),
		}).Error("Detach data channel failed")
		c.closeFrames()
		return
	}
	go c.readLoop(raw)

	c.openMu.Lock()
	c.opened = true
	fns := c.onOpen
	c.onOpen = nil
	c.openMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *pionChannel) readLoop(r dataChannelReader) {
	defer c.closeFrames()

	buf := make([]byte, channelReadBufferSize)
	for {
		n, isString, err := r.ReadDataChannel(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"label":    c.dc.Label(),
					"error":    err.Error(),
				}).Debug("Data channel read ended")
			}
			return
		}
		c.push(transfer.Frame{Text: isString, Data: append([]byte(nil), buf[:n]...)})
	}
}

func (c *pionChannel) Label() string {
	return c.dc.Label()
}

// OnOpen runs fn once the channel is open and its reader is running.
func (c *pionChannel) OnOpen(fn func()) {
	if fn == nil {
		return
	}
	c.openMu.Lock()
	if c.opened {
		c.openMu.Unlock()
		go fn()
		return
	}
	c.onOpen = append(c.onOpen, fn)
	c.openMu.Unlock()
}

func (c *pionChannel) SendText(text string) error {
	return c.dc.SendText(text)
}

func (c *pionChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *pionChannel) Frames() <-chan transfer.Frame {
	return c.frames
}

func (c *pionChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *pionChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *pionChannel) Close() error {
	err := c.dc.Close()
	c.closeFrames()
	return err
}

func (c *pionChannel) push(frame transfer.Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.frames <- frame:
	case <-c.done:
	}
}

func (c *pionChannel) closeFrames() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.frames)
		c.mu.Unlock()
	})
}
