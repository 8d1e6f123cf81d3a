package network

import (
	"time"

	"github.com/aditya-sadavare/boltshare/signaling"
	"github.com/aditya-sadavare/boltshare/transfer"
)

// TransportState mirrors the peer connection state names.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Channel is a data channel as the link sees it.
type Channel interface {
	transfer.DataChannel
	Label() string
	// OnOpen registers fn for the open signal. fn runs at most once.
	OnOpen(fn func())
}

// CandidatePair is one ICE candidate pair reading from the transport stats.
type CandidatePair struct {
	Succeeded bool
	Nominated bool
	// RTT is the last measured round trip time, zero when unmeasured.
	RTT time.Duration
}

// PeerTransport is the NAT-traversing peer connection a link drives.
type PeerTransport interface {
	CreateOffer() (signaling.Description, error)
	CreateAnswer() (signaling.Description, error)
	SetLocalDescription(description signaling.Description) error
	SetRemoteDescription(description signaling.Description) error
	AddICECandidate(candidate signaling.Candidate) error
	CreateDataChannel(label string) (Channel, error)

	// OnICECandidate receives local candidates. nil marks end of gathering.
	OnICECandidate(fn func(*signaling.Candidate))
	OnConnectionStateChange(fn func(TransportState))
	OnDataChannel(fn func(Channel))

	CandidatePairs() []CandidatePair
	Close() error
}

// TransportFactory builds one transport per attempt.
type TransportFactory func(iceServers []string) (PeerTransport, error)
