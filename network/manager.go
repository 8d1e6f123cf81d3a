package network

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aditya-sadavare/boltshare/models"
	"github.com/aditya-sadavare/boltshare/progress"
	"github.com/aditya-sadavare/boltshare/signaling"
	"github.com/aditya-sadavare/boltshare/storage"
	"github.com/aditya-sadavare/boltshare/transfer"
)

const (
	// DefaultSessionWaitTimeout bounds how long a receiver waits for the
	// relay to confirm a live sender.
	DefaultSessionWaitTimeout = 10 * time.Second
	// DefaultLingerTimeout bounds how long a sender waits for the receiver to
	// close the channel after complete.
	DefaultLingerTimeout = 2 * time.Second
)

// HistoryStore persists one record per attempt.
type HistoryStore interface {
	SaveTransfer(record storage.TransferRecord) error
	UpdateTransfer(record storage.TransferRecord) error
}

// RelayConn is a live relay connection.
type RelayConn interface {
	Signaler
	CreateSession(code string) error
	JoinSession(code string) error
	Done() <-chan struct{}
	Close() error
}

// RelayDialer opens a relay connection.
type RelayDialer func(ctx context.Context, url string) (RelayConn, error)

// DialRelay connects with default client options.
func DialRelay(ctx context.Context, url string) (RelayConn, error) {
	client, err := signaling.Dial(ctx, url, signaling.ClientOptions{})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Status reports a link state change or mode update during an attempt.
type Status struct {
	AttemptID string
	Code      string
	Role      Role
	State     LinkState
	Mode      models.ConnectivityMode
	PeerID    string
}

// Result describes a finished attempt.
type Result struct {
	AttemptID  string
	Code       string
	PeerID     string
	Metadata   models.FileMetadata
	Path       string
	BytesMoved int64
	Mode       models.ConnectivityMode
	Duration   time.Duration
}

// ManagerOptions configures send and receive attempts.
type ManagerOptions struct {
	RelayURL    string
	ICEServers  []string
	DownloadDir string
	Store       HistoryStore

	SessionWaitTimeout time.Duration
	StallTimeout       time.Duration
	DrainTimeout       time.Duration
	LingerTimeout      time.Duration

	Detector         ModeDetector
	TransportFactory TransportFactory
	Dialer           RelayDialer
	TimeProvider     progress.TimeProvider

	OnStatus   func(Status)
	OnProgress func(models.ProgressSample)
	OnMetadata func(models.FileMetadata)
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.SessionWaitTimeout <= 0 {
		out.SessionWaitTimeout = DefaultSessionWaitTimeout
	}
	if out.LingerTimeout <= 0 {
		out.LingerTimeout = DefaultLingerTimeout
	}
	if out.TransportFactory == nil {
		out.TransportFactory = NewPionTransport
	}
	if out.Dialer == nil {
		out.Dialer = DialRelay
	}
	if out.TimeProvider == nil {
		out.TimeProvider = progress.DefaultTimeProvider{}
	}
	if out.DownloadDir == "" {
		out.DownloadDir = "."
	}
	return out
}

// Manager runs whole send and receive attempts: relay, negotiation and
// transfer. One attempt per session code at a time.
type Manager struct {
	options  ManagerOptions
	attempts *Attempts
}

func NewManager(options ManagerOptions) *Manager {
	return &Manager{
		options:  options.withDefaults(),
		attempts: NewAttempts(),
	}
}

// Attempts exposes the in-progress attempt registry.
func (m *Manager) Attempts() *Attempts {
	return m.attempts
}

// Send offers the file at path under code. An empty code is generated.
func (m *Manager) Send(ctx context.Context, path, code string) (*Result, error) {
	code = signaling.NormalizeCode(code)
	if code == "" {
		generated, err := signaling.GenerateCode()
		if err != nil {
			return nil, err
		}
		code = generated
	}
	if !signaling.ValidCode(code) {
		return nil, fmt.Errorf("invalid session code %q", code)
	}

	file, metadata, err := openSource(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	a, err := m.begin(RoleSender, code)
	if err != nil {
		return nil, err
	}
	defer a.finish()
	a.setMetadata(metadata)
	a.record.StoredPath = path
	a.save()

	if err := a.connect(ctx); err != nil {
		return nil, a.failed(PhaseNegotiating, err)
	}
	if err := a.relay.CreateSession(code); err != nil {
		return nil, a.failed(PhaseNegotiating, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"attempt":  a.id,
		"file":     metadata.Name,
		"size":     metadata.Size,
	}).Info("Waiting for receiver")

	if err := a.waitOpen(ctx); err != nil {
		return nil, a.failed(PhaseNegotiating, err)
	}
	a.beginTransfer()

	sender := transfer.NewSender(a.link.Channel(), file, metadata, transfer.SenderOptions{
		StallTimeout: m.options.StallTimeout,
		DrainTimeout: m.options.DrainTimeout,
		OnProgress:   a.progress,
	})
	if err := a.runLinked(ctx, sender.Run); err != nil {
		return nil, a.failed(PhaseTransferring, err)
	}

	lingerForPeer(a.link.Channel(), m.options.LingerTimeout)
	return a.completed(sender.Job().BytesMoved(), ""), nil
}

// Receive joins code and downloads the offered file into DownloadDir.
func (m *Manager) Receive(ctx context.Context, code string) (*Result, error) {
	code = signaling.NormalizeCode(code)
	if !signaling.ValidCode(code) {
		return nil, attemptError(PhaseNegotiating, fmt.Errorf("%w: invalid code %q", signaling.ErrSessionNotFound, code))
	}

	a, err := m.begin(RoleReceiver, code)
	if err != nil {
		return nil, err
	}
	defer a.finish()
	a.save()

	if err := a.connect(ctx); err != nil {
		return nil, a.failed(PhaseNegotiating, err)
	}

	sessionErrs := make(chan signaling.SessionError, 1)
	sub := signaling.On(a.relay, func(e signaling.SessionError) {
		select {
		case sessionErrs <- e:
		default:
		}
	})
	defer sub.Unsubscribe()

	if err := a.relay.JoinSession(code); err != nil {
		return nil, a.failed(PhaseNegotiating, err)
	}

	wait := time.NewTimer(m.options.SessionWaitTimeout)
	defer wait.Stop()
	select {
	case <-a.link.PeerConfirmed():
	case e := <-sessionErrs:
		return nil, a.failed(PhaseNegotiating, fmt.Errorf("%w: %s", signaling.ErrSessionNotFound, e.Message))
	case <-wait.C:
		return nil, a.failed(PhaseNegotiating, fmt.Errorf("%w: no sender within %s", signaling.ErrSessionNotFound, m.options.SessionWaitTimeout))
	case <-a.link.Done():
		return nil, a.failed(PhaseNegotiating, a.link.Err())
	case <-ctx.Done():
		return nil, a.failed(PhaseNegotiating, ctx.Err())
	}

	if err := a.waitOpen(ctx); err != nil {
		return nil, a.failed(PhaseNegotiating, err)
	}
	a.beginTransfer()

	receiver := transfer.NewReceiver(a.link.Channel(), transfer.NewSpoolAssembler(m.options.DownloadDir), transfer.ReceiverOptions{
		StallTimeout: m.options.StallTimeout,
		OnMetadata:   a.onMetadata,
		OnProgress:   a.progress,
	})

	var path string
	err = a.runLinked(ctx, func(ctx context.Context) error {
		var runErr error
		path, runErr = receiver.Run(ctx)
		return runErr
	})
	if err != nil {
		return nil, a.failed(PhaseTransferring, err)
	}
	return a.completed(receiver.Job().BytesMoved(), path), nil
}

// attempt is the per-call state shared by Send and Receive.
type attempt struct {
	m       *Manager
	id      string
	code    string
	role    Role
	started time.Time

	relay RelayConn
	link  *PeerLink

	mu       sync.Mutex
	record   storage.TransferRecord
	metadata models.FileMetadata
	mode     models.ConnectivityMode
	tracker  *progress.Tracker
}

func (m *Manager) begin(role Role, code string) (*attempt, error) {
	id, err := m.attempts.Begin(code)
	if err != nil {
		return nil, err
	}

	now := m.options.TimeProvider.Now()
	a := &attempt{
		m:       m,
		id:      id,
		code:    code,
		role:    role,
		started: now,
		mode:    models.ModeDetecting,
		record: storage.TransferRecord{
			AttemptID: id,
			Code:      code,
			Role:      strings.ToLower(string(role)),
			Mode:      string(models.ModeDetecting),
			Status:    storage.TransferStatusNegotiating,
			StartedAt: now.UnixMilli(),
		},
	}
	return a, nil
}

func (a *attempt) connect(ctx context.Context) error {
	opts := a.m.options
	if opts.RelayURL == "" {
		return fmt.Errorf("%w: no relay url configured", signaling.ErrRelayUnavailable)
	}

	relay, err := opts.Dialer(ctx, opts.RelayURL)
	if err != nil {
		return err
	}
	a.relay = relay

	transport, err := opts.TransportFactory(opts.ICEServers)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	a.link = NewPeerLink(LinkOptions{
		Role:      a.role,
		AttemptID: a.id,
		Signaler:  relay,
		Transport: transport,
		Detector:  opts.Detector,
		OnMode:    a.setMode,
		OnState:   a.emitState,
	})
	if err := a.link.Start(); err != nil {
		_ = a.link.Close()
		return err
	}
	return nil
}

func (a *attempt) waitOpen(ctx context.Context) error {
	select {
	case <-a.link.Opened():
		return nil
	case <-a.link.Done():
		if err := a.link.Err(); err != nil {
			return err
		}
		return ErrNegotiationFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLinked runs fn and cancels it when the link terminates underneath it.
func (a *attempt) runLinked(ctx context.Context, fn func(context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-a.link.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := fn(runCtx)
	if err == nil {
		return nil
	}
	if linkErr := a.link.Err(); linkErr != nil && ctx.Err() == nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, transfer.ErrChannelClosed)) {
		return linkErr
	}
	return err
}

func (a *attempt) beginTransfer() {
	a.link.MarkTransferring()

	a.mu.Lock()
	a.record.Status = storage.TransferStatusTransferring
	a.record.PeerID = a.link.RemotePeerID()
	a.mu.Unlock()
	a.update()
}

func (a *attempt) setMetadata(metadata models.FileMetadata) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.metadata = metadata
	a.record.Filename = metadata.Name
	a.record.Filesize = metadata.Size
	a.record.Filetype = metadata.Type
	a.tracker = progress.NewTrackerWithClock(metadata.Size, a.m.options.TimeProvider, progress.DefaultInterval)
	a.tracker.SetMode(a.mode)
}

func (a *attempt) onMetadata(metadata models.FileMetadata) {
	a.setMetadata(metadata)
	a.update()
	if a.m.options.OnMetadata != nil {
		a.m.options.OnMetadata(metadata)
	}
}

func (a *attempt) progress(moved, total int64) {
	a.mu.Lock()
	a.record.BytesMoved = moved
	tracker := a.tracker
	a.mu.Unlock()
	if tracker == nil {
		return
	}

	sample, recomputed := tracker.Update(moved)
	if (recomputed || moved == total) && a.m.options.OnProgress != nil {
		a.m.options.OnProgress(sample)
	}
}

func (a *attempt) setMode(mode models.ConnectivityMode) {
	a.mu.Lock()
	a.mode = mode
	a.record.Mode = string(mode)
	tracker := a.tracker
	a.mu.Unlock()
	if tracker != nil {
		tracker.SetMode(mode)
	}
	a.emit(a.link.State(), mode)
}

func (a *attempt) emitState(state LinkState) {
	a.mu.Lock()
	mode := a.mode
	a.mu.Unlock()
	a.emit(state, mode)
}

func (a *attempt) emit(state LinkState, mode models.ConnectivityMode) {
	if a.m.options.OnStatus == nil {
		return
	}
	status := Status{
		AttemptID: a.id,
		Code:      a.code,
		Role:      a.role,
		State:     state,
		Mode:      mode,
	}
	if a.link != nil {
		status.PeerID = a.link.RemotePeerID()
	}
	a.m.options.OnStatus(status)
}

func (a *attempt) failed(phase Phase, err error) error {
	if err == nil {
		err = ErrNegotiationFailed
	}
	wrapped := attemptError(phase, err)
	if a.link != nil {
		a.link.MarkFailed(err)
	}

	a.mu.Lock()
	a.record.Status = storage.TransferStatusFailed
	a.record.FailurePhase = string(phase)
	a.record.FailureReason = err.Error()
	finished := a.m.options.TimeProvider.Now().UnixMilli()
	a.record.FinishedAt = &finished
	a.mu.Unlock()
	a.update()

	logrus.WithFields(logrus.Fields{
		"function": "failed",
		"attempt":  a.id,
		"role":     a.role,
		"phase":    phase,
		"error":    err.Error(),
	}).Error("Attempt failed")
	return wrapped
}

func (a *attempt) completed(bytesMoved int64, path string) *Result {
	a.link.MarkComplete()

	now := a.m.options.TimeProvider.Now()
	a.mu.Lock()
	a.record.Status = storage.TransferStatusComplete
	a.record.BytesMoved = bytesMoved
	if path != "" {
		a.record.StoredPath = path
	}
	finished := now.UnixMilli()
	a.record.FinishedAt = &finished
	result := &Result{
		AttemptID:  a.id,
		Code:       a.code,
		PeerID:     a.link.RemotePeerID(),
		Metadata:   a.metadata,
		Path:       path,
		BytesMoved: bytesMoved,
		Mode:       a.mode,
		Duration:   now.Sub(a.started),
	}
	a.mu.Unlock()
	a.update()

	logrus.WithFields(logrus.Fields{
		"function": "completed",
		"attempt":  a.id,
		"role":     a.role,
		"bytes":    bytesMoved,
		"mode":     result.Mode,
	}).Info("Attempt complete")
	return result
}

func (a *attempt) finish() {
	if a.link != nil {
		_ = a.link.Close()
	}
	if a.relay != nil {
		_ = a.relay.Close()
	}
	a.m.attempts.End(a.code, a.id)
}

func (a *attempt) save() {
	store := a.m.options.Store
	if store == nil {
		return
	}
	a.mu.Lock()
	record := a.record
	a.mu.Unlock()
	if err := store.SaveTransfer(record); err != nil {
		logHistoryError("save", a.id, err)
	}
}

func (a *attempt) update() {
	store := a.m.options.Store
	if store == nil {
		return
	}
	a.mu.Lock()
	record := a.record
	a.mu.Unlock()
	if err := store.UpdateTransfer(record); err != nil {
		logHistoryError("update", a.id, err)
	}
}

func logHistoryError(op, attemptID string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "history",
		"op":       op,
		"attempt":  attemptID,
		"error":    err.Error(),
	}).Warn("Transfer history write failed")
}

func openSource(path string) (*os.File, models.FileMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, models.FileMetadata{}, fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, models.FileMetadata{}, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, models.FileMetadata{}, fmt.Errorf("source %q is a directory", path)
	}

	name := filepath.Base(path)
	filetype := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if filetype == "" {
		filetype = "application/octet-stream"
	}
	return file, models.FileMetadata{Name: name, Size: info.Size(), Type: filetype}, nil
}

func lingerForPeer(channel Channel, timeout time.Duration) {
	if channel == nil {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	frames := channel.Frames()
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}
