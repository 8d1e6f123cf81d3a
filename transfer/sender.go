package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aditya-sadavare/boltshare/models"
)

const (
	// DefaultDrainTimeout bounds the wait for buffered frames after complete.
	DefaultDrainTimeout = 5 * time.Second

	drainPollInterval = 10 * time.Millisecond
)

// SenderOptions controls the sending side.
type SenderOptions struct {
	ChunkSize    int
	DrainTimeout time.Duration
	// StallTimeout fails the job when the receiver goes quiet. Zero disables it.
	StallTimeout time.Duration
	OnProgress   func(bytesMoved, totalBytes int64)
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.ChunkSize <= 0 || out.ChunkSize > ChunkSize {
		out.ChunkSize = ChunkSize
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = DefaultDrainTimeout
	}
	return out
}

// Sender serves chunk requests from a source file. It never reads ahead:
// one request produces exactly one chunk.
type Sender struct {
	channel  DataChannel
	source   io.ReaderAt
	metadata models.FileMetadata
	options  SenderOptions
	job      *Job

	mu           sync.Mutex
	offset       int64
	metadataSent bool
	completeSent bool
}

// NewSender prepares a sender for metadata.Size bytes of source.
func NewSender(channel DataChannel, source io.ReaderAt, metadata models.FileMetadata, options SenderOptions) *Sender {
	return &Sender{
		channel:  channel,
		source:   source,
		metadata: metadata,
		options:  options.withDefaults(),
		job:      NewJob(),
	}
}

// Job returns the job this sender advances.
func (s *Sender) Job() *Job {
	return s.job
}

// Start sends the metadata frame once.
func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metadataSent {
		return nil
	}
	if !s.channel.IsOpen() {
		logNotOpen("Start", TypeMetadata)
		return nil
	}

	text, err := EncodeControl(TypeMetadata, s.metadata)
	if err != nil {
		return err
	}
	if err := s.channel.SendText(text); err != nil {
		return fmt.Errorf("send metadata: %w", err)
	}
	if err := s.job.setMetadata(s.metadata); err != nil {
		return err
	}
	s.metadataSent = true

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"file":     s.metadata.Name,
		"size":     s.metadata.Size,
		"chunks":   chunkCount(s.metadata.Size, s.options.ChunkSize),
	}).Info("Metadata sent")
	return nil
}

// HandleRequest answers one request-chunk. It returns true once complete has
// been sent.
func (s *Sender) HandleRequest() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.metadataSent {
		return false, violation("request-chunk before metadata")
	}
	if s.completeSent {
		logrus.WithFields(logrus.Fields{
			"function": "HandleRequest",
			"file":     s.metadata.Name,
		}).Warn("Ignoring request-chunk after complete")
		return true, nil
	}
	if !s.channel.IsOpen() {
		logNotOpen("HandleRequest", "chunk")
		return false, nil
	}

	remaining := s.metadata.Size - s.offset
	if remaining <= 0 {
		return s.sendCompleteLocked()
	}

	size := s.options.ChunkSize
	if int64(size) > remaining {
		size = int(remaining)
	}
	chunk, err := readChunk(s.source, s.offset, size)
	if err != nil {
		return false, err
	}
	if err := s.channel.Send(chunk); err != nil {
		return false, fmt.Errorf("send chunk at offset %d: %w", s.offset, err)
	}

	moved, err := s.job.advance(len(chunk))
	if err != nil {
		return false, err
	}
	s.offset = moved

	logrus.WithFields(logrus.Fields{
		"function": "HandleRequest",
		"offset":   s.offset,
		"size":     s.metadata.Size,
	}).Debug("Chunk sent")

	if s.options.OnProgress != nil {
		s.options.OnProgress(moved, s.metadata.Size)
	}
	return false, nil
}

// Run sends metadata, serves requests until complete is sent, then waits for
// the channel to drain.
func (s *Sender) Run(ctx context.Context) error {
	if !s.channel.IsOpen() {
		err := fmt.Errorf("%w: not open", ErrChannelClosed)
		s.job.fail(err)
		return err
	}
	if err := s.Start(); err != nil {
		s.job.fail(err)
		return err
	}

	stall := newStallTimer(s.options.StallTimeout)
	defer stall.Stop()

	frames := s.channel.Frames()
	for {
		select {
		case <-ctx.Done():
			s.job.fail(ctx.Err())
			return ctx.Err()
		case <-stall.C():
			err := fmt.Errorf("%w: no request for %s", ErrTransferStalled, s.options.StallTimeout)
			s.job.fail(err)
			return err
		case frame, ok := <-frames:
			if !ok {
				err := fmt.Errorf("%w: at %d of %d bytes", ErrChannelClosed, s.job.BytesMoved(), s.metadata.Size)
				s.job.fail(err)
				return err
			}
			stall.Reset()

			done, err := s.handleFrame(frame)
			if err != nil {
				s.job.fail(err)
				return err
			}
			if done {
				s.drain(ctx)
				return nil
			}
		}
	}
}

func (s *Sender) handleFrame(frame Frame) (bool, error) {
	if !frame.Text {
		return false, violation("binary frame sent to the sending side")
	}
	control, err := DecodeControl(frame.Data)
	if err != nil {
		return false, err
	}
	if control.Type != TypeRequestChunk {
		return false, violation("%s sent to the sending side", control.Type)
	}
	return s.HandleRequest()
}

func (s *Sender) sendCompleteLocked() (bool, error) {
	if err := s.job.complete(); err != nil {
		return false, err
	}
	text, err := EncodeControl(TypeComplete, nil)
	if err != nil {
		return false, err
	}
	if err := s.channel.SendText(text); err != nil {
		return false, fmt.Errorf("send complete: %w", err)
	}
	s.completeSent = true

	logrus.WithFields(logrus.Fields{
		"function": "sendComplete",
		"file":     s.metadata.Name,
		"size":     s.metadata.Size,
	}).Info("Transfer complete")
	return true, nil
}

func (s *Sender) drain(ctx context.Context) {
	deadline := time.NewTimer(s.options.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for s.channel.IsOpen() && s.channel.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			logrus.WithFields(logrus.Fields{
				"function": "drain",
				"buffered": s.channel.BufferedAmount(),
			}).Warn("Drain timeout reached with frames still buffered")
			return
		case <-ctx.Done():
			return
		}
	}
}

func readChunk(source io.ReaderAt, offset int64, size int) ([]byte, error) {
	buffer := make([]byte, size)
	n, err := source.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}
	if n < size {
		return nil, fmt.Errorf("read chunk at offset %d: short read %d of %d: %w", offset, n, size, io.ErrUnexpectedEOF)
	}
	return buffer[:n], nil
}

func logNotOpen(function, what string) {
	logrus.WithFields(logrus.Fields{
		"function": function,
		"frame":    what,
	}).Warn("Data channel not open, skipping send")
}
