package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aditya-sadavare/boltshare/models"
)

// ReceiverOptions controls the receiving side.
type ReceiverOptions struct {
	// StallTimeout fails the job when the sender goes quiet. Zero disables it.
	StallTimeout time.Duration
	OnMetadata   func(models.FileMetadata)
	OnProgress   func(bytesMoved, totalBytes int64)
}

// Receiver pulls a file one chunk at a time.
type Receiver struct {
	channel   DataChannel
	assembler Assembler
	options   ReceiverOptions
	job       *Job

	path string
}

func NewReceiver(channel DataChannel, assembler Assembler, options ReceiverOptions) *Receiver {
	return &Receiver{
		channel:   channel,
		assembler: assembler,
		options:   options,
		job:       NewJob(),
	}
}

// Job returns the job this receiver advances.
func (r *Receiver) Job() *Job {
	return r.job
}

// Run processes frames until complete and returns the assembled file path.
// On failure the assembler is aborted.
func (r *Receiver) Run(ctx context.Context) (string, error) {
	stall := newStallTimer(r.options.StallTimeout)
	defer stall.Stop()

	frames := r.channel.Frames()
	for {
		select {
		case <-ctx.Done():
			return "", r.abort(ctx.Err())
		case <-stall.C():
			return "", r.abort(fmt.Errorf("%w: no frame for %s", ErrTransferStalled, r.options.StallTimeout))
		case frame, ok := <-frames:
			if !ok {
				return "", r.abort(fmt.Errorf("%w: at %d bytes", ErrChannelClosed, r.job.BytesMoved()))
			}
			stall.Reset()

			done, err := r.HandleFrame(frame)
			if err != nil {
				return "", r.abort(err)
			}
			if done {
				return r.path, nil
			}
		}
	}
}

// HandleFrame applies one inbound frame. It returns true once the file is
// complete and assembled.
func (r *Receiver) HandleFrame(frame Frame) (bool, error) {
	if !frame.Text {
		return false, r.handleChunk(frame.Data)
	}

	control, err := DecodeControl(frame.Data)
	if err != nil {
		return false, err
	}
	switch control.Type {
	case TypeMetadata:
		return false, r.handleMetadata(control.Payload)
	case TypeComplete:
		return r.handleComplete()
	default:
		return false, violation("%s sent to the receiving side", control.Type)
	}
}

func (r *Receiver) handleMetadata(payload json.RawMessage) error {
	var metadata models.FileMetadata
	if err := json.Unmarshal(payload, &metadata); err != nil {
		return violation("unparseable metadata: %v", err)
	}
	if err := r.job.setMetadata(metadata); err != nil {
		return err
	}
	if err := r.assembler.Begin(metadata); err != nil {
		return fmt.Errorf("begin assembly: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleMetadata",
		"file":     metadata.Name,
		"size":     metadata.Size,
		"type":     metadata.Type,
	}).Info("Metadata received")

	if r.options.OnMetadata != nil {
		r.options.OnMetadata(metadata)
	}
	return r.requestChunk()
}

func (r *Receiver) handleChunk(chunk []byte) error {
	if _, ok := r.job.Metadata(); !ok {
		return violation("chunk before metadata")
	}
	moved, err := r.job.advance(len(chunk))
	if err != nil {
		return err
	}
	if err := r.assembler.Write(chunk); err != nil {
		return fmt.Errorf("assemble chunk: %w", err)
	}

	metadata, _ := r.job.Metadata()
	if r.options.OnProgress != nil {
		r.options.OnProgress(moved, metadata.Size)
	}
	return r.requestChunk()
}

func (r *Receiver) handleComplete() (bool, error) {
	if err := r.job.complete(); err != nil {
		return false, err
	}
	path, err := r.assembler.Finish()
	if err != nil {
		return false, fmt.Errorf("finish assembly: %w", err)
	}
	r.path = path

	metadata, _ := r.job.Metadata()
	logrus.WithFields(logrus.Fields{
		"function": "handleComplete",
		"file":     metadata.Name,
		"size":     metadata.Size,
		"path":     path,
	}).Info("File received")
	return true, nil
}

func (r *Receiver) requestChunk() error {
	if !r.channel.IsOpen() {
		logNotOpen("requestChunk", TypeRequestChunk)
		return nil
	}
	text, err := EncodeControl(TypeRequestChunk, nil)
	if err != nil {
		return err
	}
	if err := r.channel.SendText(text); err != nil {
		return fmt.Errorf("send request-chunk: %w", err)
	}
	return nil
}

func (r *Receiver) abort(err error) error {
	r.job.fail(err)
	if abortErr := r.assembler.Abort(); abortErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "abort",
			"error":    abortErr.Error(),
		}).Warn("Discard partial file failed")
	}
	logrus.WithFields(logrus.Fields{
		"function":    "abort",
		"bytes_moved": r.job.BytesMoved(),
		"error":       err.Error(),
	}).Error("Receive failed")
	return err
}
