package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	TransferStatusNegotiating  = "negotiating"
	TransferStatusTransferring = "transferring"
	TransferStatusComplete     = "complete"
	TransferStatusFailed       = "failed"
)

const (
	TransferRoleSender   = "sender"
	TransferRoleReceiver = "receiver"
)

// TransferRecord is the SQLite representation of one send or receive attempt.
type TransferRecord struct {
	AttemptID     string
	Code          string
	Role          string
	PeerID        string
	Filename      string
	Filesize      int64
	Filetype      string
	StoredPath    string
	BytesMoved    int64
	Mode          string
	Status        string
	FailurePhase  string
	FailureReason string
	StartedAt     int64
	FinishedAt    *int64
}

// Finished reports whether the attempt reached a terminal status.
func (r TransferRecord) Finished() bool {
	return r.Status == TransferStatusComplete || r.Status == TransferStatusFailed
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusNegotiating, TransferStatusTransferring, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateTransferRole(role string) error {
	switch role {
	case TransferRoleSender, TransferRoleReceiver:
		return nil
	default:
		return fmt.Errorf("invalid transfer role %q", role)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
