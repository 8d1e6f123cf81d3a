package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const transferColumns = `
	attempt_id,
	code,
	role,
	peer_id,
	filename,
	filesize,
	filetype,
	stored_path,
	bytes_moved,
	mode,
	status,
	failure_phase,
	failure_reason,
	started_at,
	finished_at`

// SaveTransfer inserts a new attempt row.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if err := normalizeTransfer(&record); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.AttemptID,
		record.Code,
		record.Role,
		nullString(stringPointer(record.PeerID)),
		nullString(stringPointer(record.Filename)),
		record.Filesize,
		nullString(stringPointer(record.Filetype)),
		nullString(stringPointer(record.StoredPath)),
		record.BytesMoved,
		record.Mode,
		record.Status,
		nullString(stringPointer(record.FailurePhase)),
		nullString(stringPointer(record.FailureReason)),
		record.StartedAt,
		nullInt64(record.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.AttemptID, err)
	}
	return nil
}

// UpdateTransfer overwrites the mutable columns of an existing attempt row.
func (s *Store) UpdateTransfer(record TransferRecord) error {
	if err := normalizeTransfer(&record); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET peer_id = ?,
			filename = ?,
			filesize = ?,
			filetype = ?,
			stored_path = ?,
			bytes_moved = ?,
			mode = ?,
			status = ?,
			failure_phase = ?,
			failure_reason = ?,
			finished_at = ?
		WHERE attempt_id = ?`,
		nullString(stringPointer(record.PeerID)),
		nullString(stringPointer(record.Filename)),
		record.Filesize,
		nullString(stringPointer(record.Filetype)),
		nullString(stringPointer(record.StoredPath)),
		record.BytesMoved,
		record.Mode,
		record.Status,
		nullString(stringPointer(record.FailurePhase)),
		nullString(stringPointer(record.FailureReason)),
		nullInt64(record.FinishedAt),
		record.AttemptID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %q: %w", record.AttemptID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", record.AttemptID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches one attempt by id.
func (s *Store) GetTransfer(attemptID string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE attempt_id = ?`,
		attemptID,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", attemptID, err)
	}
	return record, nil
}

// ListTransfers returns attempts newest first. A non-positive limit returns
// every row.
func (s *Store) ListTransfers(limit, offset int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT`+transferColumns+`
		FROM transfers
		ORDER BY started_at DESC, attempt_id ASC
		LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

// PruneTransfers deletes finished attempts older than cutoff. Unfinished rows
// are kept.
func (s *Store) PruneTransfers(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE finished_at IS NOT NULL AND finished_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune: %w", err)
	}
	return removed, nil
}

func normalizeTransfer(record *TransferRecord) error {
	if record.AttemptID == "" {
		return errors.New("attempt_id is required")
	}
	if record.Code == "" {
		return errors.New("code is required")
	}
	if err := validateTransferRole(record.Role); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = TransferStatusNegotiating
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}
	if record.Mode == "" {
		record.Mode = "DETECTING"
	}
	if record.StartedAt == 0 {
		record.StartedAt = nowUnixMilli()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(scanner rowScanner) (*TransferRecord, error) {
	var (
		record        TransferRecord
		peerID        sql.NullString
		filename      sql.NullString
		filetype      sql.NullString
		storedPath    sql.NullString
		failurePhase  sql.NullString
		failureReason sql.NullString
		finishedAt    sql.NullInt64
	)

	if err := scanner.Scan(
		&record.AttemptID,
		&record.Code,
		&record.Role,
		&peerID,
		&filename,
		&record.Filesize,
		&filetype,
		&storedPath,
		&record.BytesMoved,
		&record.Mode,
		&record.Status,
		&failurePhase,
		&failureReason,
		&record.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	record.PeerID = peerID.String
	record.Filename = filename.String
	record.Filetype = filetype.String
	record.StoredPath = storedPath.String
	record.FailurePhase = failurePhase.String
	record.FailureReason = failureReason.String
	record.FinishedAt = int64Ptr(finishedAt)
	return &record, nil
}
