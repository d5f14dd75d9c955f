package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// RawPayload describes an archived response body that failed to parse.
// The body itself is read with GetRawPayload.
type RawPayload struct {
	ID             int64
	RunID          string
	FetchedAt      time.Time
	Source         string
	Station        string
	Endpoint       string
	Hash           string
	CompressedSize int
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// StoreRawPayload archives payload keyed by its SHA-256. Archiving the same
// body twice returns the first row's id.
func (s *Store) StoreRawPayload(runID, source, station, endpoint string, payload []byte) (int64, error) {
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	compressed, err := gzipBytes(payload)
	if err != nil {
		return 0, fmt.Errorf("gzip payload: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO raw_payloads (run_id, fetched_at, source, station, endpoint, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, runID, time.Now().UTC(), source, station, endpoint, compressed, hash); err != nil {
		return 0, fmt.Errorf("archive payload: %w", err)
	}

	var id int64
	if err := s.db.QueryRow(`SELECT id FROM raw_payloads WHERE payload_hash = ?`, hash).Scan(&id); err != nil {
		return 0, fmt.Errorf("find archived payload: %w", err)
	}
	return id, nil
}

// GetRawPayload returns the decompressed body of an archived payload.
func (s *Store) GetRawPayload(id int64) ([]byte, error) {
	var compressed []byte
	if err := s.db.QueryRow(`SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).Scan(&compressed); err != nil {
		return nil, fmt.Errorf("payload %d: %w", id, err)
	}
	body, err := gunzipBytes(compressed)
	if err != nil {
		return nil, fmt.Errorf("payload %d: gunzip: %w", id, err)
	}
	return body, nil
}

// GetRawPayloadInfo returns nil, nil for an unknown id.
func (s *Store) GetRawPayloadInfo(id int64) (*RawPayload, error) {
	var p RawPayload
	err := s.db.QueryRow(`
		SELECT id, run_id, fetched_at, source, station, endpoint, payload_hash, LENGTH(payload_compressed)
		FROM raw_payloads
		WHERE id = ?
	`, id).Scan(&p.ID, &p.RunID, &p.FetchedAt, &p.Source, &p.Station, &p.Endpoint, &p.Hash, &p.CompressedSize)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CleanupOldRawPayloads prunes archived payloads past the retention window
// and reports how many went. Audit rows keep their dangling payload_id.
func (s *Store) CleanupOldRawPayloads(retentionDays int) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM raw_payloads WHERE fetched_at < DATE('now', ?)`,
		fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, fmt.Errorf("prune payloads: %w", err)
	}
	return res.RowsAffected()
}
