package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/safety.filter/internal/certificate"
)

// InsertCertificate archives an installed certificate and returns its row id.
func (db *DB) InsertCertificate(rec *certificate.ArchiveRecord) (int64, error) {
	shape, err := json.Marshal(rec.Shape)
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(`INSERT INTO certificates (
			run_id, version, source, installed_unix_nanos, shape_json, min_value, max_value, blob
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Version, rec.Source, rec.InstalledAt.UnixNano(), string(shape),
		rec.MinValue, rec.MaxValue, rec.Blob,
	)
	if err != nil {
		return 0, fmt.Errorf("insert certificate version %d: %w", rec.Version, err)
	}
	return res.LastInsertId()
}

// CertificateRow describes an archived certificate without its blob.
type CertificateRow struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Version     uint64    `json:"version"`
	Source      string    `json:"source"`
	InstalledAt time.Time `json:"installed_at"`
	Shape       []int     `json:"shape"`
	MinValue    float64   `json:"min_value"`
	MaxValue    float64   `json:"max_value"`
	BlobBytes   int       `json:"blob_bytes"`
}

// Certificates lists archived certificates, newest first.
func (db *DB) Certificates(limit int) ([]CertificateRow, error) {
	rows, err := db.Query(`SELECT id, run_id, version, source, installed_unix_nanos, shape_json,
			min_value, max_value, length(blob)
		FROM certificates ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CertificateRow
	for rows.Next() {
		var (
			c     CertificateRow
			ts    int64
			shape string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.Version, &c.Source, &ts, &shape,
			&c.MinValue, &c.MaxValue, &c.BlobBytes); err != nil {
			return nil, err
		}
		c.InstalledAt = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(shape), &c.Shape); err != nil {
			return nil, fmt.Errorf("certificate %d shape: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadCertificateBlob returns the encoded table stored under id.
func (db *DB) LoadCertificateBlob(id int64) ([]byte, error) {
	var blob []byte
	err := db.QueryRow(`SELECT blob FROM certificates WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("certificate %d not found", id)
	}
	return blob, err
}
