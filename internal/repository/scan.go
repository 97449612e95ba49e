// Package repository stores one audit row per processed scan attempt.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the part of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("scan result not found")

// ScanResult is a row in scan_results. Optional columns are empty strings
// when unset.
type ScanResult struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"taskId,omitempty"`
	Topic        string        `json:"topic"`
	URL          string        `json:"url"`
	FileName     string        `json:"fileName"`
	UploadType   string        `json:"uploadType"`
	SubmissionID string        `json:"submissionId,omitempty"`
	Verdict      string        `json:"verdict,omitempty"`
	Signature    string        `json:"signature,omitempty"`
	BombCode     string        `json:"bombCode,omitempty"`
	Destination  string        `json:"destination,omitempty"`
	ErrorKind    string        `json:"errorKind,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Duration     time.Duration `json:"durationMs"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// ScanRepository wraps all SQL touching scan_results.
type ScanRepository struct {
	db DB
}

// NewScanRepository constructs a repository.
func NewScanRepository(db DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const columns = `id, COALESCE(task_id,''), topic, url, file_name, upload_type, COALESCE(submission_id,''),
	COALESCE(verdict,''), COALESCE(signature,''), COALESCE(bomb_code,''), COALESCE(destination,''),
	COALESCE(error_kind,''), COALESCE(error_message,''), duration_ms, created_at`

// Record inserts res, filling ID and CreatedAt when empty.
func (r *ScanRepository) Record(ctx context.Context, res *ScanResult) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO scan_results (id, task_id, topic, url, file_name, upload_type, submission_id,
			verdict, signature, bomb_code, destination, error_kind, error_message, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, res.ID, nullable(res.TaskID), res.Topic, res.URL, res.FileName, res.UploadType, nullable(res.SubmissionID),
		nullable(res.Verdict), nullable(res.Signature), nullable(res.BombCode), nullable(res.Destination),
		nullable(res.ErrorKind), nullable(res.ErrorMessage), res.Duration.Milliseconds(), res.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scan result: %w", err)
	}
	return nil
}

// Get returns a row by id.
func (r *ScanRepository) Get(ctx context.Context, id string) (*ScanResult, error) {
	row := r.db.QueryRow(ctx, `SELECT `+columns+` FROM scan_results WHERE id=$1`, id)
	res, err := scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select scan result: %w", err)
	}
	return res, nil
}

// Recent returns the newest rows, optionally only those for url.
func (r *ScanRepository) Recent(ctx context.Context, url string, limit int) ([]ScanResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+columns+` FROM scan_results
		WHERE ($1 = '' OR url = $1)
		ORDER BY created_at DESC LIMIT $2
	`, url, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan results: %w", err)
	}
	defer rows.Close()

	var out []ScanResult
	for rows.Next() {
		res, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func scan(row pgx.Row) (*ScanResult, error) {
	var (
		res        ScanResult
		durationMs int64
	)
	err := row.Scan(&res.ID, &res.TaskID, &res.Topic, &res.URL, &res.FileName, &res.UploadType, &res.SubmissionID,
		&res.Verdict, &res.Signature, &res.BombCode, &res.Destination, &res.ErrorKind, &res.ErrorMessage,
		&durationMs, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Duration(durationMs) * time.Millisecond
	return &res, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
