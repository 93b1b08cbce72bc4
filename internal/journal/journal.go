// Package journal keeps a local SQLite trail of submitted transactions and
// written export artifacts for support lookups. Nothing in it decides where
// a provisioning session stands; the ledger does that.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/marketctl/internal/journal/migrations"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/danmuck/marketctl/internal/txn"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	ErrNotOpen      = errors.New("journal: not open")
	ErrInvalidEntry = errors.New("journal: invalid entry")
)

// Submission is one recorded submission attempt.
type Submission struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Signature string    `json:"signature,omitempty"`
	Outcome   string    `json:"outcome"`
	Recovered bool      `json:"recovered"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Export is one written configuration artifact.
type Export struct {
	ID        string                   `json:"id"`
	Path      string                   `json:"path"`
	Authority string                   `json:"authority"`
	Network   string                   `json:"network"`
	Config    provision.ExportedConfig `json:"config"`
	CreatedAt time.Time                `json:"createdAt"`
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the journal at path and applies migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: journal path is required", ErrInvalidEntry)
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: run migrations: %w", err)
	}
	log.Debug().Str("path", path).Msg("journal.Open ready")
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j == nil || j.db == nil {
		return ErrNotOpen
	}
	return nil
}

// RecordSubmission implements txn.Recorder.
func (j *Journal) RecordSubmission(ctx context.Context, record txn.Record) error {
	if err := j.ready(ctx); err != nil {
		return err
	}
	label := strings.TrimSpace(record.Label)
	outcome := strings.TrimSpace(record.Outcome)
	if label == "" || outcome == "" {
		return fmt.Errorf("%w: submission needs a label and an outcome", ErrInvalidEntry)
	}
	var signature string
	if !record.Signature.IsZero() {
		signature = record.Signature.String()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO submissions (id, label, signature, outcome, recovered, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		uuid.NewString(),
		label,
		signature,
		outcome,
		record.Recovered,
		record.Err,
		j.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal: record submission: %w", err)
	}
	return nil
}

// RecordExport implements provision.ExportRecorder.
func (j *Journal) RecordExport(ctx context.Context, path string, cfg *provision.ExportedConfig) error {
	if err := j.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" || cfg == nil {
		return fmt.Errorf("%w: export needs a path and a config", ErrInvalidEntry)
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("journal: encode export: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
INSERT INTO exports (id, path, authority, network, config, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		uuid.NewString(),
		path,
		cfg.AuthorityAddress,
		cfg.Network,
		string(body),
		j.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal: record export: %w", err)
	}
	return nil
}

// Submissions lists newest-first submissions.
func (j *Journal) Submissions(ctx context.Context, limit int) ([]Submission, error) {
	return j.submissions(ctx, `
SELECT id, label, signature, outcome, recovered, error, created_at
FROM submissions
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, limit)
}

// Lookup returns every attempt recorded for signature.
func (j *Journal) Lookup(ctx context.Context, signature string) ([]Submission, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return nil, fmt.Errorf("%w: signature is required", ErrInvalidEntry)
	}
	return j.submissions(ctx, `
SELECT id, label, signature, outcome, recovered, error, created_at
FROM submissions
WHERE signature = ?
ORDER BY created_at DESC, rowid DESC
`, signature)
}

func (j *Journal) submissions(ctx context.Context, query string, arg any) ([]Submission, error) {
	if err := j.ready(ctx); err != nil {
		return nil, err
	}
	if n, ok := arg.(int); ok && n <= 0 {
		return nil, fmt.Errorf("%w: limit must be greater than zero", ErrInvalidEntry)
	}
	rows, err := j.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("journal: list submissions: %w", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var s Submission
		var createdAt int64
		if err := rows.Scan(&s.ID, &s.Label, &s.Signature, &s.Outcome, &s.Recovered, &s.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: scan submission: %w", err)
		}
		s.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate submissions: %w", err)
	}
	return out, nil
}

// Exports lists newest-first exports.
func (j *Journal) Exports(ctx context.Context, limit int) ([]Export, error) {
	if err := j.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be greater than zero", ErrInvalidEntry)
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, path, authority, network, config, created_at
FROM exports
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list exports: %w", err)
	}
	defer rows.Close()

	var out []Export
	for rows.Next() {
		var e Export
		var body string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Path, &e.Authority, &e.Network, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: scan export: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &e.Config); err != nil {
			return nil, fmt.Errorf("journal: decode export %s: %w", e.ID, err)
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate exports: %w", err)
	}
	return out, nil
}
