package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/texnomagic/texnomagic/internal/alphabet"
	"github.com/texnomagic/texnomagic/pkg/postgres"
)

// PostgresStore persists reports in PostgreSQL. Its table is created on
// open:
//
//	CREATE TABLE check_reports (
//	    id         BIGSERIAL PRIMARY KEY,
//	    alphabet   TEXT NOT NULL,
//	    errors     INTEGER NOT NULL,
//	    warnings   INTEGER NOT NULL,
//	    report     JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PostgresStore struct {
	db     *postgres.Client
	now    func() time.Time
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS check_reports (
	id         BIGSERIAL PRIMARY KEY,
	alphabet   TEXT NOT NULL,
	errors     INTEGER NOT NULL,
	warnings   INTEGER NOT NULL,
	report     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS check_reports_alphabet_created_idx
	ON check_reports (alphabet, created_at DESC);
`

// NewPostgresStore ensures the schema exists and returns the store.
func NewPostgresStore(ctx context.Context, db *postgres.Client) (*PostgresStore, error) {
	if _, err := db.DB.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("creating check_reports schema: %w", err)
	}
	return &PostgresStore{
		db:     db,
		now:    time.Now,
		logger: slog.Default().With("component", "audit-store", "backend", "postgres"),
	}, nil
}

func (s *PostgresStore) Save(ctx context.Context, alphabetID string, report alphabet.Report) (Record, error) {
	rec, err := newRecord(alphabetID, report, s.now())
	if err != nil {
		return Record{}, err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return Record{}, fmt.Errorf("marshaling report: %w", err)
	}

	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`INSERT INTO check_reports (alphabet, errors, warnings, report, created_at)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			rec.Alphabet, rec.Errors, rec.Warnings, data, rec.CreatedAt,
		).Scan(&rec.ID)
	})
	if err != nil {
		return Record{}, fmt.Errorf("saving check report: %w", err)
	}

	s.logger.Info("check report saved",
		"alphabet", rec.Alphabet,
		"errors", rec.Errors,
		"warnings", rec.Warnings,
	)
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, alphabetID string, limit int) ([]Record, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, alphabet, errors, warnings, report, created_at
		 FROM check_reports WHERE alphabet = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		alphabetID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing check reports: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec  Record
			data []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Alphabet, &rec.Errors, &rec.Warnings, &data, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning check report row: %w", err)
		}
		if err := json.Unmarshal(data, &rec.Report); err != nil {
			s.logger.Warn("skipping corrupt check report", "id", rec.ID, "error", err)
			continue
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
