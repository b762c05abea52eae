package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/texnomagic/texnomagic/internal/alphabet"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS check_reports (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	alphabet   TEXT NOT NULL,
	errors     INTEGER NOT NULL,
	warnings   INTEGER NOT NULL,
	report     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS check_reports_alphabet_created_idx
	ON check_reports (alphabet, created_at DESC);
`

// SQLiteStore persists reports in a local SQLite file, for single-user
// installs without a database server.
type SQLiteStore struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens, and creates when missing, the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating sqlite directory: %w", err)
	}

	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, now: time.Now}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, alphabetID string, report alphabet.Report) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec, err := newRecord(alphabetID, report, s.now())
	if err != nil {
		return Record{}, err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return Record{}, fmt.Errorf("marshal report: %w", err)
	}

	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO check_reports (alphabet, errors, warnings, report, created_at)
VALUES (?, ?, ?, ?, ?)
`,
		rec.Alphabet, rec.Errors, rec.Warnings, string(data), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("put check report: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("check report id: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(rec.CreatedAt.UnixMilli()).UTC()
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, alphabetID string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, alphabet, errors, warnings, report, created_at
FROM check_reports
WHERE alphabet = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, alphabetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list check reports: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			data      string
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Alphabet, &rec.Errors, &rec.Warnings, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan check report: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &rec.Report); err != nil {
			return nil, fmt.Errorf("unmarshal check report %d: %w", rec.ID, err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
