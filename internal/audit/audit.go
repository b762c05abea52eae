// Package audit keeps the history of alphabet consistency checks so that
// regressions in symbol separability can be tracked over time.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/texnomagic/texnomagic/internal/alphabet"
)

// Record is one stored check report.
type Record struct {
	ID        int64           `json:"id"`
	Alphabet  string          `json:"alphabet"`
	Errors    int             `json:"errors"`
	Warnings  int             `json:"warnings"`
	Report    alphabet.Report `json:"report"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists check reports.
type Store interface {
	// Save stores report under alphabetID and returns the stored record.
	Save(ctx context.Context, alphabetID string, report alphabet.Report) (Record, error)
	// List returns up to limit records of alphabetID, newest first.
	List(ctx context.Context, alphabetID string, limit int) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// maxListLimit caps List page sizes.
const maxListLimit = 100

func newRecord(alphabetID string, report alphabet.Report, now time.Time) (Record, error) {
	alphabetID = strings.TrimSpace(alphabetID)
	if alphabetID == "" {
		return Record{}, fmt.Errorf("alphabet id is required")
	}
	return Record{
		Alphabet:  alphabetID,
		Errors:    report.Count(alphabet.Error),
		Warnings:  report.Count(alphabet.Warn),
		Report:    report,
		CreatedAt: now.UTC(),
	}, nil
}

func clampLimit(limit int) (int, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("limit must be greater than zero")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
