package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrSchemaMismatch reports a missing table or column. The schema repairer can fix it.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrMatchNotFound is permanent: retrying will not create the row.
	ErrMatchNotFound = errors.New("match not found")
)

const (
	pqUndefinedTable  = "42P01"
	pqUndefinedColumn = "42703"
)

var sqliteSchemaMessages = []string{"no such table", "no such column", "has no column named"}

// classify tags schema-shape errors from either driver with ErrSchemaMismatch.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrSchemaMismatch) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == pqUndefinedTable || pqErr.Code == pqUndefinedColumn {
			return fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
		}
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		msg := sqliteErr.Error()
		for _, m := range sqliteSchemaMessages {
			if strings.Contains(msg, m) {
				return fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
			}
		}
	}
	return err
}
