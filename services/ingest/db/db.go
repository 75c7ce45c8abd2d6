// Package db owns the ATVES warehouse schema and the typed access
// layer over it.
package db

import (
	"context"
	"database/sql"
	"time"

	_ "embed"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

// Open opens (or creates) the warehouse at path and applies the
// schema. ":memory:" works for tests.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := database.ExecContext(ctx, Schema); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// date and datetime renderings used across every table
const (
	dateFormat     = "2006-01-02"
	datetimeFormat = "2006-01-02 15:04:05"
)

func formatDate(t time.Time) string {
	return t.Format(dateFormat)
}

func formatDatetime(t time.Time) string {
	return t.Format(datetimeFormat)
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	if len(s) > len(dateFormat) {
		return time.ParseInLocation(datetimeFormat, s, loc)
	}
	return time.ParseInLocation(dateFormat, s, loc)
}
