package postgres

import "time"

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// nullTime converts a zero time to nil so the column default applies.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
