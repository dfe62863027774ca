package sqlite

import (
	"errors"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/blackmichael/member-feed/internal/domain"
)

// classify wraps a driver error with the storage error kind callers branch
// on. Constraint and corruption codes are not retryable; everything else
// (busy, locked, I/O, closed pools, cancelled contexts) is.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := domain.ErrStorageUnavailable

	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT,
			sqlite3.SQLITE_CORRUPT,
			sqlite3.SQLITE_NOTADB,
			sqlite3.SQLITE_MISMATCH,
			sqlite3.SQLITE_SCHEMA:
			kind = domain.ErrStorageCorruption
		}
	}

	return &domain.StorageError{Op: op, Kind: kind, Err: err}
}
