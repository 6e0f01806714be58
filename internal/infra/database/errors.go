package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xavierca1/leadsync/internal/entity"
)

const pgUniqueViolation = "23505"

// ErrQueueContention is returned when a lead's sync queue kept changing
// between read and write.
var ErrQueueContention = errors.New("sync queue changed concurrently")

// mapErr translates driver errors into entity sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return entity.ErrLeadNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", entity.ErrConflict, pgErr.ConstraintName)
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", entity.ErrConflict, sqErr.Error())
		}
	}
	return err
}
