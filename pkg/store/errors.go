// Package store is the SQL adapter beneath the run repository. It owns the
// upsert/select primitives and the index-backed queries; domain policy
// (status precedence, event emission, hierarchy assembly) lives above it in
// pkg/services.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrStorageUnavailable wraps transient backend failures (dead
	// connection, pool exhaustion, statement timeout). Callers map it to
	// 503 so SDKs retry with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConstraintViolation wraps schema-level failures that retrying
	// cannot fix. Duplicate ids are never reported through this — upsert
	// semantics absorb them.
	ErrConstraintViolation = errors.New("constraint violation")
)

// classifyErr wraps a driver error into the store taxonomy.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		// Class 08 — connection exceptions, 53 — insufficient resources,
		// 57 — operator intervention (shutdown), 40 — transaction rollback.
		case "08", "53", "57", "40":
			return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
		// Class 22 — data exceptions, 23 — integrity constraints,
		// 42 — syntax/undefined objects (schema drift).
		case "22", "23", "42":
			return fmt.Errorf("%s: %w: %w", op, ErrConstraintViolation, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
