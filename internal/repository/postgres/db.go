// Package postgres implements the engine's repositories on PostgreSQL via
// lib/pq.
package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Postgres error codes the repositories translate into sentinels.
const (
	codeUniqueViolation  = "23505"
	codeLockNotAvailable = "55P03"
)

type scanner interface {
	Scan(dest ...any) error
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isUniqueViolation(err error) bool  { return pqCode(err) == codeUniqueViolation }
func isLockNotAvailable(err error) bool { return pqCode(err) == codeLockNotAvailable }

// jsonValue marshals v for a JSONB column. Nil maps are stored as NULL.
func jsonValue(v any) (any, error) {
	switch m := v.(type) {
	case map[string]any:
		if m == nil {
			return nil, nil
		}
	case map[string]string:
		if m == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return string(b), nil
}

// scanJSON decodes a nullable JSONB column into dst.
func scanJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func rollback(tx *sql.Tx) { _ = tx.Rollback() }
