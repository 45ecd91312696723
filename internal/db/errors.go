package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/contentops/internal/ledger"
)

// wrapQueryError inspects a SurrealDB error and wraps it with the matching
// ledger sentinel. A transaction conflict means another writer touched the
// record first, which callers treat like a failed version check.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "already contains") {
			return fmt.Errorf("%w: %s", ledger.ErrAlreadyExists, msg)
		}
		if strings.Contains(msg, "Transaction conflict") || strings.Contains(msg, "transaction conflict") {
			return fmt.Errorf("%w: %s", ledger.ErrVersionConflict, msg)
		}
	}

	return err
}
