package store

import (
	"database/sql"
	"strings"
)

// classifyErrText normalises a raw driver error into one of the store's
// sentinel errors when the text indicates a recognised failure mode,
// leaving other errors (including sql.ErrNoRows) untouched for callers to
// handle themselves.
func classifyErrText(err error) error {
	if err == nil || err == sql.ErrNoRows {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "readonly"), strings.Contains(msg, "read-only"),
		strings.Contains(msg, "disk full"), strings.Contains(msg, "disk i/o error"),
		strings.Contains(msg, "database is locked"), strings.Contains(msg, "locked"):
		return ErrReadOnly
	default:
		return err
	}
}

// ClassifyErrText is the exported form used by backend packages that live
// outside internal/store (sqlite, postgres) to apply the same text-based
// failure classification.
func ClassifyErrText(err error) error {
	return classifyErrText(err)
}
