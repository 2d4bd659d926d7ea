//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	logx "fragbot/pkg/logx"
)

// Stub for builds without the sqlite tag, so selecting the driver in
// config fails with a clear message instead of at link time.
func newSQLiteStore(Config, logx.Logger) (Store, error) {
	return nil, errors.New("sqlite storage not built: build with -tags sqlite")
}
