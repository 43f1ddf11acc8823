package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	"postpipe/pkg/logx"
)

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  *sqlStore
		err error
	)
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}
