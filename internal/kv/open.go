package kv

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Drivers accepted by Open
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the Store for driver and a func releasing it. path is used
// by sqlite, dsn by postgres.
func Open(ctx context.Context, driver, path, dsn string) (Store, func(), error) {
	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(), func() {}, nil

	case DriverSQLite:
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case DriverPostgres:
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		s, err := NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown kv driver %q", driver)
	}
}
