// Package postgres provides PostgreSQL-backed persistence for conduit
// DeltaFiles and join groups.
package postgres

import (
	"database/sql"

	"github.com/petrijr/conduit"
	pstore "github.com/petrijr/conduit/postgres/internal/persistence"
)

// NewPostgresEngine returns an Engine that persists DeltaFiles and join
// groups in PostgreSQL, dispatching work over the given queue.
func NewPostgresEngine(db *sql.DB, q conduit.Queue) (conduit.Engine, error) {
	return NewPostgresEngineWithObserver(db, q, nil)
}

// NewPostgresEngineWithObserver is the Postgres-backed engine
// constructor that accepts an Observer.
func NewPostgresEngineWithObserver(db *sql.DB, q conduit.Queue, obs conduit.Observer) (conduit.Engine, error) {
	store, err := pstore.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return conduit.NewEngineWithConfig(conduit.Config{
		Persistence: conduit.Persistence{DeltaFiles: store, Joins: store},
		Queue:       q,
		Observer:    obs,
	})
}

// NewPostgresStore returns the Postgres store directly for callers
// assembling a Config by hand.
func NewPostgresStore(db *sql.DB) (*pstore.PostgresStore, error) {
	return pstore.NewPostgresStore(db)
}
