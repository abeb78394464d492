package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	corep "github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

// PostgresStore persists DeltaFiles and join groups in PostgreSQL.
//
// It expects an *sql.DB using a PostgreSQL driver (for example
// "github.com/jackc/pgx/v5/stdlib"). The caller is responsible for
// importing the driver for its side effects and providing a DSN via
// sql.Open.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ corep.DeltaFileStore = (*PostgresStore)(nil)
	_ corep.JoinStore      = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS delta_files (
			did UUID PRIMARY KEY,
			data_source TEXT NOT NULL,
			stage TEXT NOT NULL,
			modified TIMESTAMPTZ NOT NULL,
			next_auto_resume TIMESTAMPTZ,
			queued BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL,
			document JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_delta_files_stage_modified
			ON delta_files (stage, modified);
		CREATE INDEX IF NOT EXISTS idx_delta_files_auto_resume
			ON delta_files (stage, next_auto_resume);

		CREATE TABLE IF NOT EXISTS join_groups (
			id UUID PRIMARY KEY,
			join_key TEXT NOT NULL,
			flow_name TEXT NOT NULL,
			claimed BOOLEAN NOT NULL DEFAULT FALSE,
			expiration TIMESTAMPTZ NOT NULL,
			max_num INTEGER NOT NULL,
			members JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_join_groups_key
			ON join_groups (join_key, flow_name, claimed);
	`)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, deltaFile *api.DeltaFile) error {
	deltaFile.Version = 1
	document, err := corep.EncodeDeltaFile(deltaFile)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delta_files (did, data_source, stage, modified, next_auto_resume, queued, version, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		deltaFile.Did,
		deltaFile.DataSource,
		string(deltaFile.Stage),
		deltaFile.Modified.UTC(),
		nullableTime(corep.NextAutoResume(deltaFile)),
		deltaFile.HasQueuedAction(),
		deltaFile.Version,
		string(document),
	)
	if err != nil && isUniqueViolation(err) {
		return corep.ErrDuplicate
	}
	return err
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// isUniqueViolation matches SQLSTATE 23505 by text so the store works
// with both pgx/stdlib and lib/pq error types.
func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func (s *PostgresStore) Update(ctx context.Context, deltaFile *api.DeltaFile) error {
	expected := deltaFile.Version
	deltaFile.Version++
	document, err := corep.EncodeDeltaFile(deltaFile)
	if err != nil {
		deltaFile.Version = expected
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE delta_files
		SET data_source = $1, stage = $2, modified = $3, next_auto_resume = $4, queued = $5, version = $6, document = $7
		WHERE did = $8 AND version = $9`,
		deltaFile.DataSource,
		string(deltaFile.Stage),
		deltaFile.Modified.UTC(),
		nullableTime(corep.NextAutoResume(deltaFile)),
		deltaFile.HasQueuedAction(),
		deltaFile.Version,
		string(document),
		deltaFile.Did,
		expected,
	)
	if err != nil {
		deltaFile.Version = expected
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		deltaFile.Version = expected
		return err
	}
	if affected == 0 {
		deltaFile.Version = expected
		var exists int
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delta_files WHERE did = $1`, deltaFile.Did)
		if scanErr := row.Scan(&exists); scanErr == nil && exists == 0 {
			return corep.ErrNotFound
		}
		return corep.ErrOptimisticConflict
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, did uuid.UUID) (*api.DeltaFile, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM delta_files WHERE did = $1`, did,
	).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corep.ErrNotFound
		}
		return nil, err
	}
	return corep.DecodeDeltaFile(document)
}

func (s *PostgresStore) List(ctx context.Context, filter corep.Filter) ([]*api.DeltaFile, error) {
	query := `SELECT document FROM delta_files`
	var conditions []string
	var args []any
	if filter.DataSource != "" {
		args = append(args, filter.DataSource)
		conditions = append(conditions, "data_source = $1")
	}
	if filter.Stage != "" {
		args = append(args, string(filter.Stage))
		if len(args) == 1 {
			conditions = append(conditions, "stage = $1")
		} else {
			conditions = append(conditions, "stage = $2")
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY modified"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*api.DeltaFile
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		deltaFile, err := corep.DecodeDeltaFile(document)
		if err != nil {
			return nil, err
		}
		results = append(results, deltaFile)
	}
	return results, rows.Err()
}

func (s *PostgresStore) StaleInFlight(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	return s.queryDids(ctx, `
		SELECT did FROM delta_files
		WHERE modified < $1 AND (stage = $2 OR (stage = $3 AND queued))`,
		olderThan.UTC(), string(api.StageInFlight), string(api.StageError))
}

func (s *PostgresStore) AutoResumeDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.queryDids(ctx, `
		SELECT did FROM delta_files
		WHERE stage = $1 AND next_auto_resume IS NOT NULL AND next_auto_resume <= $2`,
		string(api.StageError), now.UTC())
}

func (s *PostgresStore) queryDids(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dids []uuid.UUID
	for rows.Next() {
		var did uuid.UUID
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// AppendMember runs in a transaction: the unclaimed group row is locked
// with FOR UPDATE so concurrent appenders serialize on the same group
// instead of creating duplicates.
func (s *PostgresStore) AppendMember(ctx context.Context, joinKey, flowName string, member corep.JoinMember, maxNum int, expiration time.Time) (*corep.JoinGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	group := &corep.JoinGroup{}
	var membersJSON []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, expiration, max_num, members FROM join_groups
		WHERE join_key = $1 AND flow_name = $2 AND claimed = FALSE
		FOR UPDATE`,
		joinKey, flowName,
	).Scan(&group.ID, &group.Expiration, &group.MaxNum, &membersJSON)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		group.ID = uuid.New()
		group.Expiration = expiration
		group.MaxNum = maxNum
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(membersJSON, &group.Members); err != nil {
			return nil, err
		}
	}

	group.JoinKey = joinKey
	group.FlowName = flowName
	group.Members = append(group.Members, member)

	encoded, err := json.Marshal(group.Members)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO join_groups (id, join_key, flow_name, claimed, expiration, max_num, members)
		VALUES ($1, $2, $3, FALSE, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET members = EXCLUDED.members`,
		group.ID, joinKey, flowName, group.Expiration.UTC(), group.MaxNum, string(encoded),
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return group, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE join_groups SET claimed = TRUE
		WHERE id = $1 AND claimed = FALSE`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *PostgresStore) Expired(ctx context.Context, now time.Time) ([]*corep.JoinGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, join_key, flow_name, expiration, max_num, members FROM join_groups
		WHERE claimed = FALSE AND expiration < $1`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*corep.JoinGroup
	for rows.Next() {
		group := &corep.JoinGroup{}
		var membersJSON []byte
		if err := rows.Scan(&group.ID, &group.JoinKey, &group.FlowName,
			&group.Expiration, &group.MaxNum, &membersJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(membersJSON, &group.Members); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM join_groups WHERE id = $1`, id)
	return err
}
