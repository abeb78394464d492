package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/pkg/api"
)

// SQLiteStore is a DeltaFileStore and JoinStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// DeltaFiles are stored as JSON documents alongside the columns the
// sweeps query on; the version column carries the optimistic lock.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var _ DeltaFileStore = (*SQLiteStore)(nil)

var _ JoinStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS delta_files (
			did TEXT PRIMARY KEY,
			data_source TEXT NOT NULL,
			stage TEXT NOT NULL,
			modified TEXT NOT NULL,
			next_auto_resume TEXT,
			queued INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL,
			document TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_delta_files_stage_modified
			ON delta_files (stage, modified);

		CREATE TABLE IF NOT EXISTS join_groups (
			id TEXT PRIMARY KEY,
			join_key TEXT NOT NULL,
			flow_name TEXT NOT NULL,
			claimed INTEGER NOT NULL DEFAULT 0,
			expiration TEXT NOT NULL,
			max_num INTEGER NOT NULL,
			members TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_join_groups_key
			ON join_groups (join_key, flow_name, claimed);`,
	)
	return err
}

const sqliteTimeFormat = time.RFC3339Nano

func earliestAutoResume(deltaFile *api.DeltaFile) sql.NullString {
	earliest := NextAutoResume(deltaFile)
	if earliest == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: earliest.UTC().Format(sqliteTimeFormat), Valid: true}
}

func (s *SQLiteStore) Insert(ctx context.Context, deltaFile *api.DeltaFile) error {
	deltaFile.Version = 1
	document, err := EncodeDeltaFile(deltaFile)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delta_files (did, data_source, stage, modified, next_auto_resume, queued, version, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		deltaFile.Did.String(),
		deltaFile.DataSource,
		string(deltaFile.Stage),
		deltaFile.Modified.UTC().Format(sqliteTimeFormat),
		earliestAutoResume(deltaFile),
		deltaFile.HasQueuedAction(),
		deltaFile.Version,
		string(document),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// isUniqueViolation matches the primary-key violation text so we stay
// driver-agnostic across modernc.org/sqlite and mattn/go-sqlite3.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func (s *SQLiteStore) Update(ctx context.Context, deltaFile *api.DeltaFile) error {
	expected := deltaFile.Version
	deltaFile.Version++
	document, err := EncodeDeltaFile(deltaFile)
	if err != nil {
		deltaFile.Version = expected
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE delta_files
		SET data_source = ?, stage = ?, modified = ?, next_auto_resume = ?, queued = ?, version = ?, document = ?
		WHERE did = ? AND version = ?`,
		deltaFile.DataSource,
		string(deltaFile.Stage),
		deltaFile.Modified.UTC().Format(sqliteTimeFormat),
		earliestAutoResume(deltaFile),
		deltaFile.HasQueuedAction(),
		deltaFile.Version,
		string(document),
		deltaFile.Did.String(),
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
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delta_files WHERE did = ?`, deltaFile.Did.String())
		if scanErr := row.Scan(&exists); scanErr == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrOptimisticConflict
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, did uuid.UUID) (*api.DeltaFile, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM delta_files WHERE did = ?`, did.String(),
	).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return DecodeDeltaFile([]byte(document))
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*api.DeltaFile, error) {
	query := `SELECT document FROM delta_files`
	var conditions []string
	var args []any
	if filter.DataSource != "" {
		conditions = append(conditions, `data_source = ?`)
		args = append(args, filter.DataSource)
	}
	if filter.Stage != "" {
		conditions = append(conditions, `stage = ?`)
		args = append(args, string(filter.Stage))
	}
	for i, cond := range conditions {
		if i == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.DeltaFile
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		deltaFile, err := DecodeDeltaFile([]byte(document))
		if err != nil {
			return nil, err
		}
		result = append(result, deltaFile)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) StaleInFlight(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT did FROM delta_files
		WHERE modified < ? AND (stage = ? OR (stage = ? AND queued = 1))`,
		olderThan.UTC().Format(sqliteTimeFormat),
		string(api.StageInFlight),
		string(api.StageError),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDids(rows)
}

func (s *SQLiteStore) AutoResumeDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT did FROM delta_files
		WHERE stage = ? AND next_auto_resume IS NOT NULL AND next_auto_resume <= ?`,
		string(api.StageError),
		now.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDids(rows)
}

func scanDids(rows *sql.Rows) ([]uuid.UUID, error) {
	var dids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		did, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

func (s *SQLiteStore) AppendMember(ctx context.Context, joinKey, flowName string, member JoinMember, maxNum int, expiration time.Time) (*JoinGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id      string
		members string
		expStr  string
		max     int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, members, expiration, max_num FROM join_groups
		WHERE join_key = ? AND flow_name = ? AND claimed = 0`,
		joinKey, flowName,
	).Scan(&id, &members, &expStr, &max)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		group := &JoinGroup{
			ID:         uuid.New(),
			JoinKey:    joinKey,
			FlowName:   flowName,
			Members:    []JoinMember{member},
			MaxNum:     maxNum,
			Expiration: expiration,
		}
		encoded, err := encodeMembers(group.Members)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO join_groups (id, join_key, flow_name, claimed, expiration, max_num, members)
			VALUES (?, ?, ?, 0, ?, ?, ?)`,
			group.ID.String(), joinKey, flowName,
			expiration.UTC().Format(sqliteTimeFormat), maxNum, encoded,
		); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return group, nil

	case err != nil:
		return nil, err
	}

	groupID, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	existing, err := decodeMembers(members)
	if err != nil {
		return nil, err
	}
	existing = append(existing, member)
	encoded, err := encodeMembers(existing)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE join_groups SET members = ? WHERE id = ?`, encoded, id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	exp, err := time.Parse(sqliteTimeFormat, expStr)
	if err != nil {
		return nil, err
	}
	return &JoinGroup{
		ID:         groupID,
		JoinKey:    joinKey,
		FlowName:   flowName,
		Members:    existing,
		MaxNum:     max,
		Expiration: exp,
	}, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE join_groups SET claimed = 1 WHERE id = ? AND claimed = 0`, id.String(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLiteStore) Expired(ctx context.Context, now time.Time) ([]*JoinGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, join_key, flow_name, expiration, max_num, members FROM join_groups
		WHERE claimed = 0 AND expiration <= ?`,
		now.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*JoinGroup
	for rows.Next() {
		var (
			id      string
			joinKey string
			flow    string
			expStr  string
			maxNum  int
			members string
		)
		if err := rows.Scan(&id, &joinKey, &flow, &expStr, &maxNum, &members); err != nil {
			return nil, err
		}
		groupID, err := uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		exp, err := time.Parse(sqliteTimeFormat, expStr)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeMembers(members)
		if err != nil {
			return nil, err
		}
		groups = append(groups, &JoinGroup{
			ID:         groupID,
			JoinKey:    joinKey,
			FlowName:   flow,
			Members:    decoded,
			MaxNum:     maxNum,
			Expiration: exp,
		})
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM join_groups WHERE id = ?`, id.String())
	return err
}
