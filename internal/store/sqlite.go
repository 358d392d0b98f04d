package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/etsy/jenkins-master-project/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: every ":memory:" connection is a separate database, and
	// master build writes are serialized anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Master builds ---

const masterBuildColumns = `id, project, number, state, result, sub_projects, hidden_sub_projects,
	max_retries, notify_on_rebuild, parameters, triggered_by, created_at, completed_at`

// CreateMasterBuild inserts mb and assigns it the next number of its project.
func (s *SQLiteStore) CreateMasterBuild(ctx context.Context, mb *model.MasterBuild) error {
	s.logger.Debug("sql", "op", "insert", "table", "master_builds", "id", mb.ID)

	subJSON, err := json.Marshal(nonNil(mb.SubProjects))
	if err != nil {
		return fmt.Errorf("marshal sub_projects: %w", err)
	}
	hiddenJSON, err := json.Marshal(nonNil(mb.HiddenSubProjects))
	if err != nil {
		return fmt.Errorf("marshal hidden_sub_projects: %w", err)
	}
	paramsJSON, err := json.Marshal(mb.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	if mb.Parameters == nil {
		paramsJSON = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var number int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM master_builds WHERE project = ?`, mb.Project,
	).Scan(&number); err != nil {
		return fmt.Errorf("next number: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO master_builds (`+masterBuildColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mb.ID, mb.Project, number, string(mb.State), string(mb.Result),
		string(subJSON), string(hiddenJSON), mb.MaxRetries, boolInt(mb.NotifyOnRebuild),
		string(paramsJSON), mb.TriggeredBy,
		mb.CreatedAt.Format(time.RFC3339Nano), formatTime(mb.CompletedAt),
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	mb.Number = number
	return nil
}

// GetMasterBuild returns the master build with its attempt records.
func (s *SQLiteStore) GetMasterBuild(ctx context.Context, id string) (*model.MasterBuild, error) {
	s.logger.Debug("sql", "op", "select", "table", "master_builds", "id", id)

	mb, err := scanMasterBuild(s.db.QueryRowContext(ctx,
		`SELECT `+masterBuildColumns+` FROM master_builds WHERE id = ?`, id))
	if mb == nil || err != nil {
		return nil, err
	}
	if mb.Records, err = s.ListAttempts(ctx, mb.ID); err != nil {
		return nil, err
	}
	return mb, nil
}

// GetMasterBuildByNumber returns the numbered build of project with its attempt records.
func (s *SQLiteStore) GetMasterBuildByNumber(ctx context.Context, project string, number int) (*model.MasterBuild, error) {
	s.logger.Debug("sql", "op", "select", "table", "master_builds", "project", project, "number", number)

	mb, err := scanMasterBuild(s.db.QueryRowContext(ctx,
		`SELECT `+masterBuildColumns+` FROM master_builds WHERE project = ? AND number = ?`, project, number))
	if mb == nil || err != nil {
		return nil, err
	}
	if mb.Records, err = s.ListAttempts(ctx, mb.ID); err != nil {
		return nil, err
	}
	return mb, nil
}

// ListMasterBuilds returns builds newest first without attempt records.
func (s *SQLiteStore) ListMasterBuilds(ctx context.Context, opts model.ListOptions) ([]*model.MasterBuild, int, error) {
	opts = opts.Clamp()
	s.logger.Debug("sql", "op", "list", "table", "master_builds", "project", opts.Project, "limit", opts.Limit, "offset", opts.Offset)

	where := ""
	var args []any
	if opts.Project != "" {
		where = " WHERE project = ?"
		args = append(args, opts.Project)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM master_builds`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+masterBuildColumns+` FROM master_builds`+where+` ORDER BY created_at DESC, number DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var builds []*model.MasterBuild
	for rows.Next() {
		mb, err := scanMasterBuild(rows)
		if err != nil {
			return nil, 0, err
		}
		builds = append(builds, mb)
	}
	return builds, total, rows.Err()
}

// UpdateMasterBuild persists the mutable fields: state, result and completion time.
func (s *SQLiteStore) UpdateMasterBuild(ctx context.Context, mb *model.MasterBuild) error {
	s.logger.Debug("sql", "op", "update", "table", "master_builds", "id", mb.ID, "state", mb.State)

	result, err := s.db.ExecContext(ctx,
		`UPDATE master_builds SET state=?, result=?, completed_at=? WHERE id=?`,
		string(mb.State), string(mb.Result), formatTime(mb.CompletedAt), mb.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("master build %s not found", mb.ID)
	}
	return nil
}

// --- Attempts ---

// RecordAttempt adds a build number to a sub-project's history. Recording the same
// number twice is a no-op.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, masterBuildID, project string, number int) error {
	s.logger.Debug("sql", "op", "insert", "table", "attempts", "master_build_id", masterBuildID, "project", project, "build_number", number)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO attempts (master_build_id, project, build_number, recorded_at) VALUES (?, ?, ?, ?)`,
		masterBuildID, project, number, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListAttempts returns one record per sub-project, ordered by project name.
func (s *SQLiteStore) ListAttempts(ctx context.Context, masterBuildID string) ([]model.SubProjectRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project, build_number FROM attempts WHERE master_build_id = ? ORDER BY project, build_number`,
		masterBuildID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.SubProjectRecord
	for rows.Next() {
		var project string
		var number int
		if err := rows.Scan(&project, &number); err != nil {
			return nil, err
		}
		if n := len(records); n == 0 || records[n-1].Project != project {
			records = append(records, model.SubProjectRecord{Project: project})
		}
		records[len(records)-1].Add(number)
	}
	return records, rows.Err()
}

// --- Permalinks ---

// SetPermalink creates or moves a permalink.
func (s *SQLiteStore) SetPermalink(ctx context.Context, p *model.Permalink) error {
	s.logger.Debug("sql", "op", "upsert", "table", "permalinks", "project", p.Project, "kind", p.Kind, "number", p.Number)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permalinks (project, kind, master_build_id, number, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (project, kind) DO UPDATE SET master_build_id = excluded.master_build_id,
		   number = excluded.number, updated_at = excluded.updated_at`,
		p.Project, string(p.Kind), p.MasterBuildID, p.Number, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListPermalinks returns the project's permalinks ordered by kind.
func (s *SQLiteStore) ListPermalinks(ctx context.Context, project string) ([]*model.Permalink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project, kind, master_build_id, number FROM permalinks WHERE project = ? ORDER BY kind`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*model.Permalink
	for rows.Next() {
		var p model.Permalink
		var kind string
		if err := rows.Scan(&p.Project, &kind, &p.MasterBuildID, &p.Number); err != nil {
			return nil, err
		}
		p.Kind = model.PermalinkKind(kind)
		links = append(links, &p)
	}
	return links, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMasterBuild(row scanner) (*model.MasterBuild, error) {
	var mb model.MasterBuild
	var state, result, subJSON, hiddenJSON, paramsJSON, createdAt string
	var notify int
	var completedAt *string

	err := row.Scan(&mb.ID, &mb.Project, &mb.Number, &state, &result, &subJSON, &hiddenJSON,
		&mb.MaxRetries, &notify, &paramsJSON, &mb.TriggeredBy, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	mb.State = model.MasterBuildState(state)
	mb.Result = model.Result(result)
	mb.NotifyOnRebuild = notify != 0
	if err := json.Unmarshal([]byte(subJSON), &mb.SubProjects); err != nil {
		return nil, fmt.Errorf("unmarshal sub_projects: %w", err)
	}
	if err := json.Unmarshal([]byte(hiddenJSON), &mb.HiddenSubProjects); err != nil {
		return nil, fmt.Errorf("unmarshal hidden_sub_projects: %w", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &mb.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	mb.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if completedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *completedAt)
		mb.CompletedAt = &t
	}
	return &mb, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
