package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"gitops-sentinel/pkg/audit"
	"gitops-sentinel/pkg/domain/deployment"
	domerrors "gitops-sentinel/pkg/domain/errors"
	"gitops-sentinel/pkg/domain/pipeline"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS deployments (
	id                   TEXT PRIMARY KEY,
	repository           TEXT NOT NULL,
	commit_sha           TEXT NOT NULL,
	branch               TEXT NOT NULL DEFAULT '',
	trigger_kind         TEXT NOT NULL,
	parent_deployment_id TEXT NOT NULL DEFAULT '',
	initiator            TEXT NOT NULL DEFAULT '',
	reason               TEXT NOT NULL DEFAULT '',
	create_backup        INTEGER NOT NULL DEFAULT 1,
	skip_health_check    INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMP NOT NULL,
	started_at           TIMESTAMP,
	ended_at             TIMESTAMP,
	state                TEXT NOT NULL,
	current_stage        TEXT NOT NULL DEFAULT '',
	stage_results        TEXT NOT NULL DEFAULT '[]',
	config_hash_before   TEXT NOT NULL DEFAULT '',
	config_hash_after    TEXT NOT NULL DEFAULT '',
	backup_ref           TEXT NOT NULL DEFAULT '',
	error_json           TEXT NOT NULL DEFAULT '',
	rollback_triggered   INTEGER NOT NULL DEFAULT 0,
	rollback_of          TEXT NOT NULL DEFAULT '',
	version              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployments_repo ON deployments(repository, created_at);

CREATE TABLE IF NOT EXISTS claims (
	repository TEXT PRIMARY KEY,
	claimed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS health_reports (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	repository TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL,
	report     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_repo ON health_reports(repository, timestamp);

CREATE TABLE IF NOT EXISTS predictions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	repository TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL,
	prediction TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_repo ON predictions(repository, timestamp);

CREATE TABLE IF NOT EXISTS audit_events (
	id        TEXT PRIMARY KEY,
	timestamp TIMESTAMP NOT NULL,
	actor     TEXT NOT NULL DEFAULT '',
	action    TEXT NOT NULL,
	resource  TEXT NOT NULL DEFAULT '',
	result    TEXT NOT NULL DEFAULT '',
	details   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(timestamp);
`

// SQLite is the embedded persistent store.
type SQLite struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// OpenSQLite opens (and if needed bootstraps) the database at dsn.
func OpenSQLite(dsn string, log zerolog.Logger) (*SQLite, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "open sqlite database")
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "apply sqlite schema")
	}
	return &SQLite{db: db, log: log.With().Str("component", "sqlite_store").Logger()}, nil
}

type deploymentRow struct {
	ID                 string       `db:"id"`
	Repository         string       `db:"repository"`
	CommitSHA          string       `db:"commit_sha"`
	Branch             string       `db:"branch"`
	TriggerKind        string       `db:"trigger_kind"`
	ParentDeploymentID string       `db:"parent_deployment_id"`
	Initiator          string       `db:"initiator"`
	Reason             string       `db:"reason"`
	CreateBackup       bool         `db:"create_backup"`
	SkipHealthCheck    bool         `db:"skip_health_check"`
	CreatedAt          time.Time    `db:"created_at"`
	StartedAt          sql.NullTime `db:"started_at"`
	EndedAt            sql.NullTime `db:"ended_at"`
	State              string       `db:"state"`
	CurrentStage       string       `db:"current_stage"`
	StageResults       string       `db:"stage_results"`
	ConfigHashBefore   string       `db:"config_hash_before"`
	ConfigHashAfter    string       `db:"config_hash_after"`
	BackupRef          string       `db:"backup_ref"`
	ErrorJSON          string       `db:"error_json"`
	RollbackTriggered  bool         `db:"rollback_triggered"`
	RollbackOf         string       `db:"rollback_of"`
	Version            int64        `db:"version"`
}

func toRow(d *deployment.Deployment) (deploymentRow, error) {
	stages, err := json.Marshal(d.StageResults)
	if err != nil {
		return deploymentRow{}, err
	}
	errJSON := ""
	if d.Error != nil {
		raw, err := json.Marshal(d.Error)
		if err != nil {
			return deploymentRow{}, err
		}
		errJSON = string(raw)
	}
	return deploymentRow{
		ID:                 d.ID,
		Repository:         d.Repository,
		CommitSHA:          d.Commit,
		Branch:             d.Branch,
		TriggerKind:        string(d.Trigger),
		ParentDeploymentID: d.ParentDeploymentID,
		Initiator:          d.Initiator,
		Reason:             d.Reason,
		CreateBackup:       d.CreateBackup,
		SkipHealthCheck:    d.SkipHealthCheck,
		CreatedAt:          d.CreatedAt,
		StartedAt:          sql.NullTime{Time: d.StartedAt, Valid: !d.StartedAt.IsZero()},
		EndedAt:            sql.NullTime{Time: d.EndedAt, Valid: !d.EndedAt.IsZero()},
		State:              string(d.State),
		CurrentStage:       d.CurrentStage,
		StageResults:       string(stages),
		ConfigHashBefore:   d.ConfigHashBefore,
		ConfigHashAfter:    d.ConfigHashAfter,
		BackupRef:          d.BackupRef,
		ErrorJSON:          errJSON,
		RollbackTriggered:  d.RollbackTriggered,
		RollbackOf:         d.RollbackOf,
		Version:            d.Version,
	}, nil
}

func fromRow(r deploymentRow) (*deployment.Deployment, error) {
	d := &deployment.Deployment{
		ID:                 r.ID,
		Repository:         r.Repository,
		Commit:             r.CommitSHA,
		Branch:             r.Branch,
		Trigger:            deployment.Trigger(r.TriggerKind),
		ParentDeploymentID: r.ParentDeploymentID,
		Initiator:          r.Initiator,
		Reason:             r.Reason,
		CreateBackup:       r.CreateBackup,
		SkipHealthCheck:    r.SkipHealthCheck,
		CreatedAt:          r.CreatedAt,
		State:              deployment.State(r.State),
		CurrentStage:       r.CurrentStage,
		ConfigHashBefore:   r.ConfigHashBefore,
		ConfigHashAfter:    r.ConfigHashAfter,
		BackupRef:          r.BackupRef,
		RollbackTriggered:  r.RollbackTriggered,
		RollbackOf:         r.RollbackOf,
		Version:            r.Version,
	}
	if r.StartedAt.Valid {
		d.StartedAt = r.StartedAt.Time
	}
	if r.EndedAt.Valid {
		d.EndedAt = r.EndedAt.Time
	}
	if r.StageResults != "" {
		if err := json.Unmarshal([]byte(r.StageResults), &d.StageResults); err != nil {
			return nil, err
		}
	}
	if r.ErrorJSON != "" {
		d.Error = &deployment.DeploymentError{}
		if err := json.Unmarshal([]byte(r.ErrorJSON), d.Error); err != nil {
			return nil, err
		}
	}
	return d, nil
}

const deploymentColumns = `id, repository, commit_sha, branch, trigger_kind, parent_deployment_id,
	initiator, reason, create_backup, skip_health_check, created_at, started_at, ended_at, state,
	current_stage, stage_results, config_hash_before, config_hash_after, backup_ref, error_json,
	rollback_triggered, rollback_of, version`

func (s *SQLite) PutDeployment(ctx context.Context, d *deployment.Deployment) error {
	d.Version = 1
	row, err := toRow(d)
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "encode deployment")
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO deployments (`+deploymentColumns+`) VALUES
		(:id, :repository, :commit_sha, :branch, :trigger_kind, :parent_deployment_id,
		 :initiator, :reason, :create_backup, :skip_health_check, :created_at, :started_at, :ended_at, :state,
		 :current_stage, :stage_results, :config_hash_before, :config_hash_after, :backup_ref, :error_json,
		 :rollback_triggered, :rollback_of, :version)`, row)
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "insert deployment")
	}
	return nil
}

func (s *SQLite) UpdateDeployment(ctx context.Context, d *deployment.Deployment) error {
	row, err := toRow(d)
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "encode deployment")
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE deployments SET
		repository=:repository, commit_sha=:commit_sha, branch=:branch, trigger_kind=:trigger_kind,
		parent_deployment_id=:parent_deployment_id, initiator=:initiator, reason=:reason,
		create_backup=:create_backup, skip_health_check=:skip_health_check,
		created_at=:created_at, started_at=:started_at, ended_at=:ended_at, state=:state,
		current_stage=:current_stage, stage_results=:stage_results,
		config_hash_before=:config_hash_before, config_hash_after=:config_hash_after,
		backup_ref=:backup_ref, error_json=:error_json, rollback_triggered=:rollback_triggered,
		rollback_of=:rollback_of, version=version+1
		WHERE id=:id AND version=:version`, row)
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "update deployment")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "rows affected")
	}
	if affected == 0 {
		var exists int
		if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM deployments WHERE id=?`, d.ID); err == nil && exists == 0 {
			return ErrNotFound(d.ID)
		}
		return ErrVersionConflict(d.ID, d.Version)
	}
	d.Version++
	return nil
}

func (s *SQLite) AppendStageResult(ctx context.Context, deploymentID string, r deployment.StageResult) error {
	d, err := s.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	d.StageResults = append(d.StageResults, r)
	stages, err := json.Marshal(d.StageResults)
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "encode stage results")
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE deployments SET stage_results=? WHERE id=?`, string(stages), deploymentID); err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "append stage result")
	}
	return nil
}

func (s *SQLite) GetDeployment(ctx context.Context, id string) (*deployment.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+deploymentColumns+` FROM deployments WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound(id)
	}
	if err != nil {
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "get deployment")
	}
	return fromRow(row)
}

func (s *SQLite) ListDeployments(ctx context.Context, f DeploymentFilter) ([]*deployment.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	var clauses []string
	var args []any
	if f.Repository != "" {
		clauses = append(clauses, "repository=?")
		args = append(args, f.Repository)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.Trigger != "" {
		clauses = append(clauses, "trigger_kind=?")
		args = append(args, string(f.Trigger))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	var rows []deploymentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "list deployments")
	}
	out := make([]*deployment.Deployment, 0, len(rows))
	for _, row := range rows {
		d, err := fromRow(row)
		if err != nil {
			return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "decode deployment")
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLite) FindRecentWebhookDeployment(ctx context.Context, repository, commit string, window time.Duration) (*deployment.Deployment, error) {
	cutoff := time.Now().Add(-window)
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+deploymentColumns+` FROM deployments
		WHERE repository=? AND commit_sha=? AND trigger_kind=?
		AND (state NOT IN ('completed','failed','cancelled') OR created_at > ?)
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		repository, commit, string(deployment.TriggerWebhook), cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "find recent webhook deployment")
	}
	return fromRow(row)
}

func (s *SQLite) ClaimActive(ctx context.Context, repository string) (ReleaseFunc, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO claims (repository, claimed_at) VALUES (?, ?)`,
		repository, time.Now().UTC())
	if err != nil {
		return nil, false, domerrors.Wrap(err, domerrors.KindInternal, "store", "claim active")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, domerrors.Wrap(err, domerrors.KindInternal, "store", "claim rows affected")
	}
	if affected == 0 {
		return nil, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			if _, err := s.db.Exec(`DELETE FROM claims WHERE repository=?`, repository); err != nil {
				s.log.Error().Err(err).Str("repository", repository).Msg("release claim failed")
			}
		})
	}
	return release, true, nil
}

func (s *SQLite) PutHealthReport(ctx context.Context, r pipeline.HealthReport) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "encode health report")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO health_reports (repository, timestamp, report) VALUES (?, ?, ?)`,
		r.Repository, r.Timestamp, string(raw))
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "insert health report")
	}
	return nil
}

func (s *SQLite) LatestHealthReport(ctx context.Context, repository string) (*pipeline.HealthReport, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT report FROM health_reports WHERE repository=? ORDER BY timestamp DESC, id DESC LIMIT 1`, repository)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "latest health report")
	}
	var report pipeline.HealthReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "decode health report")
	}
	return &report, nil
}

func (s *SQLite) PutPrediction(ctx context.Context, p pipeline.FailurePrediction) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "encode prediction")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO predictions (repository, timestamp, prediction) VALUES (?, ?, ?)`,
		p.Repository, p.Timestamp, string(raw))
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "insert prediction")
	}
	return nil
}

func (s *SQLite) LatestPrediction(ctx context.Context, repository string) (*pipeline.FailurePrediction, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT prediction FROM predictions WHERE repository=? ORDER BY timestamp DESC, id DESC LIMIT 1`, repository)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "latest prediction")
	}
	var pred pipeline.FailurePrediction
	if err := json.Unmarshal([]byte(raw), &pred); err != nil {
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "decode prediction")
	}
	return &pred, nil
}

func (s *SQLite) AppendAudit(ctx context.Context, ev audit.Event) error {
	details := ""
	if ev.Details != nil {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return domerrors.Wrap(err, domerrors.KindInternal, "store", "encode audit details")
		}
		details = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, timestamp, actor, action, resource, result, details) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp, ev.Actor, ev.Action, ev.Resource, ev.Result, details)
	if err != nil {
		return domerrors.Wrap(err, domerrors.KindInternal, "store", "append audit event")
	}
	return nil
}

func (s *SQLite) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	query := `SELECT id, timestamp, actor, action, resource, result, details FROM audit_events`
	var clauses []string
	var args []any
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ResourceKind != "" {
		clauses = append(clauses, "resource LIKE ?")
		args = append(args, f.ResourceKind+"%")
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, f.To)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	type auditRow struct {
		ID        string    `db:"id"`
		Timestamp time.Time `db:"timestamp"`
		Actor     string    `db:"actor"`
		Action    string    `db:"action"`
		Resource  string    `db:"resource"`
		Result    string    `db:"result"`
		Details   string    `db:"details"`
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "query audit events")
	}
	out := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		ev := audit.Event{
			ID:        row.ID,
			Timestamp: row.Timestamp,
			Actor:     row.Actor,
			Action:    row.Action,
			Resource:  row.Resource,
			Result:    row.Result,
		}
		if row.Details != "" {
			if err := json.Unmarshal([]byte(row.Details), &ev.Details); err != nil {
				return nil, domerrors.Wrap(err, domerrors.KindInternal, "store", "decode audit details")
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
