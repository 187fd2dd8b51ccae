package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/autoinfra/autoinfra/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore keeps cycle history and the plan audit trail.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ HistoryStore      = (*SQLiteStore)(nil)
	_ engine.ReportSink = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"maxOpenConns,omitempty" json:"maxOpenConns,omitempty" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"maxIdleConns,omitempty" json:"maxIdleConns,omitempty" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime,omitempty" json:"connMaxLifetime,omitempty"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, engine.NewConfigError("database path is required", nil).WithCode(engine.ErrCodeValidation)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database. File databases run in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != MemoryPath {
		dsn = "file:" + dsn + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Emit stores a cycle report. Emitting the same cycle again replaces it.
func (s *SQLiteStore) Emit(ctx context.Context, report *engine.CycleReport) error {
	if report == nil {
		return nil
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode cycle report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cycles (
			id, triggered_by, status, failed_in, plan_version, started_at, completed_at,
			has_drift, issue_count, applied_fixes, remaining_count, error, error_code, report
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			triggered_by = excluded.triggered_by,
			status = excluded.status,
			failed_in = excluded.failed_in,
			plan_version = excluded.plan_version,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			has_drift = excluded.has_drift,
			issue_count = excluded.issue_count,
			applied_fixes = excluded.applied_fixes,
			remaining_count = excluded.remaining_count,
			error = excluded.error,
			error_code = excluded.error_code,
			report = excluded.report
	`,
		report.ID,
		string(report.Trigger),
		string(report.Status),
		string(report.FailedIn),
		report.PlanVersion,
		formatTime(report.StartedAt),
		formatTime(report.CompletedAt),
		report.Report.HasDrift,
		len(report.Report.Issues),
		report.Result.AppliedFixes,
		len(report.Result.RemainingIssues),
		report.Error,
		report.ErrorCode,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to store cycle: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cycle_issues WHERE cycle_id = ?`, report.ID); err != nil {
		return fmt.Errorf("failed to clear cycle issues: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cycle_issues (
			cycle_id, issue_id, resource_type, resource_id, field_path, severity, fix_strategy,
			outcome, reason, detail, attempts, expected, actual, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare issue insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range issueRecords(report) {
		_, err := stmt.ExecContext(ctx,
			rec.CycleID,
			rec.IssueID,
			string(rec.ResourceType),
			rec.ResourceID,
			rec.FieldPath,
			string(rec.Severity),
			string(rec.FixStrategy),
			string(rec.Outcome),
			string(rec.Reason),
			rec.Detail,
			rec.Attempts,
			nullableJSON(rec.Expected),
			nullableJSON(rec.Actual),
			formatTime(rec.DetectedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to store issue %s: %w", rec.IssueID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

// issueRecords flattens a report into one record per issue. Remaining issues
// carry the strategy they ended with, which may be a downgrade to manual.
func issueRecords(report *engine.CycleReport) []*IssueRecord {
	applied := make(map[string]engine.AppliedFix, len(report.Result.Applied))
	for _, fix := range report.Result.Applied {
		applied[fix.IssueID] = fix
	}
	remaining := make(map[string]engine.RemainingIssue, len(report.Result.RemainingIssues))
	for _, r := range report.Result.RemainingIssues {
		remaining[r.ID] = r
	}

	seen := make(map[string]bool)
	var out []*IssueRecord
	add := func(issue engine.DriftIssue) *IssueRecord {
		rec := &IssueRecord{
			CycleID:      report.ID,
			IssueID:      issue.ID,
			ResourceType: issue.ResourceType,
			ResourceID:   issue.ResourceID,
			FieldPath:    issue.FieldPath,
			Severity:     issue.Severity,
			FixStrategy:  issue.FixStrategy,
			Outcome:      OutcomeDetected,
			Expected:     encodeValue(issue.Expected),
			Actual:       encodeValue(issue.Actual),
			DetectedAt:   report.StartedAt,
		}
		seen[issue.ID] = true
		out = append(out, rec)
		return rec
	}

	for _, issue := range report.Report.Issues {
		if seen[issue.ID] {
			continue
		}
		if r, ok := remaining[issue.ID]; ok {
			rec := add(r.DriftIssue)
			rec.Outcome = OutcomeRemaining
			rec.Reason = r.Reason
			rec.Detail = r.Detail
			rec.Attempts = r.Attempts
			continue
		}
		rec := add(issue)
		if fix, ok := applied[issue.ID]; ok {
			rec.Outcome = OutcomeApplied
			rec.Detail = fix.Message
			rec.Attempts = fix.Attempts
		}
	}

	for _, r := range report.Result.RemainingIssues {
		if seen[r.ID] {
			continue
		}
		rec := add(r.DriftIssue)
		rec.Outcome = OutcomeRemaining
		rec.Reason = r.Reason
		rec.Detail = r.Detail
		rec.Attempts = r.Attempts
	}

	return out
}

const cycleColumns = `id, triggered_by, status, failed_in, plan_version, started_at, completed_at,
	has_drift, issue_count, applied_fixes, remaining_count, error, error_code`

// GetCycle retrieves a cycle summary by ID
func (s *SQLiteStore) GetCycle(ctx context.Context, id string) (*CycleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)
	rec, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}
	return rec, nil
}

// GetCycleReport returns the full report of a stored cycle.
func (s *SQLiteStore) GetCycleReport(ctx context.Context, id string) (*engine.CycleReport, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM cycles WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle report: %w", err)
	}

	var report engine.CycleReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("failed to decode cycle report: %w", err)
	}
	return &report, nil
}

// ListCycles lists cycles newest first, with pagination
func (s *SQLiteStore) ListCycles(ctx context.Context, limit, offset int) ([]*CycleRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	cycles := []*CycleRecord{}
	for rows.Next() {
		rec, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycles: %w", err)
	}

	return cycles, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCycle(row scanner) (*CycleRecord, error) {
	rec := &CycleRecord{}
	var startedAt, completedAt string
	err := row.Scan(
		&rec.ID,
		&rec.Trigger,
		&rec.Status,
		&rec.FailedIn,
		&rec.PlanVersion,
		&startedAt,
		&completedAt,
		&rec.HasDrift,
		&rec.IssueCount,
		&rec.AppliedFixes,
		&rec.RemainingCount,
		&rec.Error,
		&rec.ErrorCode,
	)
	if err != nil {
		return nil, err
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return rec, nil
}

const issueColumns = `cycle_id, issue_id, resource_type, resource_id, field_path, severity, fix_strategy,
	outcome, reason, detail, attempts, expected, actual, detected_at`

// ListIssues lists the issues of one cycle in detection order.
func (s *SQLiteStore) ListIssues(ctx context.Context, cycleID string) ([]*IssueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM cycle_issues
		WHERE cycle_id = ?
		ORDER BY rowid
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	return scanIssues(rows)
}

// IssueHistory lists every stored occurrence of one issue, newest first.
// limit <= 0 means no limit.
func (s *SQLiteStore) IssueHistory(ctx context.Context, issueID string, limit int) ([]*IssueRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM cycle_issues
		WHERE issue_id = ?
		ORDER BY detected_at DESC
		LIMIT ?
	`, issueID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue history: %w", err)
	}
	return scanIssues(rows)
}

func scanIssues(rows *sql.Rows) ([]*IssueRecord, error) {
	defer rows.Close()

	issues := []*IssueRecord{}
	for rows.Next() {
		rec := &IssueRecord{}
		var expected, actual sql.NullString
		var detectedAt string
		err := rows.Scan(
			&rec.CycleID,
			&rec.IssueID,
			&rec.ResourceType,
			&rec.ResourceID,
			&rec.FieldPath,
			&rec.Severity,
			&rec.FixStrategy,
			&rec.Outcome,
			&rec.Reason,
			&rec.Detail,
			&rec.Attempts,
			&expected,
			&actual,
			&detectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		if expected.Valid {
			rec.Expected = json.RawMessage(expected.String)
		}
		if actual.Valid {
			rec.Actual = json.RawMessage(actual.String)
		}
		if rec.DetectedAt, err = parseTime(detectedAt); err != nil {
			return nil, err
		}
		issues = append(issues, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}

	return issues, nil
}

// CreateAuditEntry records an audit entry. ID and Timestamp are filled in
// when empty.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return engine.NewConfigError("audit entry needs an action", nil).WithCode(engine.ErrCodeValidation)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (id, timestamp, actor, action, target, before_value, after_value, plan_version, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		formatTime(entry.Timestamp),
		entry.Actor,
		entry.Action,
		entry.Target,
		nullableJSON(entry.Before),
		nullableJSON(entry.After),
		entry.PlanVersion,
		entry.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries newest first. An empty action matches all.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, actor, action, target, before_value, after_value, plan_version, details
		FROM audit
		WHERE (? = '' OR action = ?)
		ORDER BY timestamp DESC, id
		LIMIT ? OFFSET ?
	`, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts string
		var before, after sql.NullString
		err := rows.Scan(
			&entry.ID,
			&ts,
			&entry.Actor,
			&entry.Action,
			&entry.Target,
			&before,
			&after,
			&entry.PlanVersion,
			&entry.Details,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if before.Valid {
			entry.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			entry.After = json.RawMessage(after.String)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// PruneCycles deletes cycles that started before cutoff, with their issues.
func (s *SQLiteStore) PruneCycles(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cycles WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune cycles: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// encodeValue stores nil as SQL NULL.
func encodeValue(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	return data
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
