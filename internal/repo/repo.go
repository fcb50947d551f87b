package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gameforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,project_id,user_request,COALESCE(genre,''),status,score,passed,COALESCE(error,''),COALESCE(output_dir,''),requested_by,api_calls,total_tokens,estimated_cost_usd,created_at,COALESCE(finished_at,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var r domain.Run
	var score, passed sql.NullInt64
	err := row.Scan(&r.ID, &r.ProjectID, &r.UserRequest, &r.Genre, &r.Status, &score, &passed, &r.Error, &r.OutputDir,
		&r.RequestedBy, &r.APICalls, &r.TotalTokens, &r.EstimatedCostUSD, &r.CreatedAt, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if score.Valid {
		v := int(score.Int64)
		r.Score = &v
	}
	if passed.Valid {
		v := passed.Int64 != 0
		r.Passed = &v
	}
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,project_id,user_request,genre,status,output_dir,requested_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.UserRequest, nullable(run.Genre), run.Status, nullable(run.OutputDir), run.RequestedBy, run.CreatedAt)
	return err
}

// RunFinish is the final state written when a run ends.
type RunFinish struct {
	Status           string
	Genre            string
	Score            *int
	Passed           *bool
	Error            string
	OutputDir        string
	APICalls         int
	TotalTokens      int
	EstimatedCostUSD float64
	FinishedAt       string
}

// FinishRun moves a running run to its final status.
func (r Repo) FinishRun(ctx context.Context, id string, f RunFinish) error {
	if f.Status != domain.RunCompleted && f.Status != domain.RunFailed {
		return fmt.Errorf("invalid final status %q", f.Status)
	}
	var passed any
	if f.Passed != nil {
		passed = boolInt(*f.Passed)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?,genre=COALESCE(?,genre),score=?,passed=?,error=?,output_dir=COALESCE(?,output_dir),api_calls=?,total_tokens=?,estimated_cost_usd=?,finished_at=? WHERE id=? AND status='running'`,
		f.Status, nullable(f.Genre), nullableIntPtr(f.Score), passed, nullable(f.Error), nullable(f.OutputDir),
		f.APICalls, f.TotalTokens, f.EstimatedCostUSD, f.FinishedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// LatestRunForProject returns the most recent run of a project.
func (r Repo) LatestRunForProject(ctx context.Context, projectID string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, projectID))
}

type RunFilters struct {
	Status string
	Limit  int
}

// ListRuns returns runs newest first.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY created_at DESC, rowid DESC LIMIT ?`, runColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// FailStaleRuns marks runs left running by a crashed process as failed.
func (r Repo) FailStaleRuns(ctx context.Context, finishedAt string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status='failed',error='interrupted',finished_at=? WHERE status='running'`, finishedAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type EventFilters struct {
	ProjectID string
	RunID     string
	Type      string
	// Cursor returns only events older than this id when set.
	Cursor int64
	Limit  int
}

const eventColumns = `id,ts,seq,type,run_id,project_id,source_agent,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.LedgerEvent, error) {
	defer rows.Close()
	var res []domain.LedgerEvent
	for rows.Next() {
		var e domain.LedgerEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Seq, &e.Type, &e.RunID, &e.ProjectID, &e.SourceAgent, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.LedgerEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, for one project or for all
// when projectID is empty.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountEventsByType counts the events of one run per type.
func (r Repo) CountEventsByType(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM events WHERE run_id=? GROUP BY type`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		res[t] = n
	}
	return res, rows.Err()
}
