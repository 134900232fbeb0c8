// Package registry is the durable store of tasks, results, forward logs and
// recurring schedules. All terminal transitions go through a conditional
// update so that concurrent callbacks cannot both win.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"mcphub/internal/domain"
)

var (
	ErrNotFound         = errors.New("task not found")
	ErrDuplicateTask    = errors.New("duplicate task id")
	ErrAlreadyCompleted = errors.New("task already completed")
	ErrResultNotFound   = errors.New("result not found")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  task_id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  business_id TEXT,
  type TEXT NOT NULL,
  description TEXT,
  params BLOB,
  context BLOB,
  status TEXT NOT NULL CHECK(status IN ('pending','completed','failed')) DEFAULT 'pending',
  callback_url TEXT,
  callback_token TEXT,
  callback_expires_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, callback_expires_at);
CREATE INDEX IF NOT EXISTS idx_tasks_business ON tasks(business_id);
CREATE TABLE IF NOT EXISTS task_results (
  result_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  business_id TEXT,
  status TEXT NOT NULL,
  output BLOB,
  context_update BLOB,
  execution_time REAL,
  error_message TEXT,
  timestamp DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(task_id) REFERENCES tasks(task_id)
);
CREATE INDEX IF NOT EXISTS idx_results_task ON task_results(task_id, created_at DESC);
CREATE TABLE IF NOT EXISTS forward_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  endpoint_url TEXT NOT NULL,
  status TEXT NOT NULL,
  response_status INTEGER,
  error TEXT,
  attempted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_forward_logs_task ON forward_logs(task_id, attempted_at DESC);
CREATE TABLE IF NOT EXISTS schedules (
  schedule_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  business_id TEXT,
  params BLOB,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// TaskFilter narrows List queries. Zero values mean no filter.
type TaskFilter struct {
	BusinessID string
	AgentID    string
	Status     domain.TaskStatus
	Type       string
}

// ForwardLogFilter narrows forward-log queries.
type ForwardLogFilter struct {
	TaskID  string
	AgentID string
	Status  string
}

type Repository interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)

	// ApplyResult is the single terminal transition for a task. It is an
	// atomic compare-and-set: only the first caller wins, later callers get
	// ErrAlreadyCompleted.
	ApplyResult(ctx context.Context, taskID string, res domain.TaskResult) (domain.TaskResult, error)
	ResultsForTask(ctx context.Context, taskID string) ([]domain.TaskResult, error)
	LatestResult(ctx context.Context, taskID string) (domain.TaskResult, error)

	// FailExpired transitions pending tasks whose callback window has closed
	// to failed and returns how many it moved.
	FailExpired(ctx context.Context, now time.Time) (int, error)

	LogForwardAttempt(ctx context.Context, l domain.ForwardLog) (int64, error)
	FinishForwardLog(ctx context.Context, id int64, status string, responseStatus int, errMsg string) error
	ListForwardLogs(ctx context.Context, f ForwardLogFilter) ([]domain.ForwardLog, error)

	CreateSchedule(ctx context.Context, s domain.Schedule) (domain.Schedule, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (task_id,agent_id,business_id,type,description,params,context,status,callback_url,callback_token,callback_expires_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.AgentID, nullStr(t.BusinessID), t.Type, nullStr(t.Description), []byte(t.Params), []byte(t.Context),
		string(t.Status), nullStr(t.CallbackURL), nullStr(t.CallbackToken), t.CallbackExpiresAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domain.Task{}, ErrDuplicateTask
		}
		return domain.Task{}, err
	}
	return t, nil
}

const taskColumns = `task_id,agent_id,business_id,type,description,params,context,status,callback_url,callback_token,callback_expires_at,created_at,updated_at`

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.BusinessID != "" {
		q += ` AND business_id=?`
		args = append(args, f.BusinessID)
	}
	if f.AgentID != "" {
		q += ` AND agent_id=?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		q += ` AND type=?`
		args = append(args, f.Type)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) ApplyResult(ctx context.Context, taskID string, res domain.TaskResult) (domain.TaskResult, error) {
	if !res.Status.IsTerminal() {
		return domain.TaskResult{}, errors.New("result status must be terminal")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskResult{}, err
	}
	defer tx.Rollback()

	// Compare-and-set: only a pending task can transition. Zero rows means
	// either the task is already terminal or it does not exist.
	upd, err := tx.ExecContext(ctx, `
UPDATE tasks SET status=?, updated_at=CURRENT_TIMESTAMP WHERE task_id=? AND status='pending'`,
		string(res.Status), taskID)
	if err != nil {
		return domain.TaskResult{}, err
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id=?`, taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskResult{}, ErrNotFound
		}
		if err != nil {
			return domain.TaskResult{}, err
		}
		return domain.TaskResult{}, ErrAlreadyCompleted
	}

	if res.ID == "" {
		res.ID = "res_" + uuid.NewString()
	}
	res.TaskID = taskID
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now().UTC()
	}
	res.CreatedAt = time.Now().UTC()

	output, err := marshalOpt(res.Output)
	if err != nil {
		return domain.TaskResult{}, err
	}
	ctxUpdate, err := marshalOpt(res.ContextUpdate)
	if err != nil {
		return domain.TaskResult{}, err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO task_results (result_id,task_id,agent_id,business_id,status,output,context_update,execution_time,error_message,timestamp,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, res.ID, res.TaskID, res.AgentID, nullStr(res.BusinessID), string(res.Status), output, ctxUpdate,
		res.ExecutionTime, nullStr(res.ErrorMessage), res.Timestamp, res.CreatedAt)
	if err != nil {
		return domain.TaskResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.TaskResult{}, err
	}
	return res, nil
}

const resultColumns = `result_id,task_id,agent_id,business_id,status,output,context_update,execution_time,error_message,timestamp,created_at`

func (r *sqliteRepo) ResultsForTask(ctx context.Context, taskID string) ([]domain.TaskResult, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM task_results WHERE task_id=? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.TaskResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (r *sqliteRepo) LatestResult(ctx context.Context, taskID string) (domain.TaskResult, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM task_results WHERE task_id=? ORDER BY created_at DESC LIMIT 1`, taskID)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskResult{}, ErrResultNotFound
	}
	return res, err
}

func (r *sqliteRepo) FailExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT task_id, agent_id, business_id FROM tasks
WHERE status='pending' AND callback_expires_at IS NOT NULL AND callback_expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	type expired struct{ taskID, agentID, businessID string }
	var due []expired
	for rows.Next() {
		var e expired
		var biz sql.NullString
		if err := rows.Scan(&e.taskID, &e.agentID, &biz); err != nil {
			rows.Close()
			return 0, err
		}
		e.businessID = biz.String
		due = append(due, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, e := range due {
		_, err := r.ApplyResult(ctx, e.taskID, domain.TaskResult{
			AgentID:      e.agentID,
			BusinessID:   e.businessID,
			Status:       domain.StatusFailed,
			ErrorMessage: "callback token expired",
		})
		if errors.Is(err, ErrAlreadyCompleted) {
			// Lost the race to a real callback; that's fine.
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *sqliteRepo) LogForwardAttempt(ctx context.Context, l domain.ForwardLog) (int64, error) {
	out, err := r.db.ExecContext(ctx, `
INSERT INTO forward_logs (task_id,agent_id,endpoint_url,status,attempted_at)
VALUES (?,?,?,?,CURRENT_TIMESTAMP)`, l.TaskID, l.AgentID, l.EndpointURL, domain.ForwardAttempting)
	if err != nil {
		return 0, err
	}
	return out.LastInsertId()
}

func (r *sqliteRepo) FinishForwardLog(ctx context.Context, id int64, status string, responseStatus int, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE forward_logs SET status=?, response_status=?, error=?, completed_at=CURRENT_TIMESTAMP WHERE id=?`,
		status, responseStatus, nullStr(errMsg), id)
	return err
}

func (r *sqliteRepo) ListForwardLogs(ctx context.Context, f ForwardLogFilter) ([]domain.ForwardLog, error) {
	q := `SELECT id,task_id,agent_id,endpoint_url,status,response_status,error,attempted_at,completed_at FROM forward_logs WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		q += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.AgentID != "" {
		q += ` AND agent_id=?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY attempted_at DESC LIMIT 100`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ForwardLog
	for rows.Next() {
		var l domain.ForwardLog
		var respStatus sql.NullInt64
		var errMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&l.ID, &l.TaskID, &l.AgentID, &l.EndpointURL, &l.Status, &respStatus, &errMsg, &l.AttemptedAt, &completed); err != nil {
			return nil, err
		}
		l.ResponseStatus = int(respStatus.Int64)
		l.Error = errMsg.String
		if completed.Valid {
			l.CompletedAt = &completed.Time
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (domain.Schedule, error) {
	if s.ID == "" {
		s.ID = "sch_" + uuid.NewString()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (schedule_id,name,cron_expr,task_type,business_id,params,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, s.ID, s.Name, s.CronExpr, s.TaskType, nullStr(s.BusinessID), []byte(s.Params), s.Enabled, s.LastRun, s.NextRun, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

const scheduleColumns = `schedule_id,name,cron_expr,task_type,business_id,params,enabled,last_run,next_run,created_at,updated_at`

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrScheduleNotFound
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	out, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE schedule_id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (r *sqliteRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC())
}

func (r *sqliteRepo) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE schedule_id=?`, lastRun.UTC(), nextRun.UTC(), id)
	return err
}

func (r *sqliteRepo) querySchedules(ctx context.Context, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var businessID, description, callbackURL, callbackToken sql.NullString
	var params, context []byte
	var expires sql.NullTime
	err := row.Scan(&t.ID, &t.AgentID, &businessID, &t.Type, &description, &params, &context,
		&t.Status, &callbackURL, &callbackToken, &expires, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.BusinessID = businessID.String
	t.Description = description.String
	t.CallbackURL = callbackURL.String
	t.CallbackToken = callbackToken.String
	if expires.Valid {
		t.CallbackExpiresAt = expires.Time
	}
	if len(params) > 0 {
		t.Params = json.RawMessage(params)
	}
	if len(context) > 0 {
		t.Context = json.RawMessage(context)
	}
	return t, nil
}

func scanResult(row scanner) (domain.TaskResult, error) {
	var res domain.TaskResult
	var businessID, errMsg sql.NullString
	var output, ctxUpdate []byte
	var execTime sql.NullFloat64
	err := row.Scan(&res.ID, &res.TaskID, &res.AgentID, &businessID, &res.Status, &output, &ctxUpdate,
		&execTime, &errMsg, &res.Timestamp, &res.CreatedAt)
	if err != nil {
		return domain.TaskResult{}, err
	}
	res.BusinessID = businessID.String
	res.ErrorMessage = errMsg.String
	res.ExecutionTime = execTime.Float64
	if len(output) > 0 {
		res.Output = &domain.TaskOutput{}
		if err := json.Unmarshal(output, res.Output); err != nil {
			return domain.TaskResult{}, err
		}
	}
	if len(ctxUpdate) > 0 {
		res.ContextUpdate = &domain.ContextUpdate{}
		if err := json.Unmarshal(ctxUpdate, res.ContextUpdate); err != nil {
			return domain.TaskResult{}, err
		}
	}
	return res, nil
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var s domain.Schedule
	var businessID sql.NullString
	var params []byte
	var lastRun sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &businessID, &params, &s.Enabled,
		&lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	s.BusinessID = businessID.String
	if len(params) > 0 {
		s.Params = json.RawMessage(params)
	}
	if lastRun.Valid {
		s.LastRun = &lastRun.Time
	}
	return s, nil
}

func marshalOpt(v any) ([]byte, error) {
	switch x := v.(type) {
	case *domain.TaskOutput:
		if x == nil {
			return nil, nil
		}
	case *domain.ContextUpdate:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
