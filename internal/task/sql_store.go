package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/storage/sqldb"
)

const taskColumns = `id, type, status, agent_id, created_by, metadata, transactions, error,
        created_at, updated_at, started_at, completed_at`

// SQLStore 使用 MySQL 或 SQLite 记录任务状态。
type SQLStore struct {
	db  *sqldb.DB
	now func() time.Time
}

// NewSQLStore 基于已完成迁移的连接创建 SQLStore。
func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if err := task.Result.Validate(); err != nil {
		return err
	}

	now := s.now().UnixMilli()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.Result.Transactions == nil {
		task.Result.Transactions = []TransactionRecord{}
	}

	metadata, transactions, err := encodeResult(task.Result)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO tasks
        (id, type, status, agent_id, created_by, metadata, transactions, error, created_at, updated_at, started_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		string(task.Type),
		string(task.Status),
		task.AgentID,
		task.CreatedBy,
		metadata,
		transactions,
		task.Result.Error,
		task.CreatedAt,
		task.UpdatedAt,
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		if sqldb.IsDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 通过条件更新领取任务，保证同一任务只会被一个执行者领取。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	now := s.now().UnixMilli()
	const stmt = `UPDATE tasks SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusProcessing), now, now, id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return task, ErrTaskConflict
	}
	return task, nil
}

// Transition 在事务内读取、校验并写回任务状态。
func (s *SQLStore) Transition(ctx context.Context, id string, status Status, patch ResultPatch) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	if s.db.Dialect() == sqldb.DialectMySQL {
		query += " FOR UPDATE"
	}
	current, err := scanTask(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	if !CanTransition(current.Status, status) {
		return current, xerrors.Wrap(CodeTaskInvalidTransition, ErrInvalidTransition,
			string(current.Status)+" -> "+string(status))
	}

	next := current.Result.apply(patch)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	current.Result = next
	if status == StatusProcessing && current.StartedAt == 0 {
		current.StartedAt = now
	}
	if status.IsTerminal() {
		current.CompletedAt = now
	}
	current.Status = status
	current.UpdatedAt = now

	_, transactions, err := encodeResult(current.Result)
	if err != nil {
		return nil, err
	}
	const stmt = `UPDATE tasks SET status = ?, transactions = ?, error = ?, updated_at = ?, started_at = ?, completed_at = ?
        WHERE id = ?`
	if _, err := tx.ExecContext(ctx, stmt,
		string(current.Status),
		transactions,
		current.Result.Error,
		current.UpdatedAt,
		current.StartedAt,
		current.CompletedAt,
		id,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务状态失败")
	}
	return current, nil
}

// ListByAgent 返回同一 Agent、同一类型的任务，新任务在前。
func (s *SQLStore) ListByAgent(ctx context.Context, agentID string, taskType Type) ([]*Task, error) {
	const query = `SELECT ` + taskColumns + ` FROM tasks WHERE agent_id = ? AND type = ?
        ORDER BY created_at DESC, seq DESC`
	return s.query(ctx, query, agentID, string(taskType))
}

// List 返回符合过滤条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, seq ASC"
	} else {
		query += " ORDER BY created_at DESC, seq DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)
	return s.query(ctx, query, args...)
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusPending),
		string(StatusProcessing),
		string(StatusCompleted),
		string(StatusPartialFailed),
		string(StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.PartialFailed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task         Task
		taskType     string
		status       string
		metadata     sql.NullString
		transactions sql.NullString
		errText      sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&taskType,
		&status,
		&task.AgentID,
		&task.CreatedBy,
		&metadata,
		&transactions,
		&errText,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StartedAt,
		&task.CompletedAt,
	); err != nil {
		return nil, err
	}
	task.Type = Type(taskType)
	task.Status = Status(status)
	task.Result.Error = errText.String

	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Result.Metadata); err != nil {
			return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
		}
	}
	if transactions.Valid && strings.TrimSpace(transactions.String) != "" {
		if err := json.Unmarshal([]byte(transactions.String), &task.Result.Transactions); err != nil {
			return nil, fmt.Errorf("解析任务交易记录失败: %w", err)
		}
	}
	if task.Result.Transactions == nil {
		task.Result.Transactions = []TransactionRecord{}
	}
	return &task, nil
}

func encodeResult(result TaskResult) (sql.NullString, string, error) {
	var metadata sql.NullString
	if len(result.Metadata) > 0 {
		encoded, err := json.Marshal(result.Metadata)
		if err != nil {
			return sql.NullString{}, "", xerrors.Wrap(CodeTaskValidation, err, "编码任务 metadata 失败")
		}
		metadata = sql.NullString{String: string(encoded), Valid: true}
	}
	txs := result.Transactions
	if txs == nil {
		txs = []TransactionRecord{}
	}
	encoded, err := json.Marshal(txs)
	if err != nil {
		return sql.NullString{}, "", xerrors.Wrap(CodeTaskValidation, err, "编码任务交易记录失败")
	}
	return metadata, string(encoded), nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Types) > 0 {
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", placeholders(len(opts.Types))))
		for _, t := range opts.Types {
			args = append(args, string(t))
		}
	}
	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.UpdatedBefore > 0 {
		conditions = append(conditions, "updated_at < ?")
		args = append(args, opts.UpdatedBefore)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ Store = (*SQLStore)(nil)
