package agent

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/storage/sqldb"
)

const agentColumns = `id, name, creator_address, token_address, iao_contract_address, pool_address,
        mining_contract_address, payment_contract_address, nft_token_id,
        liquidity_added, tokens_burned, owner_transferred, mining_owner_transferred,
        iao_start_time, iao_end_time, iao_successful, iao_checked_at, created_at, updated_at`

// SQLRepository 使用 MySQL 或 SQLite 保存 Agent。
type SQLRepository struct {
	db  *sqldb.DB
	now func() time.Time
}

// NewSQLRepository 基于已完成迁移的连接创建仓库。
func NewSQLRepository(db *sqldb.DB) (*SQLRepository, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &SQLRepository{db: db, now: time.Now}, nil
}

// Get 实现 Repository 接口。
func (s *SQLRepository) Get(ctx context.Context, id string) (*Agent, error) {
	return s.getOne(ctx, s.db, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
}

// Upsert 实现 Repository 接口。
func (s *SQLRepository) Upsert(ctx context.Context, agent *Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	now := s.now().UnixMilli()
	createdAt := agent.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}

	var stmt string
	if s.db.Dialect() == sqldb.DialectMySQL {
		stmt = `INSERT INTO agents (` + agentColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE name = VALUES(name), creator_address = VALUES(creator_address),
        token_address = VALUES(token_address), iao_contract_address = VALUES(iao_contract_address),
        pool_address = VALUES(pool_address), mining_contract_address = VALUES(mining_contract_address),
        payment_contract_address = VALUES(payment_contract_address), nft_token_id = VALUES(nft_token_id),
        liquidity_added = VALUES(liquidity_added), tokens_burned = VALUES(tokens_burned),
        owner_transferred = VALUES(owner_transferred), mining_owner_transferred = VALUES(mining_owner_transferred),
        iao_start_time = VALUES(iao_start_time), iao_end_time = VALUES(iao_end_time),
        iao_successful = VALUES(iao_successful), iao_checked_at = VALUES(iao_checked_at), updated_at = VALUES(updated_at)`
	} else {
		stmt = `INSERT INTO agents (` + agentColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET name = excluded.name, creator_address = excluded.creator_address,
        token_address = excluded.token_address, iao_contract_address = excluded.iao_contract_address,
        pool_address = excluded.pool_address, mining_contract_address = excluded.mining_contract_address,
        payment_contract_address = excluded.payment_contract_address, nft_token_id = excluded.nft_token_id,
        liquidity_added = excluded.liquidity_added, tokens_burned = excluded.tokens_burned,
        owner_transferred = excluded.owner_transferred, mining_owner_transferred = excluded.mining_owner_transferred,
        iao_start_time = excluded.iao_start_time, iao_end_time = excluded.iao_end_time,
        iao_successful = excluded.iao_successful, iao_checked_at = excluded.iao_checked_at, updated_at = excluded.updated_at`
	}

	var successful sql.NullBool
	if agent.IAOSuccessful != nil {
		successful = sql.NullBool{Bool: *agent.IAOSuccessful, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, stmt,
		agent.ID,
		agent.Name,
		agent.CreatorAddress,
		agent.TokenAddress,
		agent.IAOContractAddress,
		agent.PoolAddress,
		agent.MiningContractAddress,
		agent.PaymentContractAddress,
		agent.NFTTokenID,
		agent.LiquidityAdded,
		agent.TokensBurned,
		agent.OwnerTransferred,
		agent.MiningOwnerTransferred,
		agent.IAOStartTime,
		agent.IAOEndTime,
		successful,
		agent.IAOCheckedAt,
		createdAt,
		now,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存 Agent 失败")
	}
	return nil
}

// Update 实现 Repository 接口。布尔标记使用 SET flag = 1，重复执行不产生变化。
func (s *SQLRepository) Update(ctx context.Context, id string, patch Patch) (*Agent, error) {
	if patch.Empty() {
		return s.Get(ctx, id)
	}
	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	if patch.LiquidityAdded {
		sets = append(sets, "liquidity_added = 1")
	}
	if patch.TokensBurned {
		sets = append(sets, "tokens_burned = 1")
	}
	if patch.OwnerTransferred {
		sets = append(sets, "owner_transferred = 1")
	}
	if patch.MiningOwnerTransferred {
		sets = append(sets, "mining_owner_transferred = 1")
	}
	if patch.PoolAddress != nil {
		sets = append(sets, "pool_address = ?")
		args = append(args, *patch.PoolAddress)
	}
	if patch.MiningContractAddress != nil {
		sets = append(sets, "mining_contract_address = ?")
		args = append(args, *patch.MiningContractAddress)
	}
	if patch.PaymentContractAddress != nil {
		sets = append(sets, "payment_contract_address = ?")
		args = append(args, *patch.PaymentContractAddress)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UnixMilli(), id)

	res, err := s.db.ExecContext(ctx, `UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 Agent 失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrAgentNotFound
	}
	return s.Get(ctx, id)
}

// FindByIAOContract 实现 Repository 接口。
func (s *SQLRepository) FindByIAOContract(ctx context.Context, address string) (*Agent, error) {
	target := NormalizeAddress(address)
	if target == "" {
		return nil, ErrAgentNotFound
	}
	return s.getOne(ctx, s.db, `SELECT `+agentColumns+` FROM agents WHERE LOWER(iao_contract_address) = ? ORDER BY id LIMIT 1`, target)
}

// ListIAOContracts 实现 Repository 接口。
func (s *SQLRepository) ListIAOContracts(ctx context.Context) ([]*Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM agents WHERE iao_contract_address <> '' ORDER BY id`)
}

// ListIAOUndetermined 实现 Repository 接口。
func (s *SQLRepository) ListIAOUndetermined(ctx context.Context, endedBefore int64) ([]*Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM agents
        WHERE iao_successful IS NULL AND iao_contract_address <> '' AND iao_end_time > 0 AND iao_end_time <= ?
        ORDER BY iao_end_time, id`, endedBefore)
}

// UpdateIAOWindow 在同一事务内写入时间窗口与变更记录。
func (s *SQLRepository) UpdateIAOWindow(ctx context.Context, change IAOWindowChange) (*Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	if s.db.Dialect() == sqldb.DialectMySQL {
		query += " FOR UPDATE"
	}
	current, err := s.getOne(ctx, tx, query, change.AgentID)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `INSERT INTO agent_iao_history
        (agent_id, contract_address, previous_start_time, previous_end_time, start_time, end_time, tx_hash, block_number, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		current.ID,
		change.ContractAddress,
		current.IAOStartTime,
		current.IAOEndTime,
		change.StartTime,
		change.EndTime,
		change.TxHash,
		change.BlockNumber,
		now,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入募集窗口变更记录失败")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET iao_start_time = ?, iao_end_time = ?, updated_at = ? WHERE id = ?`,
		change.StartTime, change.EndTime, now, current.ID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新募集窗口失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交募集窗口失败")
	}
	current.IAOStartTime = change.StartTime
	current.IAOEndTime = change.EndTime
	current.UpdatedAt = now
	return current, nil
}

// SetIAOResult 实现 Repository 接口。
func (s *SQLRepository) SetIAOResult(ctx context.Context, id string, successful bool, checkedAt int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET iao_successful = ?, iao_checked_at = ?, updated_at = ? WHERE id = ?`,
		successful, checkedAt, s.now().UnixMilli(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入募集结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// History 实现 Repository 接口，新记录在前。
func (s *SQLRepository) History(ctx context.Context, id string) ([]IAOWindowChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, contract_address, previous_start_time, previous_end_time,
        start_time, end_time, tx_hash, block_number, created_at
        FROM agent_iao_history WHERE agent_id = ? ORDER BY created_at DESC, id DESC`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询募集窗口变更记录失败")
	}
	defer rows.Close()

	result := make([]IAOWindowChange, 0)
	for rows.Next() {
		var change IAOWindowChange
		if err := rows.Scan(
			&change.ID,
			&change.AgentID,
			&change.ContractAddress,
			&change.PreviousStartTime,
			&change.PreviousEndTime,
			&change.StartTime,
			&change.EndTime,
			&change.TxHash,
			&change.BlockNumber,
			&change.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析募集窗口变更记录失败")
		}
		result = append(result, change)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历募集窗口变更记录失败")
	}
	return result, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLRepository) getOne(ctx context.Context, q queryer, query string, args ...any) (*Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 Agent 失败")
	}
	return a, nil
}

func (s *SQLRepository) query(ctx context.Context, query string, args ...any) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 Agent 列表失败")
	}
	defer rows.Close()

	result := make([]*Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Agent 失败")
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 Agent 失败")
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a          Agent
		successful sql.NullBool
	)
	if err := row.Scan(
		&a.ID,
		&a.Name,
		&a.CreatorAddress,
		&a.TokenAddress,
		&a.IAOContractAddress,
		&a.PoolAddress,
		&a.MiningContractAddress,
		&a.PaymentContractAddress,
		&a.NFTTokenID,
		&a.LiquidityAdded,
		&a.TokensBurned,
		&a.OwnerTransferred,
		&a.MiningOwnerTransferred,
		&a.IAOStartTime,
		&a.IAOEndTime,
		&successful,
		&a.IAOCheckedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if successful.Valid {
		v := successful.Bool
		a.IAOSuccessful = &v
	}
	return &a, nil
}

var _ Repository = (*SQLRepository)(nil)
