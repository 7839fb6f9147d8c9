package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"TokenLaunch-Orchestrator/internal/agent"
	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/observability/metrics"
	"TokenLaunch-Orchestrator/internal/web3"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// LogSource 是监听器需要的链上读取能力，web3.Client 满足该接口。
type LogSource interface {
	FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// PollReport 汇总一次轮询。
type PollReport struct {
	FromBlock  uint64
	ToBlock    uint64
	Events     int
	Updated    int
	// Backfilled 为新登记合约补读后应用的事件数。
	Backfilled int
}

// Listener 轮询募集合约的 TimeUpdated 事件并回写 Agent 时间窗口。
// 轮询失败时记录错误，冷却后从游标处重新开始，不会影响任何任务。
type Listener struct {
	cfg    Config
	source LogSource
	agents agent.Repository
	cursor CursorStore
	logger *slog.Logger

	seenMu sync.Mutex
	seen   map[common.Address]struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewListener 构造 Listener。cfg 需已调用 ApplyDefaults。
func NewListener(cfg Config, source LogSource, agents agent.Repository, cursor CursorStore) *Listener {
	if cursor == nil {
		cursor = NewMemoryCursor()
	}
	return &Listener{
		cfg:    cfg,
		source: source,
		agents: agents,
		cursor: cursor,
		logger: logger.Named("reconciler"),
		seen:   make(map[common.Address]struct{}),
	}
}

// Start 在后台启动监听循环。重复调用返回错误。
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return xerrors.New(xerrors.CodeConflict, "监听器已在运行")
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	go func(done chan struct{}) {
		defer close(done)
		l.Run(runCtx)
	}(l.done)
	return nil
}

// Stop 停止监听循环并等待其退出。
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.running = false
	l.mu.Unlock()

	cancel()
	<-done
}

// Run 阻塞执行监听循环直到 ctx 结束。
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("链上监听已启动",
		slog.Duration("poll_interval", l.cfg.PollInterval),
		slog.Uint64("max_block_range", l.cfg.MaxBlockRange))
	for {
		err := l.watch(ctx)
		if ctx.Err() != nil {
			l.logger.Info("链上监听已停止")
			return nil
		}
		metrics.ObserveReconcilerRestart()
		l.logger.Error("链上监听异常，冷却后重启",
			slog.Any("error", err),
			slog.Duration("cooldown", l.cfg.RestartCooldown))

		timer := time.NewTimer(l.cfg.RestartCooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info("链上监听已停止")
			return nil
		case <-timer.C:
		}
	}
}

func (l *Listener) watch(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := l.Poll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll 从游标处读取到最新的已确认区块，按 MaxBlockRange 分段查询。
// 每段处理完成后才推进游标，失败的区段会在下次轮询时重新读取。
func (l *Listener) Poll(ctx context.Context) (PollReport, error) {
	var report PollReport
	head, err := l.source.BlockNumber(ctx)
	if err != nil {
		return report, xerrors.Wrap(xerrors.CodeReconciliation, err, "读取最新区块失败")
	}
	if head < l.cfg.Confirmations {
		return report, nil
	}
	head -= l.cfg.Confirmations

	from, ok, err := l.cursor.Load(ctx)
	if err != nil {
		return report, xerrors.Wrap(xerrors.CodeReconciliation, err, "读取监听游标失败")
	}
	if !ok {
		from = head
		if l.cfg.StartBlock > 0 {
			from = l.cfg.StartBlock
		}
	}
	report.FromBlock = from
	report.ToBlock = head

	watched, err := l.agents.ListIAOContracts(ctx)
	if err != nil {
		return report, xerrors.Wrap(xerrors.CodeReconciliation, err, "读取募集合约列表失败")
	}
	addresses := make([]common.Address, 0, len(watched))
	for _, a := range watched {
		if common.IsHexAddress(a.IAOContractAddress) {
			addresses = append(addresses, common.HexToAddress(a.IAOContractAddress))
		}
	}
	if err := l.backfill(ctx, addresses, from, &report); err != nil {
		return report, err
	}
	if from > head {
		return report, nil
	}
	if len(addresses) == 0 {
		return report, l.saveCursor(ctx, head+1)
	}

	for start := from; start <= head; {
		end := start + l.cfg.MaxBlockRange - 1
		if end > head {
			end = head
		}
		logs, err := l.source.FilterLogs(ctx, gethcore.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: addresses,
			Topics:    [][]common.Hash{{web3.TimeUpdatedTopic}},
		})
		if err != nil {
			return report, xerrors.Wrap(xerrors.CodeReconciliation, err,
				fmt.Sprintf("查询区块 %d-%d 的 TimeUpdated 事件失败", start, end))
		}
		for _, entry := range logs {
			report.Events++
			updated, err := l.handle(ctx, entry)
			if err != nil {
				return report, err
			}
			if updated {
				report.Updated++
			}
		}
		if err := l.saveCursor(ctx, end+1); err != nil {
			return report, err
		}
		start = end + 1
	}
	return report, nil
}

// backfill 为本进程首次见到的募集合约补读 before 之前的事件。
// 游标是全局的，合约在游标越过其事件之后才登记时，主循环不会再读到这些事件。
// 每个合约只应用区间内最新的一条有效事件，重复补读不会追加变更记录。
func (l *Listener) backfill(ctx context.Context, addresses []common.Address, before uint64, report *PollReport) error {
	fresh := l.unseen(addresses)
	if len(fresh) == 0 {
		return nil
	}
	lower := l.cfg.StartBlock
	if before > l.cfg.BackfillBlocks && before-l.cfg.BackfillBlocks > lower {
		lower = before - l.cfg.BackfillBlocks
	}

	latest := make(map[common.Address]types.Log, len(fresh))
	for start := lower; start < before; {
		end := start + l.cfg.MaxBlockRange - 1
		if end >= before {
			end = before - 1
		}
		logs, err := l.source.FilterLogs(ctx, gethcore.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: fresh,
			Topics:    [][]common.Hash{{web3.TimeUpdatedTopic}},
		})
		if err != nil {
			return xerrors.Wrap(xerrors.CodeReconciliation, err,
				fmt.Sprintf("补读区块 %d-%d 的 TimeUpdated 事件失败", start, end))
		}
		for _, entry := range logs {
			if entry.Removed {
				continue
			}
			if _, _, err := decodeTimeUpdated(entry); err != nil {
				continue
			}
			if prev, ok := latest[entry.Address]; !ok || laterLog(entry, prev) {
				latest[entry.Address] = entry
			}
		}
		start = end + 1
	}

	for _, entry := range latest {
		report.Backfilled++
		updated, err := l.handle(ctx, entry)
		if err != nil {
			return err
		}
		if updated {
			report.Updated++
		}
	}
	l.markSeen(fresh)
	if len(latest) > 0 {
		l.logger.Info("新登记合约的历史事件已补读",
			slog.Int("contracts", len(fresh)),
			slog.Int("events", len(latest)),
			slog.Uint64("from_block", lower),
			slog.Uint64("to_block", before))
	}
	return nil
}

func (l *Listener) unseen(addresses []common.Address) []common.Address {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	var fresh []common.Address
	for _, addr := range addresses {
		if _, ok := l.seen[addr]; !ok {
			fresh = append(fresh, addr)
		}
	}
	return fresh
}

func (l *Listener) markSeen(addresses []common.Address) {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	for _, addr := range addresses {
		l.seen[addr] = struct{}{}
	}
}

func laterLog(a, b types.Log) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber > b.BlockNumber
	}
	return a.Index > b.Index
}

func (l *Listener) saveCursor(ctx context.Context, next uint64) error {
	if err := l.cursor.Save(ctx, next); err != nil {
		return xerrors.Wrap(xerrors.CodeReconciliation, err, "写入监听游标失败")
	}
	return nil
}

// handle 处理单条事件。无法解析或找不到 Agent 的事件会被跳过，
// 只有写库失败才返回错误。
func (l *Listener) handle(ctx context.Context, entry types.Log) (bool, error) {
	log := l.logger.With(
		slog.String("contract", entry.Address.Hex()),
		slog.String("tx_hash", entry.TxHash.Hex()),
		slog.Uint64("block", entry.BlockNumber),
	)
	if entry.Removed {
		metrics.ObserveReconciledEvent("removed")
		log.Warn("事件所在区块已被回滚，忽略")
		return false, nil
	}
	start, end, err := decodeTimeUpdated(entry)
	if err != nil {
		metrics.ObserveReconciledEvent("invalid")
		log.Warn("无法解析 TimeUpdated 事件", slog.Any("error", err))
		return false, nil
	}

	a, err := l.agents.FindByIAOContract(ctx, entry.Address.Hex())
	if err != nil {
		if xerrors.HasCode(err, agent.CodeAgentNotFound) {
			metrics.ObserveReconciledEvent("unknown_contract")
			log.Warn("未找到募集合约对应的 Agent")
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeReconciliation, err, "查询募集合约对应的 Agent 失败")
	}
	if a.IAOStartTime == start && a.IAOEndTime == end {
		metrics.ObserveReconciledEvent("unchanged")
		return false, nil
	}

	updated, err := l.agents.UpdateIAOWindow(ctx, agent.IAOWindowChange{
		AgentID:         a.ID,
		ContractAddress: entry.Address.Hex(),
		StartTime:       start,
		EndTime:         end,
		TxHash:          entry.TxHash.Hex(),
		BlockNumber:     entry.BlockNumber,
	})
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeReconciliation, err, "写入募集时间窗口失败")
	}
	metrics.ObserveReconciledEvent("updated")
	logger.Audit().Info("募集时间窗口已同步",
		slog.String("agent_id", updated.ID),
		slog.String("contract", entry.Address.Hex()),
		slog.String("tx_hash", entry.TxHash.Hex()),
		slog.Int64("previous_start", a.IAOStartTime),
		slog.Int64("previous_end", a.IAOEndTime),
		slog.Int64("start_time", start),
		slog.Int64("end_time", end),
	)
	return true, nil
}

func decodeTimeUpdated(entry types.Log) (int64, int64, error) {
	if len(entry.Topics) == 0 || entry.Topics[0] != web3.TimeUpdatedTopic {
		return 0, 0, fmt.Errorf("unexpected topic")
	}
	values, err := web3.IAOABI.Unpack("TimeUpdated", entry.Data)
	if err != nil {
		return 0, 0, err
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("expected 2 values, got %d", len(values))
	}
	start, ok1 := values[0].(*big.Int)
	end, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 || !start.IsInt64() || !end.IsInt64() {
		return 0, 0, fmt.Errorf("invalid time values")
	}
	return start.Int64(), end.Int64(), nil
}
