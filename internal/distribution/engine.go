package distribution

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TokenLaunch-Orchestrator/internal/agent"
	"TokenLaunch-Orchestrator/internal/task"
	"TokenLaunch-Orchestrator/internal/web3"
	"TokenLaunch-Orchestrator/pkg/limiter"
	"TokenLaunch-Orchestrator/pkg/logger"
	"TokenLaunch-Orchestrator/pkg/retry"
)

// History 返回同一 Agent、同一类型的历史任务，按新到旧排序。
type History interface {
	History(ctx context.Context, agentID string, taskType task.Type) ([]*task.Task, error)
}

// Deployer 是外部合约部署服务的抽象。
type Deployer interface {
	DeployMining(ctx context.Context, a *agent.Agent) (string, error)
	DeployPayment(ctx context.Context, a *agent.Agent) (string, error)
	// Pending 判断部署服务上是否仍有该 Agent 未完成的部署。
	Pending(ctx context.Context, agentID string) (bool, error)
}

// Engine 持有执行各类发行任务所需的协作者，并为每种任务类型提供 Runner。
type Engine struct {
	cfg      Config
	client   web3.Client
	agents   agent.Repository
	history  History
	deployer Deployer
	executor *Executor

	// wallet 是托管钱包的唯一写入通道。
	wallet        *limiter.Limiter
	airdropPolicy retry.Policy
	deployPolicy  retry.Policy

	logger *slog.Logger
	now    func() time.Time
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithWalletLimiter 替换托管钱包的并发限制器。
func WithWalletLimiter(l *limiter.Limiter) Option {
	return func(e *Engine) {
		if l != nil {
			e.wallet = l
		}
	}
}

// WithAirdropPolicy 覆盖单笔空投的重试策略。
func WithAirdropPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		e.airdropPolicy = p
	}
}

// WithDeploymentPolicy 覆盖外部部署调用的重试策略。
func WithDeploymentPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		e.deployPolicy = p
	}
}

// WithDeployer 配置外部部署服务。
func WithDeployer(d Deployer) Option {
	return func(e *Engine) {
		e.deployer = d
	}
}

// WithExecutor 替换交易执行器。
func WithExecutor(x *Executor) Option {
	return func(e *Engine) {
		if x != nil {
			e.executor = x
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 构造 Engine。cfg 需已调用 ApplyDefaults。
func NewEngine(cfg Config, client web3.Client, agents agent.Repository, history History, opts ...Option) *Engine {
	e := &Engine{
		cfg:           cfg,
		client:        client,
		agents:        agents,
		history:       history,
		executor:      NewExecutor(client, cfg.ReceiptTimeout),
		wallet:        limiter.New(cfg.Airdrop.Concurrency, limiter.WithSpacing(cfg.Airdrop.ItemDelay)),
		airdropPolicy: retry.AirdropSend,
		deployPolicy:  retry.Deployment,
		logger:        logger.Named("distribution"),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wallet 返回托管钱包的限制器，便于暴露指标。
func (e *Engine) Wallet() *limiter.Limiter {
	return e.wallet
}

// Register 将全部任务类型的 Runner 注册到处理器。
func (e *Engine) Register(p *task.Processor) {
	p.Register(task.TypeDistributeTokens, task.RunnerFunc(e.runDistribution))
	p.Register(task.TypeAddLiquidity, task.RunnerFunc(e.runAddLiquidity))
	p.Register(task.TypeBurnTokens, task.RunnerFunc(e.runBurnTokens))
	p.Register(task.TypeTransferOwnership, task.RunnerFunc(e.runTransferOwnership))
	p.Register(task.TypeDeployMining, task.RunnerFunc(e.runDeployMining))
	p.Register(task.TypeDeployPaymentContract, task.RunnerFunc(e.runDeployPayment))
	p.Register(task.TypeBurnXAAAndNFT, task.RunnerFunc(e.runBurnXAAAndNFT))
}

// exec 经由钱包限制器执行单个链上效果。
func (e *Engine) exec(ctx context.Context, op Op) task.TransactionRecord {
	var record task.TransactionRecord
	err := e.wallet.Execute(ctx, func(ctx context.Context) error {
		record = e.executor.Execute(ctx, op)
		return nil
	})
	if err != nil {
		return failedRecord(op, "wallet unavailable: "+err.Error(), e.now())
	}
	return record
}

func (e *Engine) loadAgent(ctx context.Context, id string) (*agent.Agent, error) {
	a, err := e.agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// patchAgent 幂等地写入 Agent 标记，已为 true 的标记不会重复写入。
func (e *Engine) patchAgent(ctx context.Context, a *agent.Agent, patch agent.Patch) (*agent.Agent, error) {
	if patch.Empty() {
		return a, nil
	}
	updated, err := e.agents.Update(context.WithoutCancel(ctx), a.ID, patch)
	if err != nil {
		return a, err
	}
	logger.Audit().Info("Agent 标记已更新",
		slog.String("agent_id", a.ID),
		slog.Bool("liquidity_added", updated.LiquidityAdded),
		slog.Bool("tokens_burned", updated.TokensBurned),
		slog.Bool("owner_transferred", updated.OwnerTransferred),
		slog.Bool("mining_owner_transferred", updated.MiningOwnerTransferred),
	)
	return updated, nil
}

func (e *Engine) custodial() common.Address {
	if e.client == nil {
		return common.Address{}
	}
	return e.client.Address()
}

func failedRecord(op Op, message string, at time.Time) task.TransactionRecord {
	return task.TransactionRecord{
		Type:      op.Type,
		Amount:    op.Amount,
		ToAddress: op.ToAddress,
		Status:    task.TxFailed,
		Error:     message,
		Timestamp: at.UnixMilli(),
	}
}

// ledger 累积本次执行产生的交易记录，每次追加后写回任务。
type ledger struct {
	recorder task.Recorder
	records  []task.TransactionRecord
	logger   *slog.Logger
	taskID   string

	confirmed int
	failed    *task.TransactionRecord
}

func newLedger(t *task.Task, recorder task.Recorder, log *slog.Logger) *ledger {
	return &ledger{recorder: recorder, records: []task.TransactionRecord{}, logger: log, taskID: t.ID}
}

func (l *ledger) append(ctx context.Context, record task.TransactionRecord) {
	l.records = append(l.records, record)
	switch record.Status {
	case task.TxConfirmed:
		l.confirmed++
	case task.TxFailed:
		if l.failed == nil {
			r := record
			l.failed = &r
		}
	}
	if l.recorder == nil {
		return
	}
	if err := l.recorder.Record(context.WithoutCancel(ctx), l.records); err != nil {
		l.logger.Warn("写入阶段性账本失败", slog.String("task_id", l.taskID), slog.Any("error", err))
	}
}

// outcome 按本次执行的结果给出终态：无失败为 COMPLETED，
// 失败前已有确认步骤为 PARTIAL_FAILED，否则为 FAILED。
func (l *ledger) outcome() task.Outcome {
	out := task.Outcome{Transactions: l.records}
	switch {
	case l.failed == nil:
		out.Status = task.StatusCompleted
	case l.confirmed > 0:
		out.Status = task.StatusPartialFailed
		out.Error = string(l.failed.Type) + ": " + l.failed.Error
	default:
		out.Status = task.StatusFailed
		out.Error = string(l.failed.Type) + ": " + l.failed.Error
	}
	return out
}

// halt 以非交易原因结束执行，例如加载 Agent 失败。
func (l *ledger) halt(message string) task.Outcome {
	out := task.Outcome{Transactions: l.records, Error: message, Status: task.StatusFailed}
	if l.confirmed > 0 {
		out.Status = task.StatusPartialFailed
	}
	return out
}
