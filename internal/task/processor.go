package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/observability/alerting"
	"TokenLaunch-Orchestrator/internal/observability/metrics"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// Outcome 是 Runner 执行结束后给出的终态与完整交易账本。
type Outcome struct {
	Status       Status
	Transactions []TransactionRecord
	Error        string
}

// Recorder 在执行过程中写入阶段性交易账本，使轮询方能够看到进度。
type Recorder interface {
	Record(ctx context.Context, transactions []TransactionRecord) error
}

// Runner 执行某一类任务。实现不得返回非终态，步骤内的错误应折叠进 Outcome。
type Runner interface {
	Run(ctx context.Context, task *Task, recorder Recorder) Outcome
}

// RunnerFunc 允许以函数形式实现 Runner。
type RunnerFunc func(ctx context.Context, task *Task, recorder Recorder) Outcome

// Run 实现 Runner 接口。
func (f RunnerFunc) Run(ctx context.Context, task *Task, recorder Recorder) Outcome {
	return f(ctx, task, recorder)
}

// Processor 负责从队列消费任务并交给对应的 Runner 执行。
type Processor struct {
	store        Store
	consumer     Consumer
	workerCount  int
	finalTimeout time.Duration
	heartbeat    time.Duration
	logger       *slog.Logger
	alerter      alerting.Dispatcher

	mu      sync.RWMutex
	runners map[Type]Runner

	inflight sync.Map
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRunner 为任务类型注册执行器。
func WithRunner(taskType Type, runner Runner) ProcessorOption {
	return func(p *Processor) {
		p.Register(taskType, runner)
	}
}

// WithFinalWriteTimeout 设置写入终态时使用的超时时间。
func WithFinalWriteTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.finalTimeout = timeout
		}
	}
}

// WithHeartbeat 设置执行期间刷新任务 updated_at 的间隔，必须小于巡检的 stale_after。
func WithHeartbeat(interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if interval > 0 {
			p.heartbeat = interval
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:        store,
		consumer:     consumer,
		workerCount:  1,
		finalTimeout: 10 * time.Second,
		heartbeat:    time.Minute,
		logger:       logger.Named("processor"),
		runners:      make(map[Type]Runner),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Register 为任务类型注册执行器，重复注册会覆盖旧值。
func (p *Processor) Register(taskType Type, runner Runner) {
	if runner == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runners[taskType] = runner
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 领取并执行单个任务。只有存储异常才会返回错误。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	metrics.ObserveTaskTransition(string(task.Type), string(StatusProcessing))
	logger.Audit().Info("任务开始执行",
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		slog.String("agent_id", task.AgentID),
	)

	p.inflight.Store(task.ID, struct{}{})
	defer p.inflight.Delete(task.ID)

	stop := p.keepAlive(ctx, task.ID)
	outcome := p.run(ctx, task)
	stop()
	return p.finish(ctx, task, outcome)
}

// InFlight 报告任务是否仍由本进程执行。
func (p *Processor) InFlight(taskID string) bool {
	_, ok := p.inflight.Load(taskID)
	return ok
}

// keepAlive 在执行期间周期性写入 PROCESSING -> PROCESSING，
// 长时间的批量步骤因此不会被巡检误判为滞留。
func (p *Processor) keepAlive(ctx context.Context, taskID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if _, err := p.store.Transition(hbCtx, taskID, StatusProcessing, ResultPatch{}); err != nil && hbCtx.Err() == nil {
					p.logger.Warn("任务心跳写入失败", slog.Any("error", err), slog.String("task_id", taskID))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) run(ctx context.Context, task *Task) (outcome Outcome) {
	p.mu.RLock()
	runner, ok := p.runners[task.Type]
	p.mu.RUnlock()
	if !ok {
		return Outcome{Status: StatusFailed, Error: fmt.Sprintf("no runner registered for task type %s", task.Type)}
	}

	recorder := &storeRecorder{store: p.store, taskID: task.ID}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("任务执行 panic", slog.String("task_id", task.ID), slog.Any("panic", r))
			outcome = Outcome{
				Status:       StatusFailed,
				Transactions: recorder.last(),
				Error:        fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return runner.Run(ctx, task, recorder)
}

// finish 写入唯一一次终态。即使处理上下文已取消也要落库。
func (p *Processor) finish(ctx context.Context, task *Task, outcome Outcome) error {
	if !outcome.Status.IsTerminal() {
		p.logger.Warn("执行器返回了非终态，按失败处理",
			slog.String("task_id", task.ID),
			slog.String("status", string(outcome.Status)))
		outcome.Status = StatusFailed
		if outcome.Error == "" {
			outcome.Error = "runner returned non-terminal status"
		}
	}
	if outcome.Status != StatusCompleted && outcome.Error == "" {
		outcome.Error = "task did not complete"
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.finalTimeout)
	defer cancel()
	final, err := p.store.Transition(writeCtx, task.ID, outcome.Status, ResultPatch{
		Transactions: outcome.Transactions,
		Error:        outcome.Error,
	})
	if err != nil {
		p.logger.Error("写入任务终态失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("status", string(outcome.Status)))
		if stdErrors.Is(err, ErrInvalidTransition) && final != nil && final.Status.IsTerminal() {
			p.saveLateLedger(writeCtx, final, outcome)
		}
		p.emitAlert(writeCtx, task, outcome, xerrors.Wrap(CodeTaskProcessing, err, "写入任务终态失败"))
		return err
	}

	metrics.ObserveTaskTransition(string(final.Type), string(final.Status))
	attrs := []any{
		slog.String("task_id", final.ID),
		slog.String("task_type", string(final.Type)),
		slog.String("agent_id", final.AgentID),
		slog.String("status", string(final.Status)),
		slog.Int("transactions", len(final.Result.Transactions)),
	}
	if final.Status == StatusCompleted {
		logger.Audit().Info("任务执行完成", attrs...)
		return nil
	}
	attrs = append(attrs, slog.String("error", final.Result.Error))
	logger.Audit().Warn("任务执行未完全成功", attrs...)
	p.emitAlert(writeCtx, task, outcome, nil)
	return nil
}

// saveLateLedger 在任务已被其他写入者置为终态时，仍按原终态补写本次执行的账本，
// 使已确认的链上交易对合并视图可见。
func (p *Processor) saveLateLedger(ctx context.Context, current *Task, outcome Outcome) {
	if len(outcome.Transactions) == 0 {
		return
	}
	message := current.Result.Error
	if outcome.Error != "" {
		message += "; run finished as " + string(outcome.Status) + ": " + outcome.Error
	} else {
		message += "; run finished as " + string(outcome.Status)
	}
	if _, err := p.store.Transition(ctx, current.ID, current.Status, ResultPatch{
		Transactions: outcome.Transactions,
		Error:        message,
	}); err != nil {
		p.logger.Error("补写任务账本失败", slog.Any("error", err), slog.String("task_id", current.ID))
		return
	}
	logger.Audit().Warn("任务终态已被改写，账本已补写",
		slog.String("task_id", current.ID),
		slog.String("status", string(current.Status)),
		slog.String("run_status", string(outcome.Status)),
		slog.Int("transactions", len(outcome.Transactions)),
	)
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, outcome Outcome, cause error) {
	if p.alerter == nil || task == nil {
		return
	}
	code := CodeTaskProcessing
	message := outcome.Error
	if cause != nil {
		code = xerrors.CodeOf(cause)
		message = cause.Error()
	}
	metadata := map[string]string{}
	for _, tx := range outcome.Transactions {
		if tx.Status == TxFailed {
			metadata[string(tx.Type)] = tx.Error
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.AttributesOf(code).Severity,
		TaskID:     task.ID,
		TaskType:   string(task.Type),
		AgentID:    task.AgentID,
		Status:     string(outcome.Status),
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}

type storeRecorder struct {
	store  Store
	taskID string

	mu       sync.Mutex
	snapshot []TransactionRecord
}

// Record 以 PROCESSING -> PROCESSING 的迁移写入当前账本。
func (r *storeRecorder) Record(ctx context.Context, transactions []TransactionRecord) error {
	r.mu.Lock()
	r.snapshot = cloneTransactions(transactions)
	r.mu.Unlock()
	if _, err := r.store.Transition(ctx, r.taskID, StatusProcessing, ResultPatch{Transactions: transactions}); err != nil {
		return err
	}
	return nil
}

func (r *storeRecorder) last() []TransactionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneTransactions(r.snapshot)
}
