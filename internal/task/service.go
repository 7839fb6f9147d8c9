package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/observability/metrics"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// SubmitRequest 描述一次新任务的创建请求。
type SubmitRequest struct {
	ID        string
	Type      Type
	AgentID   string
	CreatedBy string
	Metadata  map[string]any
}

// Service 负责任务的创建与查询。
type Service struct {
	store    Store
	producer Producer

	// 同一进程内串行化同一 Agent 的提交，避免检查与创建之间的竞争。
	locks sync.Map
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer) *Service {
	return &Service{store: store, producer: producer}
}

// Submit 创建一个新的 PENDING 任务并推送到队列。
// 同一 Agent 已有任意类型的进行中任务时返回该任务与 ErrTaskInProgress。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if !IsValidType(req.Type) {
		return nil, xerrors.New(CodeTaskValidation, "不支持的任务类型: "+string(req.Type))
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, xerrors.New(CodeTaskValidation, "agentId 不能为空")
	}

	unlock := s.lock(agentID)
	defer unlock()

	active, err := s.ActiveTask(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, xerrors.Wrap(CodeTaskInProgress, ErrTaskInProgress, "任务 "+active.ID+" 仍在执行",
			xerrors.WithMetadata("task_id", active.ID))
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	task := &Task{
		ID:        taskID,
		Type:      req.Type,
		Status:    StatusPending,
		AgentID:   agentID,
		CreatedBy: strings.TrimSpace(req.CreatedBy),
		Result:    TaskResult{Metadata: cloneMetadata(req.Metadata)},
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	metrics.ObserveTaskTransition(string(task.Type), string(StatusPending))

	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		if _, markErr := s.store.Transition(context.WithoutCancel(ctx), taskID, StatusFailed, ResultPatch{Error: wrapped.Message()}); markErr != nil {
			logger.L().Error("回写入队失败状态出错", slog.Any("error", markErr), slog.String("task_id", taskID))
		}
		return nil, wrapped
	}
	logger.Audit().Info("任务已创建",
		slog.String("task_id", taskID),
		slog.String("task_type", string(task.Type)),
		slog.String("agent_id", agentID),
		slog.String("created_by", task.CreatedBy),
	)
	return task, nil
}

func (s *Service) lock(agentID string) func() {
	value, _ := s.locks.LoadOrStore(agentID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ActiveTask 返回该 Agent 任意类型中最新的 PENDING/PROCESSING 任务，没有时返回 nil。
func (s *Service) ActiveTask(ctx context.Context, agentID string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	tasks, err := s.store.List(ctx, buildListOptions([]ListOption{
		WithAgent(agentID),
		WithStatuses(StatusPending, StatusProcessing),
		WithLimit(1),
	}))
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// GetForAgent 返回属于指定 Agent 的任务，不属于该 Agent 时视为不存在。
func (s *Service) GetForAgent(ctx context.Context, agentID, id string) (*Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.AgentID != agentID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// History 返回同一 Agent、同一类型的全部任务，新任务在前。
func (s *Service) History(ctx context.Context, agentID string, taskType Type) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.ListByAgent(ctx, agentID, taskType)
}

// MergedView 合并同一 Agent、同一类型的历史尝试。
func (s *Service) MergedView(ctx context.Context, agentID string, taskType Type) (MergedView, error) {
	tasks, err := s.History(ctx, agentID, taskType)
	if err != nil {
		return MergedView{}, err
	}
	view := Merge(tasks)
	view.AgentID = agentID
	view.Type = taskType
	return view, nil
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询任务状态直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
