package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"TokenLaunch-Orchestrator/internal/observability/metrics"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// InterruptedMessage 写入因进程中断而滞留在 PROCESSING 的任务。
// 这类任务可能已经提交了交易，重试前必须先核对链上状态。
const InterruptedMessage = "interrupted: verify on-chain state before retry"

// RecoveryConfig 控制滞留任务的判定阈值。
type RecoveryConfig struct {
	RequeueAfter time.Duration `yaml:"requeue_after" json:"requeue_after"`
	StaleAfter   time.Duration `yaml:"stale_after" json:"stale_after"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	Schedule     string        `yaml:"schedule" json:"schedule"`
}

// RecoveryReport 汇总一次巡检的处理结果。
type RecoveryReport struct {
	Requeued    int `json:"requeued"`
	Interrupted int `json:"interrupted"`
}

// RecoverySweeper 重新发布长时间未被领取的 PENDING 任务，
// 并将长时间无进展的 PROCESSING 任务标记为失败。
type RecoverySweeper struct {
	store    Store
	producer Producer
	tracker  InFlightTracker
	cfg      RecoveryConfig
	now      func() time.Time
	logger   *slog.Logger
}

// InFlightTracker 报告任务是否仍在本进程内执行，Processor 实现了该接口。
type InFlightTracker interface {
	InFlight(taskID string) bool
}

// RecoveryOption 定义巡检的可选配置。
type RecoveryOption func(*RecoverySweeper)

// WithInFlightTracker 让巡检跳过仍在执行的任务。
func WithInFlightTracker(tracker InFlightTracker) RecoveryOption {
	return func(r *RecoverySweeper) {
		r.tracker = tracker
	}
}

// NewRecoverySweeper 构造 RecoverySweeper。
func NewRecoverySweeper(store Store, producer Producer, cfg RecoveryConfig, opts ...RecoveryOption) *RecoverySweeper {
	if cfg.RequeueAfter <= 0 {
		cfg.RequeueAfter = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	r := &RecoverySweeper{
		store:    store,
		producer: producer,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.Named("recovery"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Sweep 执行一次巡检。
func (r *RecoverySweeper) Sweep(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	now := r.now()

	pending, err := r.store.List(ctx, buildListOptions([]ListOption{
		WithStatuses(StatusPending),
		WithUpdatedBefore(now.Add(-r.cfg.RequeueAfter)),
		WithSortOrder(SortByUpdatedAsc),
		WithLimit(r.cfg.BatchSize),
	}))
	if err != nil {
		return report, err
	}
	for _, task := range pending {
		if err := r.producer.Publish(ctx, task.ID); err != nil {
			r.logger.Error("重新发布任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
			continue
		}
		report.Requeued++
	}

	stale, err := r.store.List(ctx, buildListOptions([]ListOption{
		WithStatuses(StatusProcessing),
		WithUpdatedBefore(now.Add(-r.cfg.StaleAfter)),
		WithSortOrder(SortByUpdatedAsc),
		WithLimit(r.cfg.BatchSize),
	}))
	if err != nil {
		return report, err
	}
	for _, task := range stale {
		if r.tracker != nil && r.tracker.InFlight(task.ID) {
			r.logger.Warn("任务长时间无进展但仍在执行，跳过", slog.String("task_id", task.ID))
			continue
		}
		final, err := r.store.Transition(ctx, task.ID, StatusFailed, ResultPatch{Error: InterruptedMessage})
		if err != nil {
			r.logger.Error("标记中断任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
			continue
		}
		report.Interrupted++
		metrics.ObserveTaskTransition(string(final.Type), string(final.Status))
		logger.Audit().Warn("任务执行中断",
			slog.String("task_id", final.ID),
			slog.String("task_type", string(final.Type)),
			slog.String("agent_id", final.AgentID),
			slog.Int("transactions", len(final.Result.Transactions)),
		)
	}

	if report.Requeued > 0 || report.Interrupted > 0 {
		r.logger.Info("任务巡检完成", slog.Int("requeued", report.Requeued), slog.Int("interrupted", report.Interrupted))
	}
	return report, nil
}

// Schedule 将巡检注册到 cron 调度器。
func (r *RecoverySweeper) Schedule(ctx context.Context, c *cron.Cron) (cron.EntryID, error) {
	return c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("任务巡检失败", slog.Any("error", err))
		}
	})
}
