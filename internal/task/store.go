package task

import "context"

// Store 抽象了任务状态的持久化接口。
//
// 同一任务只由创建它的后台执行者写入，但允许任意数量的轮询者并发读取，
// 实现必须保证读取到的是一致的快照。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 原子地将 PENDING 任务迁移为 PROCESSING，其他状态返回 ErrTaskConflict。
	Claim(ctx context.Context, id string) (*Task, error)
	// Transition 迁移状态并合并结果补丁，result.metadata 保持不变。
	Transition(ctx context.Context, id string, status Status, patch ResultPatch) (*Task, error)
	// ListByAgent 返回同一 Agent、同一类型的全部任务，按创建时间倒序。
	ListByAgent(ctx context.Context, agentID string, taskType Type) ([]*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
