package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，用于测试与单机开发。
type MemoryStore struct {
	mu    sync.RWMutex
	seq   int64
	tasks map[string]*memoryEntry
	now   func() time.Time
}

type memoryEntry struct {
	task *Task
	seq  int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*memoryEntry), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if err := task.Result.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().UnixMilli()
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
	m.seq++
	m.tasks[task.ID] = &memoryEntry{task: cloneTask(task), seq: m.seq}
	return nil
}

// Get 返回任务快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(entry.task), nil
}

// Claim 实现 Store 接口。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	current := entry.task
	if current.Status != StatusPending {
		return cloneTask(current), ErrTaskConflict
	}
	now := m.now().UnixMilli()
	current.Status = StatusProcessing
	current.StartedAt = now
	current.UpdatedAt = now
	return cloneTask(current), nil
}

// Transition 迁移任务状态并合并结果。
func (m *MemoryStore) Transition(_ context.Context, id string, status Status, patch ResultPatch) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	current := entry.task
	if !CanTransition(current.Status, status) {
		return cloneTask(current), xerrors.Wrap(CodeTaskInvalidTransition, ErrInvalidTransition,
			string(current.Status)+" -> "+string(status))
	}
	next := current.Result.apply(patch)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	now := m.now().UnixMilli()
	current.Result = next
	if status == StatusProcessing && current.StartedAt == 0 {
		current.StartedAt = now
	}
	if status.IsTerminal() {
		current.CompletedAt = now
	}
	current.Status = status
	current.UpdatedAt = now
	return cloneTask(current), nil
}

// ListByAgent 返回同一 Agent、同一类型的任务，新任务在前。
func (m *MemoryStore) ListByAgent(_ context.Context, agentID string, taskType Type) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*memoryEntry, 0)
	for _, entry := range m.tasks {
		if entry.task.AgentID == agentID && entry.task.Type == taskType {
			entries = append(entries, entry)
		}
	}
	sortNewestFirst(entries)
	results := make([]*Task, 0, len(entries))
	for _, entry := range entries {
		results = append(results, cloneTask(entry.task))
	}
	return results, nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*memoryEntry, 0, len(m.tasks))
	for _, entry := range m.tasks {
		if opts.matches(entry.task) {
			entries = append(entries, entry)
		}
	}
	if opts.Order == SortByUpdatedAsc {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].task.UpdatedAt == entries[j].task.UpdatedAt {
				return entries[i].seq < entries[j].seq
			}
			return entries[i].task.UpdatedAt < entries[j].task.UpdatedAt
		})
	} else {
		sortNewestFirst(entries)
	}

	if opts.Offset >= len(entries) {
		return []*Task{}, nil
	}
	entries = entries[opts.Offset:]
	if len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	results := make([]*Task, 0, len(entries))
	for _, entry := range entries {
		results = append(results, cloneTask(entry.task))
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := TaskStats{}
	for _, entry := range m.tasks {
		if opts.matches(entry.task) {
			stats.add(entry.task)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func sortNewestFirst(entries []*memoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].task.CreatedAt == entries[j].task.CreatedAt {
			return entries[i].seq > entries[j].seq
		}
		return entries[i].task.CreatedAt > entries[j].task.CreatedAt
	})
}

var _ Store = (*MemoryStore)(nil)
