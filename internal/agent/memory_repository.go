package agent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
)

// MemoryRepository 以内存方式保存 Agent，用于测试与单机开发。
type MemoryRepository struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	history map[string][]IAOWindowChange
	seq     int64
	now     func() time.Time
}

// NewMemoryRepository 创建 MemoryRepository。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		agents:  make(map[string]*Agent),
		history: make(map[string][]IAOWindowChange),
		now:     time.Now,
	}
}

// Get 实现 Repository 接口。
func (m *MemoryRepository) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(a), nil
}

// Upsert 实现 Repository 接口。
func (m *MemoryRepository) Upsert(_ context.Context, agent *Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UnixMilli()
	stored := cloneAgent(agent)
	if existing, ok := m.agents[agent.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt == 0 {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.agents[agent.ID] = stored
	return nil
}

// Update 实现 Repository 接口。
func (m *MemoryRepository) Update(_ context.Context, id string, patch Patch) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if !patch.Empty() {
		patch.applyTo(a)
		a.UpdatedAt = m.now().UnixMilli()
	}
	return cloneAgent(a), nil
}

// FindByIAOContract 实现 Repository 接口。
func (m *MemoryRepository) FindByIAOContract(_ context.Context, address string) (*Agent, error) {
	target := NormalizeAddress(address)
	if target == "" {
		return nil, ErrAgentNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.sorted() {
		if NormalizeAddress(a.IAOContractAddress) == target {
			return cloneAgent(a), nil
		}
	}
	return nil, ErrAgentNotFound
}

// ListIAOContracts 实现 Repository 接口。
func (m *MemoryRepository) ListIAOContracts(_ context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Agent, 0)
	for _, a := range m.sorted() {
		if strings.TrimSpace(a.IAOContractAddress) != "" {
			result = append(result, cloneAgent(a))
		}
	}
	return result, nil
}

// ListIAOUndetermined 实现 Repository 接口。
func (m *MemoryRepository) ListIAOUndetermined(_ context.Context, endedBefore int64) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Agent, 0)
	for _, a := range m.sorted() {
		if a.IAOSuccessful == nil && a.IAOContractAddress != "" && a.IAOEndTime > 0 && a.IAOEndTime <= endedBefore {
			result = append(result, cloneAgent(a))
		}
	}
	return result, nil
}

// UpdateIAOWindow 实现 Repository 接口。
func (m *MemoryRepository) UpdateIAOWindow(_ context.Context, change IAOWindowChange) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[change.AgentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	now := m.now().UnixMilli()
	m.seq++
	change.ID = m.seq
	change.PreviousStartTime = a.IAOStartTime
	change.PreviousEndTime = a.IAOEndTime
	change.CreatedAt = now
	m.history[a.ID] = append(m.history[a.ID], change)

	a.IAOStartTime = change.StartTime
	a.IAOEndTime = change.EndTime
	a.UpdatedAt = now
	return cloneAgent(a), nil
}

// SetIAOResult 实现 Repository 接口。
func (m *MemoryRepository) SetIAOResult(_ context.Context, id string, successful bool, checkedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.IAOSuccessful = &successful
	a.IAOCheckedAt = checkedAt
	a.UpdatedAt = m.now().UnixMilli()
	return nil
}

// History 实现 Repository 接口，新记录在前。
func (m *MemoryRepository) History(_ context.Context, id string) ([]IAOWindowChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[id]
	result := make([]IAOWindowChange, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		result = append(result, entries[i])
	}
	return result, nil
}

// Close 对内存存储无需操作。
func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) sorted() []*Agent {
	list := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

var _ Repository = (*MemoryRepository)(nil)
