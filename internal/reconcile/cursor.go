package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
)

// CursorStore 保存下一次轮询的起始区块。
type CursorStore interface {
	// Load 返回已保存的区块，ok 为 false 表示尚未保存过。
	Load(ctx context.Context) (block uint64, ok bool, err error)
	Save(ctx context.Context, block uint64) error
	Close() error
}

// NewCursorStore 根据配置创建游标存储。
func NewCursorStore(cfg CursorConfig) (CursorStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryCursor(), nil
	case "redis":
		return NewRedisCursor(cfg.Redis)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的游标存储: "+cfg.Driver)
	}
}

// MemoryCursor 在进程内保存游标，重启后从配置的起始区块开始。
type MemoryCursor struct {
	mu    sync.Mutex
	block uint64
	set   bool
}

// NewMemoryCursor 创建内存游标。
func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{}
}

// Load 实现 CursorStore。
func (m *MemoryCursor) Load(context.Context) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, m.set, nil
}

// Save 实现 CursorStore。
func (m *MemoryCursor) Save(_ context.Context, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = block
	m.set = true
	return nil
}

// Close 实现 CursorStore。
func (m *MemoryCursor) Close() error { return nil }

// RedisCursor 将游标保存在 Redis 字符串键中，多实例部署时共享进度。
type RedisCursor struct {
	client *redis.Client
	key    string
	owned  bool
}

// NewRedisCursor 连接 Redis 并校验连通性。
func NewRedisCursor(cfg RedisCursorConfig) (*RedisCursor, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	c := NewRedisCursorWithClient(client, cfg.Key)
	c.owned = true
	return c, nil
}

// NewRedisCursorWithClient 复用已有客户端，Close 不会关闭该客户端。
func NewRedisCursorWithClient(client *redis.Client, key string) *RedisCursor {
	if key == "" {
		key = "launchpad:reconcile:cursor"
	}
	return &RedisCursor{client: client, key: key}
}

// Load 实现 CursorStore。
func (r *RedisCursor) Load(ctx context.Context) (uint64, bool, error) {
	block, err := r.client.Get(ctx, r.key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取监听游标失败")
	}
	return block, true, nil
}

// Save 实现 CursorStore。
func (r *RedisCursor) Save(ctx context.Context, block uint64) error {
	if err := r.client.Set(ctx, r.key, block, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入监听游标失败")
	}
	return nil
}

// Close 关闭自行创建的客户端。
func (r *RedisCursor) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
