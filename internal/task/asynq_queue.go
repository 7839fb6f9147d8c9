package task

import (
	"context"
	"errors"
	"strings"

	"github.com/hibiken/asynq"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
)

// AsynqTaskType 是投递到 asynq 的任务类型。
const AsynqTaskType = "launchpad:task"

// AsynqConfig 描述 asynq 队列的 Redis 连接与队列名。
type AsynqConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Queue    string `yaml:"queue" json:"queue"`
}

// AsynqQueue 基于 hibiken/asynq 实现任务队列。
//
// 任务 ID 同时作为 asynq 的 TaskID，因此重复发布仍在排队的任务会被去重。
type AsynqQueue struct {
	redisOpt asynq.RedisClientOpt
	client   *asynq.Client
	queue    string
}

// NewAsynqQueue 创建 asynq 队列。
func NewAsynqQueue(cfg AsynqConfig) (*AsynqQueue, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "asynq Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "default"
	}
	redisOpt := asynq.RedisClientOpt{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	return &AsynqQueue{
		redisOpt: redisOpt,
		client:   asynq.NewClient(redisOpt),
		queue:    queue,
	}, nil
}

// Publish 将任务 ID 作为 asynq 任务入队。
func (q *AsynqQueue) Publish(ctx context.Context, taskID string) error {
	t := asynq.NewTask(AsynqTaskType, []byte(taskID))
	_, err := q.client.EnqueueContext(ctx, t,
		asynq.Queue(q.queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "asynq 发布任务失败")
	}
	return nil
}

// Consume 启动 asynq server，直到 ctx 结束。
func (q *AsynqQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	server := asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency: workerCount,
		Queues:      map[string]int{q.queue: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(AsynqTaskType, func(taskCtx context.Context, t *asynq.Task) error {
		handleMessage(taskCtx, "asynq", handler, string(t.Payload()))
		return nil
	})
	if err := server.Start(mux); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "启动 asynq server 失败")
	}
	<-ctx.Done()
	server.Shutdown()
	return ctx.Err()
}

// Close 关闭 asynq 客户端。
func (q *AsynqQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
