package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// Handler 处理来自消息队列的任务 ID。
//
// 返回错误只代表基础设施异常（例如存储不可用），业务失败已经写入任务本身。
// 各驱动不会立即重投失败的消息，遗留的 PENDING 任务由 RecoverySweeper 重新发布。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// QueueConfig 选择队列驱动并携带各驱动的参数。
type QueueConfig struct {
	Driver   string           `yaml:"driver" json:"driver"`
	Buffer   int              `yaml:"buffer" json:"buffer"`
	Redis    RedisQueueConfig `yaml:"redis" json:"redis"`
	RabbitMQ RabbitMQConfig   `yaml:"rabbitmq" json:"rabbitmq"`
	Asynq    AsynqConfig      `yaml:"asynq" json:"asynq"`
}

// NewQueue 根据配置创建队列实现。
func NewQueue(cfg QueueConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(cfg.Redis)
	case "rabbitmq", "amqp":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	case "asynq":
		return NewAsynqQueue(cfg.Asynq)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的队列驱动: "+cfg.Driver)
	}
}

func handleMessage(ctx context.Context, driver string, handler Handler, taskID string) {
	start := time.Now()
	if err := handler(ctx, taskID); err != nil {
		queueLogger().Error("任务消息处理失败",
			"driver", driver,
			"task_id", taskID,
			"duration", time.Since(start),
			"error", err,
		)
	}
}

func queueLogger() *slog.Logger {
	return logger.Named("queue")
}
