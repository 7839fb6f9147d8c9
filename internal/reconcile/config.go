package reconcile

import "time"

// Config 控制链上监听与募集结果巡检。
type Config struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxBlockRange   uint64        `yaml:"max_block_range" json:"max_block_range"`
	RestartCooldown time.Duration `yaml:"restart_cooldown" json:"restart_cooldown"`
	// StartBlock 为首次启动且没有游标时的起始区块，0 表示从当前区块开始。
	StartBlock     uint64       `yaml:"start_block" json:"start_block"`
	Confirmations  uint64       `yaml:"confirmations" json:"confirmations"`
	// BackfillBlocks 为新登记的募集合约向游标之前补读的最大区块数。
	BackfillBlocks uint64       `yaml:"backfill_blocks" json:"backfill_blocks"`
	Cursor         CursorConfig `yaml:"cursor" json:"cursor"`
	// SuccessSchedule 为募集结果巡检的 cron 表达式。
	SuccessSchedule string `yaml:"success_schedule" json:"success_schedule"`
}

// CursorConfig 选择游标的持久化方式。
type CursorConfig struct {
	Driver string            `yaml:"driver" json:"driver"`
	Redis  RedisCursorConfig `yaml:"redis" json:"redis"`
}

// RedisCursorConfig 描述 Redis 游标的连接参数。
type RedisCursorConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
}

// ApplyDefaults 填充未配置的字段。
func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 2000
	}
	if c.BackfillBlocks == 0 {
		c.BackfillBlocks = 50000
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = 30 * time.Second
	}
	if c.Cursor.Driver == "" {
		c.Cursor.Driver = "memory"
	}
	if c.Cursor.Redis.Key == "" {
		c.Cursor.Redis.Key = "launchpad:reconcile:cursor"
	}
	if c.SuccessSchedule == "" {
		c.SuccessSchedule = "@every 5m"
	}
}
