package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"TokenLaunch-Orchestrator/internal/config"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// main 是 launchpadd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		logger.L().Error("launchpadd 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "配置文件路径（.yaml 或 .json）",
		EnvVars: []string{config.EnvConfigPath},
		Value:   filepath.Join("configs", "launchpad.yaml"),
	}
	return &cli.App{
		Name:   "launchpadd",
		Usage:  "代币发行任务编排服务",
		Flags:  []cli.Flag{configFlag},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "启动 HTTP 接口、任务处理器与链上监听",
				Action: serveAction,
			},
			{
				Name:   "sweep",
				Usage:  "执行一次滞留任务恢复与募集结果巡检后退出",
				Action: sweepAction,
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := build(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return a.serve(c.Context)
}

func sweepAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := build(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return a.sweepOnce(c.Context)
}
