package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"TokenLaunch-Orchestrator/internal/agent"
	"TokenLaunch-Orchestrator/internal/api"
	"TokenLaunch-Orchestrator/internal/config"
	"TokenLaunch-Orchestrator/internal/deployer"
	"TokenLaunch-Orchestrator/internal/distribution"
	"TokenLaunch-Orchestrator/internal/observability/alerting"
	"TokenLaunch-Orchestrator/internal/observability/metrics"
	"TokenLaunch-Orchestrator/internal/reconcile"
	"TokenLaunch-Orchestrator/internal/storage/sqldb"
	"TokenLaunch-Orchestrator/internal/task"
	"TokenLaunch-Orchestrator/internal/web3/provider"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// app 持有守护进程的全部组件。
type app struct {
	cfg *config.Config

	db       *sqldb.DB
	store    task.Store
	agents   agent.Repository
	queue    task.Queue
	chains   *provider.Registry
	cursor   reconcile.CursorStore
	tasks    *task.Service
	engine   *distribution.Engine
	proc     *task.Processor
	recovery *task.RecoverySweeper
	listener *reconcile.Listener
	checker  *reconcile.SuccessChecker
	server   *api.Server

	logger *slog.Logger
}

// build 按配置装配存储、队列、链客户端与业务服务。失败时释放已创建的资源。
func build(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger.Named("launchpadd")}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	switch cfg.Storage.Driver {
	case "sql":
		a.db, err = sqldb.Open(ctx, cfg.Storage.SQL)
		if err != nil {
			return a, err
		}
		if a.store, err = task.NewSQLStore(a.db); err != nil {
			return a, err
		}
		if a.agents, err = agent.NewSQLRepository(a.db); err != nil {
			return a, err
		}
	default:
		a.store = task.NewMemoryStore()
		a.agents = agent.NewMemoryRepository()
	}

	if a.queue, err = task.NewQueue(cfg.Queue); err != nil {
		return a, err
	}

	if a.chains, err = provider.NewRegistry(ctx, cfg.Web3); err != nil {
		return a, err
	}
	client, err := a.chains.DefaultClient()
	if err != nil {
		return a, err
	}

	a.tasks = task.NewService(a.store, a.queue)

	var opts []distribution.Option
	if cfg.Deployer.Enabled() {
		d, err := deployer.New(cfg.Deployer, nil)
		if err != nil {
			return a, err
		}
		opts = append(opts, distribution.WithDeployer(d))
	}
	a.engine = distribution.NewEngine(cfg.Distribution, client, a.agents, a.tasks, opts...)

	a.proc = task.NewProcessor(a.store, a.queue,
		task.WithWorkerCount(cfg.Worker.Count),
		task.WithFinalWriteTimeout(cfg.Worker.FinalWriteTimeout),
		task.WithHeartbeat(cfg.Worker.Heartbeat),
		task.WithAlertDispatcher(newDispatcher(cfg.Alerting)),
	)
	a.engine.Register(a.proc)
	a.recovery = task.NewRecoverySweeper(a.store, a.queue, cfg.Recovery, task.WithInFlightTracker(a.proc))

	a.checker = reconcile.NewSuccessChecker(client, a.agents)
	if cfg.Reconciler.Enabled {
		if a.cursor, err = reconcile.NewCursorStore(cfg.Reconciler.Cursor); err != nil {
			return a, err
		}
		a.listener = reconcile.NewListener(cfg.Reconciler, client, a.agents, a.cursor)
	}

	a.server = api.NewServer(api.Options{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, distribution.NewService(a.engine, a.tasks, a.agents), a.tasks, a.agents, a.checker)

	wallet := a.engine.Wallet()
	metrics.RegisterGauge("wallet_inflight", "托管钱包正在执行的写操作数量", func() float64 {
		return float64(wallet.Running())
	})
	metrics.RegisterGauge("wallet_queued", "等待托管钱包的写操作数量", func() float64 {
		return float64(wallet.Queued())
	})
	return a, nil
}

func newDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Client:  &http.Client{Timeout: cfg.Webhook.Timeout},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// serve 并发运行 HTTP 服务、任务处理器、定时巡检与链上监听，任一组件失败即整体退出。
func (a *app) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	sched := cron.New()
	if _, err := a.recovery.Schedule(ctx, sched); err != nil {
		return err
	}
	if a.cfg.Reconciler.Enabled {
		if _, err := a.checker.Schedule(ctx, sched, a.cfg.Reconciler.SuccessSchedule); err != nil {
			return err
		}
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	g.Go(func() error {
		err := a.proc.Start(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return a.server.Start(ctx)
	})
	if a.listener != nil {
		g.Go(func() error {
			return a.listener.Run(ctx)
		})
	}

	a.logger.Info("launchpadd 已启动",
		slog.String("address", a.cfg.Server.Address),
		slog.String("storage", a.cfg.Storage.Driver),
		slog.String("queue", a.cfg.Queue.Driver),
		slog.Bool("reconciler", a.listener != nil),
		slog.Any("chains", a.chains.Chains()))
	return g.Wait()
}

// sweepOnce 执行一次恢复巡检与募集结果巡检。
func (a *app) sweepOnce(ctx context.Context) error {
	recovered, err := a.recovery.Sweep(ctx)
	if err != nil {
		return err
	}
	checked, err := a.checker.Sweep(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("巡检完成",
		slog.Int("requeued", recovered.Requeued),
		slog.Int("interrupted", recovered.Interrupted),
		slog.Int("iao_checked", checked.Checked),
		slog.Int("iao_determined", checked.Determined))
	return nil
}

func (a *app) close() {
	if a == nil {
		return
	}
	if a.tasks != nil {
		if err := a.tasks.Close(); err != nil {
			a.logger.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	} else if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.cursor != nil {
		_ = a.cursor.Close()
	}
	if a.chains != nil {
		a.chains.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("关闭数据库失败", slog.Any("error", err))
		}
	}
}
