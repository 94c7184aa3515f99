// Package app 根据配置组装资金控制器的全部组件，供 treasuryd 的各个子命令使用。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"TreasuryGuard/internal/api"
	"TreasuryGuard/internal/approval"
	"TreasuryGuard/internal/auth"
	"TreasuryGuard/internal/compliance"
	"TreasuryGuard/internal/config"
	"TreasuryGuard/internal/controller"
	"TreasuryGuard/internal/coordination"
	"TreasuryGuard/internal/emergency"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/execution"
	"TreasuryGuard/internal/guidance"
	"TreasuryGuard/internal/intake"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/limits"
	"TreasuryGuard/internal/observability/alerting"
	"TreasuryGuard/internal/observability/metrics"
	"TreasuryGuard/internal/reconcile"
	"TreasuryGuard/internal/reconcile/sources"
	"TreasuryGuard/internal/resolver"
	"TreasuryGuard/internal/scheduler"
	"TreasuryGuard/internal/storage/mysql"
	"TreasuryGuard/internal/storage/sqlite"
	"TreasuryGuard/pkg/logger"
	"TreasuryGuard/pkg/plugin"
)

// App 持有组装完成的组件。
type App struct {
	Config     *config.Config
	Repo       ledger.Repository
	Controller *controller.Controller
	Scheduler  *scheduler.Scheduler
	Emergency  *emergency.Controller
	Engine     *reconcile.Engine
	Auth       *auth.Service
	Server     *api.Server
	Intake     intake.Source

	log     *slog.Logger
	mu      sync.Mutex
	closers []func() error
}

// Build 按配置创建仓储、策略组件、控制器与调度器，并写入配置中的账户。
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "配置为空")
	}
	a := &App{Config: cfg, log: logger.Named("app")}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	repo, err := OpenRepository(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	a.Repo = repo
	if closer, ok := repo.(interface{ Close() error }); ok {
		a.onClose(closer.Close)
	}
	if err := SeedAccounts(ctx, repo, cfg.Accounts); err != nil {
		return err
	}

	alerts, err := a.buildAlerting(cfg.Alerting)
	if err != nil {
		return err
	}
	advisor, err := buildAdvisor(cfg.Guidance)
	if err != nil {
		return err
	}
	coord, err := buildCoordination(cfg.Coordination)
	if err != nil {
		return err
	}

	limitsCfg, err := cfg.Limits.Tracker()
	if err != nil {
		return err
	}
	single := limitsCfg.Ceiling(limits.WindowSingle)
	policy, err := cfg.Approval.Policy(single)
	if err != nil {
		return err
	}
	fees, err := cfg.Fees.Policy()
	if err != nil {
		return err
	}
	engineCfg, err := cfg.Reconciliation.Engine()
	if err != nil {
		return err
	}
	thresholds, err := cfg.Resolver.Thresholds()
	if err != nil {
		return err
	}

	emergencyOpts := []emergency.Option{
		emergency.WithAlertDispatcher(alerts),
		emergency.WithContacts(cfg.Emergency.Contacts...),
	}
	if advisor != nil {
		emergencyOpts = append(emergencyOpts, emergency.WithAdvisor(advisor))
	}
	a.Emergency = emergency.NewController(emergencyOpts...)
	if err := a.buildProcedures(repo, coord); err != nil {
		return err
	}

	var scorer *compliance.Scorer
	if cfg.Compliance.RiskScoring {
		scorer = compliance.NewScorer(single, repo)
	}
	processor := execution.NewProcessor(repo, fees)

	chainDefs, err := sources.LoadChainDefinitions(cfg.Chains.File)
	if err != nil {
		return err
	}
	chains := sources.NewChains(chainDefs)
	a.onClose(func() error { chains.Close(); return nil })
	factoryCfg := sources.FactoryConfig{
		Chains: chains,
		RPS:    cfg.Reconciliation.RPS,
		Burst:  cfg.Reconciliation.Burst,
	}
	if cfg.Plugins.Enabled() {
		plugins, err := a.startPlugins(ctx, repo)
		if err != nil {
			return err
		}
		factoryCfg.Plugins = plugins
	}
	factory := sources.NewFactory(factoryCfg)

	resolverOpts := []resolver.Option{
		resolver.WithAlertDispatcher(alerts),
		resolver.WithEmergency(a.Emergency),
	}
	if advisor != nil {
		resolverOpts = append(resolverOpts, resolver.WithAdvisor(advisor))
	}
	res := resolver.New(repo, processor, thresholds, resolverOpts...)
	a.Engine = reconcile.NewEngine(repo, factory, engineCfg, reconcile.WithResultHandler(res.Handle))

	ctl, err := controller.New(controller.Components{
		Repo:        repo,
		Emergency:   a.Emergency,
		Compliance:  compliance.NewGate(cfg.Compliance.Gate(), scorer),
		Limits:      limits.NewTracker(limitsCfg),
		Approvals:   approval.NewCoordinator(policy, approval.WithAlertDispatcher(alerts)),
		Processor:   processor,
		Reconciler:  a.Engine,
		Coordinator: coord,
	},
		controller.WithRealtimeReconciliation(cfg.Reconciliation.RealtimeEnabled()),
		controller.WithCustomerNotifications(cfg.Coordination.NotifyAgent),
	)
	if err != nil {
		return err
	}
	a.Controller = ctl

	a.Scheduler = scheduler.New(ctl,
		scheduler.WithDelay(cfg.Scheduler.Delay),
		scheduler.WithMaxRetries(cfg.Scheduler.MaxRetries),
		scheduler.WithGate(a.Emergency),
		scheduler.WithAlertDispatcher(alerts),
	)
	ctl.Wire(a.Scheduler, cfg.Scheduler.Schedule())

	store, err := auth.NewMemoryDirectory(nil)
	if err != nil {
		return err
	}
	a.Auth, err = auth.NewService(ctx, cfg.Auth.Service(), store)
	if err != nil {
		return err
	}
	a.Server = api.NewServer(cfg.Server.Address, ctl, a.Auth)

	a.Intake, err = OpenIntake(ctx, cfg.Intake)
	if err != nil {
		return err
	}
	if a.Intake != nil {
		a.onClose(a.Intake.Close)
	}
	return nil
}

// startPlugins 加载并启动配置中的余额插件，插件可通过 "ledger" 资源读取账本。
func (a *App) startPlugins(ctx context.Context, repo ledger.Repository) (*plugin.Manager, error) {
	manager, err := plugin.NewManager(a.Config.Plugins, plugin.WithResource("ledger", repo))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载插件失败")
	}
	a.onClose(func() error { return manager.StopAll(context.Background()) })
	if err := manager.StartAll(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "启动插件失败")
	}
	return manager, nil
}

// Run 启动调度器、HTTP 服务与请求通道，直到 ctx 结束或任一组件失败。
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(a.Scheduler.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(a.Server.Start(gctx)) })
	if addr := a.Config.Server.MetricsAddress; addr != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, addr)) })
	}
	if a.Intake != nil {
		channel := a.Config.Intake.Driver
		g.Go(func() error {
			return ignoreCanceled(intake.Run(gctx, a.Intake, a.Controller, channel, a.Config.Intake.Workers))
		})
	}
	a.log.Info("资金控制器已启动",
		slog.String("address", a.Config.Server.Address),
		slog.String("storage", a.Config.Storage.Driver),
		slog.String("intake", a.Config.Intake.Driver),
		slog.String("auth", string(a.Auth.Mode())),
	)
	err := g.Wait()
	a.Controller.Wait()
	return err
}

// Close 按注册的逆序释放资源。
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// OpenRepository 按存储驱动打开账本仓储。
func OpenRepository(ctx context.Context, cfg config.StorageConfig) (ledger.Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewMemoryRepository(), nil
	case "sqlite":
		repo, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "mysql":
		repo, err := mysql.Open(ctx, mysql.Config{
			DSN:             config.Secret(cfg.MySQL.DSN, cfg.MySQL.DSNEnv),
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			AutoMigrate:     cfg.MySQL.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
	}
}

// SeedAccounts 创建配置中尚不存在的账户，已存在的账户保持不变。
func SeedAccounts(ctx context.Context, repo ledger.Repository, accounts []config.AccountConfig) error {
	for _, ac := range accounts {
		account, err := ac.Account()
		if err != nil {
			return err
		}
		err = repo.CreateAccount(ctx, account)
		switch {
		case err == nil:
			logger.L().Info("已创建账户", slog.String("account_id", account.ID), slog.String("currency", account.Currency))
		case xerrors.HasCode(err, xerrors.CodeConflict):
		default:
			return err
		}
	}
	return nil
}

// OpenIntake 按配置连接请求通道，driver 为 none 时返回 nil。
func OpenIntake(ctx context.Context, cfg config.IntakeConfig) (intake.Source, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "redis":
		queue, err := intake.NewRedisQueue(ctx, intake.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  config.Secret(cfg.Redis.Password, cfg.Redis.PasswordEnv),
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := intake.NewRabbitMQQueue(intake.RabbitMQConfig{
			URL:                config.Secret(cfg.RabbitMQ.URL, cfg.RabbitMQ.URLEnv),
			Queue:              cfg.RabbitMQ.Queue,
			Prefetch:           cfg.RabbitMQ.Prefetch,
			Durable:            cfg.RabbitMQ.Durable,
			AutoDelete:         cfg.RabbitMQ.AutoDelete,
			DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("不支持的请求入口: %s", cfg.Driver)
	}
}

func (a *App) buildAlerting(cfg config.AlertingConfig) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := config.Secret(cfg.Slack.URL, cfg.Slack.URLEnv); url != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{Sender: &alerting.WebhookSender{URL: url}, ChannelID: cfg.Slack.Channel})
	}
	if url := config.Secret(cfg.DingTalk.URL, cfg.DingTalk.URLEnv); url != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: &alerting.WebhookSender{URL: url}})
	}
	if cfg.Email.Addr != "" && len(cfg.Email.To) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPSender{
				Addr:     cfg.Email.Addr,
				From:     cfg.Email.From,
				Username: cfg.Email.Username,
				Password: config.Secret("", cfg.Email.PasswordEnv),
			},
			To:            cfg.Email.To,
			SubjectPrefix: cfg.Email.SubjectPrefix,
		})
	}
	if url := config.Secret(cfg.AMQP.URL, cfg.AMQP.URLEnv); url != "" {
		notifier, err := alerting.NewAMQPNotifier(alerting.AMQPConfig{
			URL:           url,
			Exchange:      cfg.AMQP.Exchange,
			RoutingPrefix: cfg.AMQP.RoutingPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(notifier.Close)
		notifiers = append(notifiers, notifier)
	}
	return alerting.NewFanout(notifiers...), nil
}

func buildAdvisor(cfg config.GuidanceConfig) (guidance.Advisor, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "static":
		advisor, err := guidance.LoadStaticAdvisor(cfg.File, cfg.MaxResults)
		if err != nil {
			return nil, err
		}
		return advisor, nil
	case "openai":
		advisor, err := guidance.NewOpenAIAdvisor(guidance.OpenAIConfig{
			APIKey:  config.Secret(cfg.OpenAI.APIKey, cfg.OpenAI.APIKeyEnv),
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return advisor, nil
	default:
		return nil, fmt.Errorf("不支持的建议来源: %s", cfg.Provider)
	}
}

func buildCoordination(cfg config.CoordinationConfig) (*coordination.Registry, error) {
	registry := coordination.NewRegistry(coordination.WithTimeout(cfg.Timeout))
	for _, agent := range cfg.Agents {
		timeout := agent.Timeout
		if timeout <= 0 {
			timeout = cfg.Timeout
		}
		collaborator, err := coordination.NewHTTPCollaborator(agent.Endpoint, config.Secret(agent.Token, agent.TokenEnv), timeout)
		if err != nil {
			return nil, fmt.Errorf("协作方 %s 配置错误: %w", agent.ID, err)
		}
		registry.Register(agent.ID, collaborator)
	}
	return registry, nil
}

func (a *App) buildProcedures(repo ledger.Repository, coord coordination.Coordinator) error {
	cfg := a.Config.Emergency
	for _, name := range cfg.Procedures {
		switch name {
		case emergency.ProcedureSupportTicket:
			a.Emergency.AddProcedure(emergency.SupportTicket{Coordinator: coord, AgentID: cfg.SupportAgent})
		case emergency.ProcedureFreezeHighValue:
			threshold, err := cfg.FreezeAmount()
			if err != nil {
				return err
			}
			a.Emergency.AddProcedure(emergency.FreezeHighValue{Repo: repo, Threshold: threshold})
		case emergency.ProcedureMirrorState:
			mirror, err := emergency.NewRedisMirror(emergency.RedisMirrorConfig{
				Address:  cfg.Mirror.Address,
				Password: config.Secret(cfg.Mirror.Password, cfg.Mirror.PasswordEnv),
				DB:       cfg.Mirror.DB,
				Key:      cfg.Mirror.Key,
				Channel:  cfg.Mirror.Channel,
			})
			if err != nil {
				return err
			}
			a.onClose(mirror.Close)
			a.Emergency.AddProcedure(mirror)
		default:
			return fmt.Errorf("未知的紧急升级步骤: %s", strings.TrimSpace(name))
		}
	}
	return nil
}
