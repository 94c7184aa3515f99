package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"TreasuryGuard/internal/app"
	"TreasuryGuard/internal/config"
	"TreasuryGuard/internal/reconcile"
	"TreasuryGuard/internal/storage/mysql"
	"TreasuryGuard/internal/storage/sqlite"
	"TreasuryGuard/pkg/logger"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "treasuryd",
		Short:         "Treasury transaction execution and reconciliation controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径，默认读取 "+config.EnvPath)

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newReconcileOnceCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API、执行队列、周期对账与请求通道",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.L().Warn("释放资源失败", slog.Any("error", err))
				}
			}()
			return a.Run(cmd.Context())
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "对 sqlite 或 mysql 存储执行数据库迁移",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg, cmd)
		},
	}
}

func migrate(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	switch cfg.Storage.Driver {
	case "sqlite":
		// sqlite.Open 在打开时完成迁移。
		repo, err := sqlite.Open(ctx, cfg.Storage.SQLite.Path)
		if err != nil {
			return err
		}
		defer repo.Close()
	case "mysql":
		mc := cfg.Storage.MySQL
		repo, err := mysql.Open(ctx, mysql.Config{
			DSN:          config.Secret(mc.DSN, mc.DSNEnv),
			MaxOpenConns: 1,
			AutoMigrate:  true,
		})
		if err != nil {
			return err
		}
		defer repo.Close()
	default:
		return fmt.Errorf("存储驱动 %s 无需迁移", cfg.Storage.Driver)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s 迁移完成\n", cfg.Storage.Driver)
	return nil
}

func newReconcileOnceCommand(opts *rootOptions) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "reconcile-once [account-id...]",
		Short: "执行一次对账并输出结果",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := runReconcile(cmd.Context(), a, reconcile.Scope(scope), args)
			if err != nil {
				return err
			}
			a.Controller.Wait()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(reconcile.ScopeFull), "未指定账户时的对账范围: high_value|full|comprehensive")
	return cmd
}

func runReconcile(ctx context.Context, a *app.App, scope reconcile.Scope, accountIDs []string) (any, error) {
	if len(accountIDs) > 0 {
		return a.Controller.ReconcileNow(ctx, accountIDs)
	}
	switch scope {
	case reconcile.ScopeHighValue, reconcile.ScopeFull, reconcile.ScopeComprehensive:
	default:
		return nil, fmt.Errorf("不支持的对账范围: %s", scope)
	}
	return a.Engine.Sweep(ctx, scope)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "输出版本号",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
