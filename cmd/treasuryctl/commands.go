package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"TreasuryGuard/sdk/go/treasury"
)

type rootOptions struct {
	server string
	token  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "treasuryctl",
		Short:         "Operator client for the treasury controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("TREASURY_URL", "http://localhost:8080"), "控制器地址")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TREASURY_TOKEN"), "访问令牌")

	cmd.AddCommand(
		newLoginCommand(opts),
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newSignCommand(opts, treasury.DecisionApprove),
		newSignCommand(opts, treasury.DecisionReject),
		newAccountsCommand(opts),
		newUnfreezeCommand(opts),
		newReconcileCommand(opts),
		newEmergencyCommand(opts),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *rootOptions) client() (*treasury.Client, error) {
	client, err := treasury.NewClient(o.server, nil)
	if err != nil {
		return nil, err
	}
	if o.token != "" {
		client.SetAccessToken(o.token)
	}
	return client, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "换取访问令牌并输出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			token, err := client.Authenticate(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			return printJSON(cmd, token)
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "用户名")
	cmd.Flags().StringVarP(&password, "password", "p", os.Getenv("TREASURY_PASSWORD"), "密码，默认读取 TREASURY_PASSWORD")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		req      treasury.TransactionRequest
		amount   string
		metadata []string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "提交一笔交易请求",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("金额格式错误: %w", err)
			}
			req.Amount = value
			if req.ID == "" {
				req.ID = uuid.NewString()
			}
			for _, kv := range metadata {
				key, val, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("metadata 需要 key=value 格式: %s", kv)
				}
				if req.Metadata == nil {
					req.Metadata = map[string]any{}
				}
				req.Metadata[key] = val
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			outcome, err := client.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, outcome)
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "请求 ID，默认生成 UUID")
	cmd.Flags().StringVar(&req.Type, "type", "payment", "交易类型")
	cmd.Flags().StringVar(&amount, "amount", "", "金额")
	cmd.Flags().StringVar(&req.Currency, "currency", "USD", "币种")
	cmd.Flags().StringVar(&req.SourceAccount, "from", "", "付款账户")
	cmd.Flags().StringVar(&req.DestinationAccount, "to", "", "收款账户")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "优先级: low|normal|high|urgent")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "附加元数据 key=value，可重复")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "查询请求的处理结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			outcome, err := client.Transaction(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, outcome)
		},
	}
}

func newSignCommand(opts *rootOptions, decision string) *cobra.Command {
	var approver, comment string
	cmd := &cobra.Command{
		Use:   decision + " <request-id>",
		Short: "以审批人身份签署待审批请求",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			sign := client.Approve
			if decision == treasury.DecisionReject {
				sign = client.Reject
			}
			ballot, err := sign(cmd.Context(), args[0], approver, comment)
			if err != nil {
				return err
			}
			return printJSON(cmd, ballot)
		},
	}
	cmd.Flags().StringVar(&approver, "as", "", "审批人，服务端开启认证时以令牌身份为准")
	cmd.Flags().StringVar(&comment, "comment", "", "备注")
	return cmd
}

func newAccountsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts [account-id]",
		Short: "列出账户或查看单个账户",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				account, err := client.Account(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, account)
			}
			accounts, err := client.Accounts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, accounts)
		},
	}
}

func newUnfreezeCommand(opts *rootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "unfreeze <account-id>",
		Short: "人工解除账户冻结",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			account, err := client.Unfreeze(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			return printJSON(cmd, account)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "操作人")
	return cmd
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [account-id...]",
		Short: "立即对账，未指定账户时对全部未冻结账户对账",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			results, err := client.Reconcile(cmd.Context(), args...)
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		},
	}
}

func newEmergencyCommand(opts *rootOptions) *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "查看或切换紧急模式",
	}
	cmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "操作人")

	status := &cobra.Command{
		Use:   "status",
		Short: "查看紧急状态与最近一次健康检查",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			view, err := client.Emergency(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
	activate := &cobra.Command{
		Use:   "activate",
		Short: "手动进入紧急模式",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			view, err := client.ActivateEmergency(cmd.Context(), reason, actor)
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
	activate.Flags().StringVar(&reason, "reason", "", "原因")
	deactivate := &cobra.Command{
		Use:   "deactivate",
		Short: "健康检查通过后解除紧急模式",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			view, err := client.DeactivateEmergency(cmd.Context(), actor)
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
	cmd.AddCommand(status, activate, deactivate)
	return cmd
}
