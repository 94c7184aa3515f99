package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TreasuryGuard/internal/auth"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/limits"
	"TreasuryGuard/internal/reconcile"
)

const sample = `
server:
  address: ":9090"
storage:
  driver: sqlite
  sqlite:
    path: state/ledger.db
limits:
  single: "1000"
  daily: "5000"
  pause:
    daily: "4500"
approval:
  threshold: 2
  approvers: [alice, bob, carol]
  timeout: 2m
fees:
  basis_points: "25"
  by_type:
    refund: "0"
reconciliation:
  tolerance: "0.05"
  strategy: median
  realtime: false
resolver:
  freeze: "5000"
emergency:
  procedures: [" Freeze_High_Value ", mirror_state]
accounts:
  - id: treasury
    currency: usd
    opening_balance: "250000.50"
    sources:
      - name: bank
        kind: http
        endpoint: https://bank.example/api
        token_env: BANK_TOKEN
auth:
  mode: jwt
  jwt:
    secret: inline
    secret_env: TREASURY_TEST_JWT_SECRET
    access_ttl: 30m
  users:
    - username: ops
      password: pw
      roles: [operator]
`

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "treasury.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Empty(t, cfg.Server.MetricsAddress)
	assert.Equal(t, filepath.Join(dir, "state/ledger.db"), cfg.Storage.SQLite.Path)
	assert.Equal(t, "none", cfg.Intake.Driver)
	assert.Equal(t, time.Second, cfg.Scheduler.Delay)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Schedule().HighValue)
	assert.Equal(t, []string{"freeze_high_value", "mirror_state"}, cfg.Emergency.Procedures)
	assert.False(t, cfg.Reconciliation.RealtimeEnabled())
}

func TestLoadUsesEnvironmentPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "treasury.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":7070\"\n"), 0o600))
	t.Setenv(EnvPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.Reconciliation.RealtimeEnabled())
}

func TestComponentConversions(t *testing.T) {
	cfg, err := Parse([]byte(sample), "")
	require.NoError(t, err)

	tracker, err := cfg.Limits.Tracker()
	require.NoError(t, err)
	assert.Equal(t, "1000", tracker.Ceilings[limits.WindowSingle].String())
	assert.Equal(t, "20000000", tracker.Ceilings[limits.WindowMonthly].String())
	assert.Equal(t, "4500", tracker.Pause[limits.WindowDaily].String())

	policy, err := cfg.Approval.Policy(tracker.Ceilings[limits.WindowSingle])
	require.NoError(t, err)
	assert.Equal(t, 2, policy.Threshold)
	assert.Equal(t, 2*time.Minute, policy.Timeout)
	assert.Equal(t, []ledger.Priority{ledger.PriorityUrgent}, policy.Priorities)

	fees, err := cfg.Fees.Policy()
	require.NoError(t, err)
	assert.Equal(t, "0.25", fees.Fee(ledger.TypePayment, decimal100()).String())
	assert.True(t, fees.Fee(ledger.TypeRefund, decimal100()).IsZero())

	engine, err := cfg.Reconciliation.Engine()
	require.NoError(t, err)
	assert.Equal(t, reconcile.StrategyMedian, engine.Strategy)
	assert.Equal(t, "0.05", engine.Tolerance.String())

	thresholds, err := cfg.Resolver.Thresholds()
	require.NoError(t, err)
	assert.Equal(t, "5000", thresholds.Freeze.String())
	assert.Equal(t, "100", thresholds.Medium.String())

	require.Len(t, cfg.Accounts, 1)
	account, err := cfg.Accounts[0].Account()
	require.NoError(t, err)
	assert.Equal(t, "USD", account.Currency)
	assert.Equal(t, "250000.5", account.Balance.String())
	assert.Equal(t, "BANK_TOKEN", account.External.Sources[0].TokenEnv)
}

func TestAuthSecretsFromEnvironment(t *testing.T) {
	cfg, err := Parse([]byte(sample), "")
	require.NoError(t, err)

	svc := cfg.Auth.Service()
	assert.Equal(t, auth.ModeJWT, svc.Mode)
	assert.Equal(t, "inline", svc.JWT.Secret)
	assert.Equal(t, int64(1800), svc.JWT.AccessTTL)
	require.Len(t, svc.Users, 1)
	assert.Equal(t, []string{auth.RoleOperator}, svc.Users[0].Roles)

	t.Setenv("TREASURY_TEST_JWT_SECRET", "from-env")
	assert.Equal(t, "from-env", cfg.Auth.Service().JWT.Secret)
}

func TestInvalidConfigurations(t *testing.T) {
	_, err := Load("")
	if os.Getenv(EnvPath) == "" {
		assert.Error(t, err)
	}

	for name, content := range map[string]string{
		"driver":    "storage:\n  driver: postgres\n",
		"mysql dsn": "storage:\n  driver: mysql\n",
		"intake":    "intake:\n  driver: kafka\n",
		"duplicate": "accounts:\n  - id: a\n  - id: a\n",
		"yaml":      "server: [",
		"plugin":    "plugins:\n  plugins:\n    vault:\n      enabled: true\n",
	} {
		_, err := Parse([]byte(content), "")
		assert.Error(t, err, name)
	}

	cfg, err := Parse([]byte("limits:\n  single: abc\n"), "")
	require.NoError(t, err)
	_, err = cfg.Limits.Tracker()
	assert.Error(t, err)

	cfg, err = Parse([]byte("approval:\n  threshold: 3\n  approvers: [alice]\n"), "")
	require.NoError(t, err)
	_, err = cfg.Approval.Policy(decimal100())
	assert.Error(t, err)

	cfg, err = Parse([]byte("reconciliation:\n  strategy: mode\n"), "")
	require.NoError(t, err)
	_, err = cfg.Reconciliation.Engine()
	assert.Error(t, err)
}

func TestShippedSampleLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "treasury.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, filepath.Join("..", "..", "configs", "data", "treasury.db"), cfg.Storage.SQLite.Path)
	assert.Equal(t, filepath.Join("..", "..", "configs", "guidance.json"), cfg.Guidance.File)
	require.Len(t, cfg.Accounts, 3)

	_, err = cfg.Limits.Tracker()
	require.NoError(t, err)
	_, err = cfg.Fees.Policy()
	require.NoError(t, err)
	_, err = cfg.Reconciliation.Engine()
	require.NoError(t, err)
	_, err = cfg.Resolver.Thresholds()
	require.NoError(t, err)
	for _, account := range cfg.Accounts {
		_, err := account.Account()
		require.NoError(t, err, account.ID)
	}
}

func decimal100() decimal.Decimal { return decimal.NewFromInt(100) }
