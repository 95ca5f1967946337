package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(APIKeyEnvVar, "from-env")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProviderEtherscan, cfg.Ledger.Provider)
	assert.Equal(t, "from-env", cfg.Ledger.APIKey)
	assert.Equal(t, 200*time.Millisecond, cfg.Scheduler.Interval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Grace)
	assert.Equal(t, uint64(49000), cfg.Approvals["USDT"])
	assert.Equal(t, uint64(54000), cfg.Approvals["PAD"])
	require.Len(t, cfg.Programs, 2)
	assert.Equal(t, "enroll && swap", cfg.Programs[0].Passes[0].Eligibility)
	assert.Equal(t, types.OpenEndBlock, cfg.Programs[1].Passes[0].ToBlock)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
[ledger]
provider = "csv"
csv_dir = "/tmp/records"
api_key = "from-file"

[scheduler]
interval = "1s"

[approvals]
USDT = 50000
DAI = 47000

[[roles]]
name = "custom_pool"
  [roles.methods]
  swap = "swap(uint256)"
  claim = "claim()"

[[programs]]
name = "custom"
gas_key = "customGas.json"
  [[programs.imputations]]
  action = "swap"
  token = "dai"
  [[programs.passes]]
  name = "pool"
  role = "custom_pool"
  contracts = ["0xB40595582Ea43a58EC232Bc2A7A048635F4fB520"]
  targets = "contracts"
  from_block = 1
  to_block = 2
  eligibility = "swap || claim"
`)
	t.Setenv("IDOGAS_SCHEDULER__GRACE", "3s")
	t.Setenv("IDOGAS_APPROVALS__USDT", "51000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderCSV, cfg.Ledger.Provider)
	assert.Equal(t, "from-file", cfg.Ledger.APIKey)
	assert.Equal(t, time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.Grace)
	assert.Equal(t, uint64(51000), cfg.Approvals["USDT"])
	assert.Equal(t, uint64(47000), cfg.Approvals["DAI"])
	assert.Equal(t, uint64(54000), cfg.Approvals["PAD"])
	require.Len(t, cfg.Programs, 1)
	assert.Equal(t, "custom", cfg.Programs[0].Name)

	roles, err := cfg.BuildRoles()
	require.NoError(t, err)
	assert.Contains(t, roles, "custom_pool")
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPrograms(), cfg.Programs)
	assert.True(t, cfg.Output.CSV)
}

func TestValidate_NodeRanges(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Ledger.Provider = ProviderNode
	cfg.Ledger.RPCEndpoint = "http://localhost:8545"
	cfg.Ledger.MaxBlockSpan = 1000
	for i := range cfg.Programs {
		for j := range cfg.Programs[i].Passes {
			pass := &cfg.Programs[i].Passes[j]
			pass.FromBlock = 13358604
			pass.ToBlock = pass.FromBlock + 999
		}
	}
	require.NoError(t, cfg.Validate())

	cfg.Programs[1].Passes[0].ToBlock++
	assert.ErrorContains(t, cfg.Validate(), "max_block_span = 1000")

	cfg.Programs[1].Passes[0].ToBlock--
	cfg.Ledger.MaxBlockSpan = 0
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "unknown provider", mutate: func(c *Config) { c.Ledger.Provider = "graph" }},
		{name: "node without endpoint", mutate: func(c *Config) { c.Ledger.Provider = ProviderNode }},
		{name: "unknown backend", mutate: func(c *Config) { c.Output.Backend = "s3" }},
		{name: "zero interval", mutate: func(c *Config) { c.Scheduler.Interval = 0 }},
		{name: "unknown role", mutate: func(c *Config) { c.Programs[0].Passes[0].Role = "nope" }},
		{name: "bad contract", mutate: func(c *Config) { c.Programs[0].Passes[0].Contracts = []string{"0x12"} }},
		{name: "participants first", mutate: func(c *Config) { c.Programs[0].Passes[0].Targets = TargetsParticipants }},
		{name: "unknown targets", mutate: func(c *Config) { c.Programs[0].Passes[1].Targets = "everyone" }},
		{name: "inverted range", mutate: func(c *Config) { c.Programs[0].Passes[0].FromBlock = types.OpenEndBlock + 1 }},
		{name: "bad eligibility", mutate: func(c *Config) { c.Programs[0].Passes[0].Eligibility = "enroll &&" }},
		{name: "unknown token", mutate: func(c *Config) { c.Programs[0].Imputations[0].Token = "DAI" }},
		{name: "duplicate program", mutate: func(c *Config) { c.Programs[1].Name = c.Programs[0].Name }},
		{name: "node range over max span", mutate: func(c *Config) {
			c.Ledger.Provider = ProviderNode
			c.Ledger.RPCEndpoint = "http://localhost:8545"
		}},
		{name: "shadowed role", mutate: func(c *Config) {
			c.Roles = []RoleConfig{{Name: "pad_proxy", Methods: map[string]string{"stake": "stake(uint256)"}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
