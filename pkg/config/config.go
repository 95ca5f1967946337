package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/classifier"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/imputation"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/ledger"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/participants"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/utils"
)

const (
	EnvPrefix    = "IDOGAS_"
	APIKeyEnvVar = "ETHERSCAN_API_KEY"

	ProviderEtherscan = "etherscan"
	ProviderNode      = "node"
	ProviderCSV       = "csv"

	BackendFile = "file"
	BackendBolt = "bolt"
	BackendBoth = "both"

	TargetsContracts    = "contracts"
	TargetsParticipants = "participants"
)

type Config struct {
	Log       LogConfig         `koanf:"log"`
	Ledger    LedgerConfig      `koanf:"ledger"`
	Scheduler SchedulerConfig   `koanf:"scheduler"`
	Output    OutputConfig      `koanf:"output"`
	Approvals map[string]uint64 `koanf:"approvals"`
	Roles     []RoleConfig      `koanf:"roles"`
	Programs  []ProgramConfig   `koanf:"programs"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type LedgerConfig struct {
	Provider     string        `koanf:"provider"`
	BaseURL      string        `koanf:"base_url"`
	APIKey       string        `koanf:"api_key"`
	RPCEndpoint  string        `koanf:"rpc_endpoint"`
	CSVDir       string        `koanf:"csv_dir"`
	PageSize     int           `koanf:"page_size"`
	MaxRetries   int           `koanf:"max_retries"`
	Timeout      time.Duration `koanf:"timeout"`
	MaxBlockSpan uint64        `koanf:"max_block_span"`
}

type SchedulerConfig struct {
	// Interval between two dispatched queries, shared by every program.
	Interval time.Duration `koanf:"interval"`
	Grace    time.Duration `koanf:"grace"`
}

type OutputConfig struct {
	Backend  string `koanf:"backend"`
	Dir      string `koanf:"dir"`
	BoltPath string `koanf:"bolt_path"`
	// CSV additionally writes every gas report as CSV.
	CSV        bool   `koanf:"csv"`
	MetricsKey string `koanf:"metrics_key"`
}

// RoleConfig declares a role from method signatures, e.g. {swap = "swap(uint256)"}.
type RoleConfig struct {
	Name    string            `koanf:"name"`
	Methods map[string]string `koanf:"methods"`
}

type ImputationConfig struct {
	Action string `koanf:"action"`
	Token  string `koanf:"token"`
}

type PassConfig struct {
	Name      string   `koanf:"name"`
	Role      string   `koanf:"role"`
	Contracts []string `koanf:"contracts"`
	// Targets is what the pass queries: the contracts themselves or every current participant.
	Targets   string `koanf:"targets"`
	FromBlock uint64 `koanf:"from_block"`
	ToBlock   uint64 `koanf:"to_block"`
	// Eligibility re-derives the participant set after the pass. Empty keeps the current set.
	Eligibility     string `koanf:"eligibility"`
	ParticipantsKey string `koanf:"participants_key"`
	StatsKey        string `koanf:"stats_key"`
}

type ProgramConfig struct {
	Name        string             `koanf:"name"`
	GasKey      string             `koanf:"gas_key"`
	Imputations []ImputationConfig `koanf:"imputations"`
	Passes      []PassConfig       `koanf:"passes"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"log.level":             "info",
		"log.json":              false,
		"ledger.provider":       ProviderEtherscan,
		"ledger.base_url":       "https://api.etherscan.io/api",
		"ledger.page_size":      0,
		"ledger.max_retries":    0,
		"ledger.timeout":        "30s",
		"ledger.max_block_span": 50000,
		"ledger.csv_dir":        "dataStore/records",
		"scheduler.interval":    "200ms",
		"scheduler.grace":       "10s",
		"output.backend":        BackendFile,
		"output.dir":            "dataStore",
		"output.bolt_path":      "dataStore/snapshots.db",
		"output.csv":            false,
		"output.metrics_key":    "runMetrics.prom",
	}
}

// DefaultPrograms are the two Pulse IDO pools.
func DefaultPrograms() []ProgramConfig {
	return []ProgramConfig{
		{
			Name:   "staking_pool",
			GasKey: "spGas.json",
			Imputations: []ImputationConfig{
				{Action: string(types.ActionSwap), Token: imputation.TokenUSDT},
				{Action: string(types.ActionStake), Token: imputation.TokenPAD},
			},
			Passes: []PassConfig{
				{
					Name:            "pool",
					Role:            classifier.RoleStakingPool,
					Contracts:       []string{"0x337c36aBBe4fC6107C0a6F6ac11f8F2C47074a0D"},
					Targets:         TargetsContracts,
					FromBlock:       13358604,
					ToBlock:         types.OpenEndBlock,
					Eligibility:     "enroll && swap",
					ParticipantsKey: "spParticipants.json",
				},
				{
					Name:      "pad_proxy",
					Role:      classifier.RolePadProxy,
					Contracts: []string{"0x1637b1ccedb9c3f0d1c9c22a65c8a474b532a50f"},
					Targets:   TargetsContracts,
					FromBlock: 0,
					ToBlock:   types.OpenEndBlock,
					StatsKey:  "spStats.json",
				},
			},
		},
		{
			Name:   "whitelist_pool",
			GasKey: "wpGas.json",
			Imputations: []ImputationConfig{
				{Action: string(types.ActionSwap), Token: imputation.TokenUSDT},
			},
			Passes: []PassConfig{
				{
					Name:            "pool",
					Role:            classifier.RoleWhitelistPool,
					Contracts:       []string{"0xB40595582Ea43a58EC232Bc2A7A048635F4fB520"},
					Targets:         TargetsContracts,
					FromBlock:       13367188,
					ToBlock:         types.OpenEndBlock,
					Eligibility:     "swap",
					ParticipantsKey: "wpParticipants.json",
					StatsKey:        "wpStats.json",
				},
			},
		},
	}
}

// Load reads defaults, then the TOML file at path (skipped when empty or missing), then
// IDOGAS_ environment variables, where __ separates levels (IDOGAS_SCHEDULER__GRACE=5s).
// A .env file in the working directory is loaded first so ETHERSCAN_API_KEY can live there.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("could not load .env: %w", err)
	}

	ko := koanf.New(".")
	if err := ko.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("could not load defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := ko.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("could not load config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := ko.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("could not load environment: %w", err)
	}

	var cfg Config
	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("could not decode config: %w", err)
	}
	if cfg.Ledger.APIKey == "" {
		cfg.Ledger.APIKey = os.Getenv(APIKeyEnvVar)
	}
	cfg.Approvals = normalizeApprovals(cfg.Approvals)
	if len(cfg.Programs) == 0 {
		cfg.Programs = DefaultPrograms()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeApprovals upper-cases token symbols and fills in the default tokens. Env keys
// arrive lowercased and sort after their upper-case spelling, so they take precedence.
func normalizeApprovals(in map[string]uint64) map[string]uint64 {
	tokens := make([]string, 0, len(in))
	for token := range in {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	out := imputation.DefaultApprovalGas()
	for _, token := range tokens {
		out[strings.ToUpper(token)] = in[token]
	}
	return out
}

// BuildRoles returns the built-in roles plus the configured signature roles.
func (c *Config) BuildRoles() (map[string]*classifier.Role, error) {
	roles := classifier.BuiltinRoles()
	for _, rc := range c.Roles {
		if _, ok := roles[rc.Name]; ok {
			return nil, fmt.Errorf("role %s is already defined", rc.Name)
		}
		methods := make(map[types.ActionKind]string, len(rc.Methods))
		for action, sig := range rc.Methods {
			methods[types.ActionKind(strings.ToLower(action))] = sig
		}
		role, err := classifier.NewRoleFromSignatures(rc.Name, methods)
		if err != nil {
			return nil, err
		}
		roles[rc.Name] = role
	}
	return roles, nil
}

// Validate checks every cross reference of the configuration.
func (c *Config) Validate() error {
	switch c.Ledger.Provider {
	case ProviderEtherscan:
	case ProviderNode:
		if c.Ledger.RPCEndpoint == "" {
			return errors.New("ledger.rpc_endpoint is required by the node provider")
		}
	case ProviderCSV:
		if c.Ledger.CSVDir == "" {
			return errors.New("ledger.csv_dir is required by the csv provider")
		}
	default:
		return fmt.Errorf("unknown ledger provider %q", c.Ledger.Provider)
	}
	switch c.Output.Backend {
	case BackendFile, BackendBolt, BackendBoth:
	default:
		return fmt.Errorf("unknown output backend %q", c.Output.Backend)
	}
	if c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	if c.Scheduler.Grace < 0 {
		return errors.New("scheduler.grace must not be negative")
	}

	roles, err := c.BuildRoles()
	if err != nil {
		return err
	}
	names := make(map[string]struct{}, len(c.Programs))
	for _, p := range c.Programs {
		if p.Name == "" {
			return errors.New("program without a name")
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("duplicate program %s", p.Name)
		}
		names[p.Name] = struct{}{}
		if len(p.Passes) == 0 {
			return fmt.Errorf("program %s has no pass", p.Name)
		}
		for _, imp := range p.Imputations {
			if _, ok := c.Approvals[strings.ToUpper(imp.Token)]; !ok {
				return fmt.Errorf("program %s: no approval gas for token %s", p.Name, imp.Token)
			}
		}
		for i, pass := range p.Passes {
			if err := c.validatePass(p.Name, i, pass, roles); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) validatePass(program string, i int, pass PassConfig, roles map[string]*classifier.Role) error {
	prefix := fmt.Sprintf("program %s pass %d (%s)", program, i, pass.Name)
	if _, ok := roles[pass.Role]; !ok {
		return fmt.Errorf("%s: unknown role %q", prefix, pass.Role)
	}
	if _, err := utils.ParseAddresses(pass.Contracts); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	switch pass.Targets {
	case TargetsContracts:
		if len(pass.Contracts) == 0 {
			return fmt.Errorf("%s: no contract to query", prefix)
		}
	case TargetsParticipants:
		if i == 0 {
			return fmt.Errorf("%s: the first pass has no participants to query", prefix)
		}
	default:
		return fmt.Errorf("%s: unknown targets %q", prefix, pass.Targets)
	}
	if err := (types.BlockRange{From: pass.FromBlock, To: pass.ToBlock}).Validate(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if c.Ledger.Provider == ProviderNode {
		// the node fetcher scans every block, the range must fit in one query
		maxSpan := c.Ledger.MaxBlockSpan
		if maxSpan == 0 {
			maxSpan = ledger.DefaultMaxBlockSpan
		}
		if span := pass.ToBlock - pass.FromBlock + 1; span > maxSpan {
			return fmt.Errorf("%s: blocks [%d, %d] span %d blocks, the node provider scans at most ledger.max_block_span = %d",
				prefix, pass.FromBlock, pass.ToBlock, span, maxSpan)
		}
	}
	if pass.Eligibility != "" {
		if _, err := participants.Parse(pass.Eligibility); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
	}
	return nil
}
