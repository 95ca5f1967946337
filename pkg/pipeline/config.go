package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/classifier"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/config"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/imputation"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/ledger"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/participants"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/persist"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/utils"
)

// ProgramsFromConfig resolves roles, contracts, predicates and imputation rules of every
// configured program.
func ProgramsFromConfig(cfg *config.Config) ([]Program, error) {
	roles, err := cfg.BuildRoles()
	if err != nil {
		return nil, err
	}
	programs := make([]Program, 0, len(cfg.Programs))
	for _, pc := range cfg.Programs {
		pairs := make(map[types.ActionKind]string, len(pc.Imputations))
		for _, imp := range pc.Imputations {
			pairs[types.ActionKind(strings.ToLower(imp.Action))] = strings.ToUpper(imp.Token)
		}
		imputer, err := imputation.NewFromApprovals(pairs, cfg.Approvals)
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", pc.Name, err)
		}

		p := Program{Name: pc.Name, GasKey: pc.GasKey, Imputer: imputer}
		for _, passCfg := range pc.Passes {
			pass, err := passFromConfig(passCfg, roles)
			if err != nil {
				return nil, fmt.Errorf("program %s pass %s: %w", pc.Name, passCfg.Name, err)
			}
			p.Passes = append(p.Passes, pass)
		}
		programs = append(programs, p)
	}
	return programs, nil
}

func passFromConfig(pc config.PassConfig, roles map[string]*classifier.Role) (Pass, error) {
	role, ok := roles[pc.Role]
	if !ok {
		return Pass{}, fmt.Errorf("unknown role %q", pc.Role)
	}
	contracts, err := utils.ParseAddresses(pc.Contracts)
	if err != nil {
		return Pass{}, err
	}
	pass := Pass{
		Name:            pc.Name,
		Role:            role.WithContracts(contracts...),
		Blocks:          types.BlockRange{From: pc.FromBlock, To: pc.ToBlock},
		ParticipantsKey: pc.ParticipantsKey,
		StatsKey:        pc.StatsKey,
	}
	switch pc.Targets {
	case config.TargetsContracts:
		pass.Targets = TargetContracts
	case config.TargetsParticipants:
		pass.Targets = TargetParticipants
	default:
		return Pass{}, fmt.Errorf("unknown targets %q", pc.Targets)
	}
	if pc.Eligibility != "" {
		if pass.Eligibility, err = participants.Parse(pc.Eligibility); err != nil {
			return Pass{}, err
		}
	}
	return pass, nil
}

// NewFetcher builds the ledger fetcher selected by cfg.Ledger.Provider. The returned close
// function releases the node connection, if any.
func NewFetcher(ctx context.Context, cfg *config.Config, limiter *rate.Limiter, l *zap.SugaredLogger) (ledger.Fetcher, func(), error) {
	lc := cfg.Ledger
	switch lc.Provider {
	case config.ProviderEtherscan:
		return ledger.NewEtherscanClient(ledger.EtherscanOpts{
			BaseURL:    lc.BaseURL,
			APIKey:     lc.APIKey,
			PageSize:   lc.PageSize,
			MaxRetries: lc.MaxRetries,
			Timeout:    lc.Timeout,
			Limiter:    limiter,
			Logger:     l,
		}), func() {}, nil
	case config.ProviderNode:
		client, err := rpc.DialContext(ctx, lc.RPCEndpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("could not dial %s: %w", lc.RPCEndpoint, err)
		}
		return ledger.NewNodeFetcher(ledger.NodeOpts{
			Chain:        ledger.NewRPCChain(client),
			MaxBlockSpan: lc.MaxBlockSpan,
			Logger:       l,
		}), client.Close, nil
	case config.ProviderCSV:
		return ledger.NewCSVFetcher(lc.CSVDir, l), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown ledger provider %q", lc.Provider)
}

// NewSaver builds the dataset saver selected by cfg.Output.Backend.
func NewSaver(cfg *config.Config) (persist.Saver, func(), error) {
	oc := cfg.Output
	var (
		savers  persist.Multi
		closers []func()
	)
	if oc.Backend == config.BackendFile || oc.Backend == config.BackendBoth {
		fs, err := persist.NewFileSaver(oc.Dir)
		if err != nil {
			return nil, nil, err
		}
		savers = append(savers, fs)
	}
	if oc.Backend == config.BackendBolt || oc.Backend == config.BackendBoth {
		bs, err := persist.NewBoltSaver(oc.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		savers = append(savers, bs)
		closers = append(closers, func() { _ = bs.Close() })
	}
	if len(savers) == 0 {
		return nil, nil, fmt.Errorf("unknown output backend %q", oc.Backend)
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(savers) == 1 {
		return savers[0], closeAll, nil
	}
	return savers, closeAll, nil
}
