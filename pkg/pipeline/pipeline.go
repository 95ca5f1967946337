package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/aggregator"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/classifier"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/imputation"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/ledger"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/participants"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/persist"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/report"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/scheduler"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/stats"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/utils"
)

// Targets selects the keys a pass queries.
type Targets int

const (
	// TargetContracts queries the pass's contract addresses.
	TargetContracts Targets = iota
	// TargetParticipants queries every member of the current participant set.
	TargetParticipants
)

// Pass is one fetch-classify-aggregate round of a program.
type Pass struct {
	Name    string
	Role    *classifier.Role
	Targets Targets
	Blocks  types.BlockRange
	// Eligibility re-derives the participant set after the pass; nil keeps the current one.
	Eligibility     participants.Predicate
	ParticipantsKey string
	StatsKey        string
}

// Program is an independent chain of passes ending in a gas report.
type Program struct {
	Name    string
	Passes  []Pass
	Imputer *imputation.Imputer
	GasKey  string
}

// kinds is every action any pass of p can produce, used to shape the stats dataset.
func (p *Program) kinds() []types.ActionKind {
	seen := make(map[types.ActionKind]struct{})
	var out []types.ActionKind
	for _, pass := range p.Passes {
		for _, k := range pass.Role.Kinds() {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type PassResult struct {
	Name         string
	Summary      scheduler.Summary
	Participants int
}

type ProgramResult struct {
	Name         string
	Participants *participants.Set
	Snapshot     aggregator.Snapshot
	Reports      []report.GasReport
	Passes       []PassResult
}

type Opts struct {
	Fetcher    ledger.Fetcher
	Classifier classifier.Classifier
	// Limiter is shared by every program: the remote rate ceiling is global.
	Limiter *rate.Limiter
	Grace   time.Duration
	Saver   persist.Saver
	Stats   *stats.Stats
	// CSVReports also saves each gas report as CSV, next to its JSON key.
	CSVReports bool
	Logger     *zap.SugaredLogger
}

type Runner struct {
	fetcher    ledger.Fetcher
	classifier classifier.Classifier
	limiter    *rate.Limiter
	grace      time.Duration
	saver      persist.Saver
	stats      *stats.Stats
	csvReports bool
	l          *zap.SugaredLogger
}

func NewRunner(opts Opts) (*Runner, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("pipeline requires a ledger fetcher")
	}
	if opts.Limiter == nil {
		return nil, errors.New("pipeline requires a rate limiter")
	}
	if opts.Classifier == nil {
		opts.Classifier = classifier.NewTableClassifier()
	}
	if opts.Stats == nil {
		opts.Stats = stats.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Runner{
		fetcher:    opts.Fetcher,
		classifier: opts.Classifier,
		limiter:    opts.Limiter,
		grace:      opts.Grace,
		saver:      opts.Saver,
		stats:      opts.Stats,
		csvReports: opts.CSVReports,
		l:          opts.Logger,
	}, nil
}

// Run runs every program concurrently and returns their results in input order.
func (r *Runner) Run(ctx context.Context, programs []Program) ([]*ProgramResult, error) {
	results := make([]*ProgramResult, len(programs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range programs {
		i := i
		g.Go(func() error {
			res, err := r.RunProgram(gctx, programs[i])
			if err != nil {
				return fmt.Errorf("program %s: %w", programs[i].Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RunProgram runs the passes of p in order. Every pass ends by gating the store on the
// participant set, so a later pass only ever accumulates for proven participants.
func (r *Runner) RunProgram(ctx context.Context, p Program) (*ProgramResult, error) {
	if len(p.Passes) == 0 {
		return nil, errors.New("program has no pass")
	}
	if p.Imputer == nil {
		imputer, err := imputation.New()
		if err != nil {
			return nil, err
		}
		p.Imputer = imputer
	}
	l := r.l.With("program", p.Name)
	kinds := p.kinds()

	var (
		store  = aggregator.New()
		set    *participants.Set
		result = &ProgramResult{Name: p.Name}
	)
	for i, pass := range p.Passes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys, err := r.targets(pass, set)
		if err != nil {
			return nil, fmt.Errorf("pass %s: %w", pass.Name, err)
		}
		l.Infow("starting pass", "pass", pass.Name, "index", i, "keys", len(keys))

		summary, err := r.runPass(ctx, p.Name, pass, store, keys)
		if err != nil {
			return nil, fmt.Errorf("pass %s: %w", pass.Name, err)
		}
		store.Freeze()
		snapshot := store.Snapshot()

		switch {
		case pass.Eligibility != nil:
			set = participants.Derive(snapshot, pass.Eligibility)
		case set == nil:
			set = participants.NewSet(snapshot.Addresses()...)
		}
		store = store.Gate(set)
		r.stats.Participants(p.Name, pass.Name, set.Len())
		l.Infow("pass participants", "pass", pass.Name, "participants", set.Len(), "aggregated", snapshot.Len())

		if pass.ParticipantsKey != "" {
			r.save(ctx, l, report.ParticipantList(set), pass.ParticipantsKey)
		}
		if pass.StatsKey != "" {
			r.save(ctx, l, report.Aggregates(store.Snapshot(), kinds), pass.StatsKey)
		}
		result.Passes = append(result.Passes, PassResult{Name: pass.Name, Summary: summary, Participants: set.Len()})
	}
	store.Freeze()

	result.Participants = set
	result.Snapshot = store.Snapshot()
	result.Reports = report.Project(set, result.Snapshot, p.Imputer)
	if p.GasKey != "" {
		r.save(ctx, l, result.Reports, p.GasKey)
		if r.csvReports {
			r.save(ctx, l, report.GasReportRows(result.Reports), csvKey(p.GasKey))
		}
	}
	l.Infow("program complete", "participants", set.Len(), "reports", len(result.Reports))
	return result, nil
}

func (r *Runner) targets(pass Pass, set *participants.Set) ([]string, error) {
	if pass.Role == nil {
		return nil, errors.New("pass has no role")
	}
	switch pass.Targets {
	case TargetContracts:
		if len(pass.Role.Contracts) == 0 {
			return nil, errors.New("pass has no contract to query")
		}
		return utils.HexKeys(pass.Role.Contracts), nil
	case TargetParticipants:
		if set == nil {
			return nil, errors.New("no participant set to query yet")
		}
		return utils.HexKeys(set.Addresses()), nil
	}
	return nil, fmt.Errorf("unknown targets %d", pass.Targets)
}

type ingestCounts map[aggregator.Outcome]int

func (r *Runner) runPass(ctx context.Context, program string, pass Pass, store *aggregator.Store, keys []string) (scheduler.Summary, error) {
	l := r.l.With("program", program)
	counts := make(ingestCounts)

	s, err := scheduler.New(scheduler.Opts[*ledger.Result]{
		Name:    program + "/" + pass.Name,
		Limiter: r.limiter,
		Grace:   r.grace,
		Job: func(ctx context.Context, key string) (*ledger.Result, error) {
			return r.fetcher.FetchTransactions(ctx, common.HexToAddress(key), pass.Blocks)
		},
		Handle: func(key string, res *ledger.Result) {
			r.stats.Query(program, pass.Name, res.Status.String())
			r.stats.Rejected(program, pass.Name, res.Rejected)
			for _, rec := range res.Records {
				kind := r.classifier.Classify(rec, pass.Role)
				outcome, err := store.Ingest(rec, kind)
				if err != nil {
					l.Warnw("could not ingest record", "pass", pass.Name, "key", key, "hash", rec.Hash.Hex(), "error", err)
					continue
				}
				counts[outcome]++
			}
		},
		OnComplete: func(summary scheduler.Summary) {
			r.stats.QueriesN(program, pass.Name, stats.OutcomeFailed, summary.Failed)
			r.stats.QueriesN(program, pass.Name, stats.OutcomeLate, summary.Late)
		},
		Logger: l,
	})
	if err != nil {
		return scheduler.Summary{}, err
	}
	summary := s.Run(ctx, keys)

	for outcome, n := range counts {
		r.stats.Records(program, pass.Name, outcome.String(), n)
	}
	l.Infow("pass aggregated",
		"pass", pass.Name,
		"added", counts[aggregator.Added],
		"duplicate", counts[aggregator.Duplicate],
		"unclassified", counts[aggregator.Unclassified],
		"excluded", counts[aggregator.Excluded],
	)
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// save persists value under key; a failure is logged and the run goes on.
func (r *Runner) save(ctx context.Context, l *zap.SugaredLogger, value interface{}, key string) {
	if r.saver == nil {
		return
	}
	if err := r.saver.Save(ctx, value, key); err != nil {
		l.Errorw("could not save dataset", "key", key, "error", err)
		return
	}
	l.Infow("dataset saved", "key", key)
}

// SaveMetrics persists the run counters under key.
func (r *Runner) SaveMetrics(ctx context.Context, key string) {
	r.save(ctx, r.l, r.stats.Prometheus(), key)
}

func csvKey(key string) string {
	for i := len(key) - 1; i >= 0 && key[i] != '/'; i-- {
		if key[i] == '.' {
			return key[:i] + ".csv"
		}
	}
	return key + ".csv"
}
