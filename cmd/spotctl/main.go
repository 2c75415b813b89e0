// spotctl runs backtests and parameter searches offline, summarizes the
// trade ledger and mints operator tokens and password hashes for the API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"spot-trading-core/config"
	"spot-trading-core/internal/api"
	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/indicators"
	"spot-trading-core/internal/ledger"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/optimizer"
	"spot-trading-core/internal/params"
)

type options struct {
	candles   string
	spaceFile string
	method    string
	budget    int
	workers   int
	seed      int64
	set       map[string]string
	verbose   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "spotctl",
		Short:         "Offline tooling for the spot trading core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Flags
	rootCmd.PersistentFlags().StringVarP(&opts.candles, "candles", "c", "", "CSV of timestamp,open,high,low,close,volume")
	rootCmd.PersistentFlags().StringVar(&opts.spaceFile, "space", "", "YAML search space (default: built-in space)")
	rootCmd.PersistentFlags().StringVarP(&opts.method, "method", "m", string(optimizer.MethodGuided), "Search method: grid, random, genetic, guided")
	rootCmd.PersistentFlags().IntVarP(&opts.budget, "budget", "b", 200, "Candidates evaluated by non-grid searches")
	rootCmd.PersistentFlags().IntVar(&opts.workers, "workers", 0, "Parallel backtests (default: GOMAXPROCS)")
	rootCmd.PersistentFlags().Int64Var(&opts.seed, "seed", 42, "Random seed")
	rootCmd.PersistentFlags().StringToStringVar(&opts.set, "set", nil, "Parameter overrides, e.g. --set rsi_oversold=25")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log progress to stderr")

	// Subcommands
	rootCmd.AddCommand(backtestCmd(opts))
	rootCmd.AddCommand(optimizeCmd(opts))
	rootCmd.AddCommand(walkForwardCmd(opts))
	rootCmd.AddCommand(monteCarloCmd(opts))
	rootCmd.AddCommand(tradesCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	return rootCmd
}

func (o *options) logger() *logging.Logger {
	if !o.verbose {
		return logging.Nop()
	}
	return logging.New(&logging.Config{Level: "DEBUG", Output: "stderr", Component: "spotctl"})
}

func (o *options) dataset(ctx context.Context) (backtest.Dataset, error) {
	if o.candles == "" {
		return backtest.Dataset{}, fmt.Errorf("--candles is required")
	}
	candles, err := optimizer.CSVSource{Path: o.candles}.Candles(ctx)
	if err != nil {
		return backtest.Dataset{}, err
	}
	return backtest.NewDataset(candles, indicators.NewProvider())
}

func (o *options) newOptimizer() (*optimizer.Optimizer, error) {
	space := optimizer.DefaultSpace()
	if o.spaceFile != "" {
		var err error
		if space, err = optimizer.LoadSpaceFile(o.spaceFile); err != nil {
			return nil, err
		}
	}
	cfg := optimizer.DefaultConfig()
	cfg.Seed = o.seed
	if o.workers > 0 {
		cfg.Workers = o.workers
	}
	engine := backtest.NewEngine(backtest.DefaultConfig(), backtest.RSIReversion)
	return optimizer.New(engine, space, cfg, o.logger()), nil
}

// values applies --set overrides to the defaults and validates the result.
func (o *options) values() (params.Values, error) {
	v := params.Defaults().Values()
	for name, raw := range o.set {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("--set %s: %w", name, err)
		}
		v[name] = f
	}
	ps, err := params.Defaults().WithValues(v)
	if err != nil {
		return nil, err
	}
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func backtestCmd(opts *options) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest one parameter set over the candles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := opts.dataset(cmd.Context())
			if err != nil {
				return err
			}
			values, err := opts.values()
			if err != nil {
				return err
			}
			opt, err := opts.newOptimizer()
			if err != nil {
				return err
			}
			res, err := opt.Backtest(ds, values)
			if err != nil {
				return err
			}
			if !full {
				res.EquityCurve = nil
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&full, "equity", false, "Include the equity curve")
	return cmd
}

func optimizeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Search the parameter space for the best composite score",
		RunE: func(cmd *cobra.Command, args []string) error {
			method, err := optimizer.ParseMethod(opts.method)
			if err != nil {
				return err
			}
			ds, err := opts.dataset(cmd.Context())
			if err != nil {
				return err
			}
			opt, err := opts.newOptimizer()
			if err != nil {
				return err
			}
			res, err := opt.Optimize(cmd.Context(), ds, method, opts.budget)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func walkForwardCmd(opts *options) *cobra.Command {
	var train, test, step int
	cmd := &cobra.Command{
		Use:   "walkforward",
		Short: "Optimize on rolling windows and recommend stable values",
		RunE: func(cmd *cobra.Command, args []string) error {
			method, err := optimizer.ParseMethod(opts.method)
			if err != nil {
				return err
			}
			ds, err := opts.dataset(cmd.Context())
			if err != nil {
				return err
			}
			opt, err := opts.newOptimizer()
			if err != nil {
				return err
			}
			res, err := opt.WalkForward(cmd.Context(), ds, optimizer.WalkForwardConfig{
				Train:  train,
				Test:   test,
				Step:   step,
				Method: method,
				Budget: opts.budget,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&train, "train", 500, "Candles per training window")
	cmd.Flags().IntVar(&test, "test", 100, "Candles per test window")
	cmd.Flags().IntVar(&step, "step", 0, "Window advance (default: --test)")
	return cmd
}

func monteCarloCmd(opts *options) *cobra.Command {
	mc := optimizer.DefaultMonteCarloConfig()
	cmd := &cobra.Command{
		Use:   "montecarlo",
		Short: "Stress one parameter set on resampled price paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := opts.dataset(cmd.Context())
			if err != nil {
				return err
			}
			values, err := opts.values()
			if err != nil {
				return err
			}
			opt, err := opts.newOptimizer()
			if err != nil {
				return err
			}
			cfg := mc
			cfg.Seed = opts.seed
			cfg.Provider = indicators.NewProvider()
			res, err := opt.MonteCarlo(cmd.Context(), ds, values, cfg)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&mc.Runs, "runs", mc.Runs, "Synthetic paths")
	cmd.Flags().Float64Var(&mc.MaxLossProbability, "max-loss-probability", mc.MaxLossProbability, "Loss probability above which parameters are fragile")
	return cmd
}

// SymbolStats summarizes the ledger for one symbol.
type SymbolStats struct {
	Symbol string `json:"symbol"`
	ledger.Summary
}

func tradesCmd() *cobra.Command {
	var configFile, since string
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Summarize the trade ledger per symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			l, err := ledger.Open(cmd.Context(), cfg.LedgerConfig.Driver, cfg.LedgerConfig.Path, cfg.LedgerConfig.DSN, logging.Nop())
			if err != nil {
				return err
			}
			defer l.Close()

			var outcomes []ledger.TradeOutcome
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				outcomes, err = l.Since(cmd.Context(), t)
				if err != nil {
					return err
				}
			} else if outcomes, err = l.All(cmd.Context()); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summarizeBySymbol(outcomes))
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Config file (default: $CONFIG_FILE or config.json)")
	cmd.Flags().StringVar(&since, "since", "", "Only trades closed after this RFC 3339 time")
	return cmd
}

// summarizeBySymbol returns one entry per symbol, best total PnL first, and
// an "ALL" entry last.
func summarizeBySymbol(outcomes []ledger.TradeOutcome) []SymbolStats {
	bySymbol := make(map[string][]ledger.TradeOutcome)
	for _, o := range outcomes {
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}
	stats := make([]SymbolStats, 0, len(bySymbol)+1)
	for symbol, group := range bySymbol {
		stats = append(stats, SymbolStats{Symbol: symbol, Summary: ledger.Summarize(group)})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TotalPnLPct != stats[j].TotalPnLPct {
			return stats[i].TotalPnLPct > stats[j].TotalPnLPct
		}
		return stats[i].Symbol < stats[j].Symbol
	})
	return append(stats, SymbolStats{Symbol: "ALL", Summary: ledger.Summarize(outcomes)})
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token signed with AUTH_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens := api.NewTokenManager(os.Getenv("AUTH_JWT_SECRET"))
			if tokens == nil {
				return fmt.Errorf("AUTH_JWT_SECRET is not set")
			}
			tok, err := tokens.Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().StringVar(&role, "role", api.RoleOperator, "Token role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for AUTH_OPERATOR_PASSWORD_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("read password: %w", err)
			}
			hash, err := api.HashPassword(strings.TrimRight(line, "\r\n"), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", api.DefaultBcryptCost, "bcrypt cost")
	return cmd
}
