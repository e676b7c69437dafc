package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"p2p-rate-monitor/internal/app"
	"p2p-rate-monitor/internal/config"
	"p2p-rate-monitor/internal/logger"
	"p2p-rate-monitor/internal/market"
)

type rootOptions struct {
	configPath string
	logLevel   string
	backend    string
	fiats      []string
	pretty     bool

	maxAttempts int
}

// NewRoot returns the ratesctl command tree.
func NewRoot() *cobra.Command {
	ro := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ratesctl",
		Short:         "Query and maintain P2P USDT reference rates",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&ro.configPath, "config", "c", "configs/app.yaml", "config file")
	pf.StringVar(&ro.logLevel, "log-level", "", "override log.level")
	pf.StringVar(&ro.backend, "store", "", "override store.backend (sqlite, redis, memory)")
	pf.StringSliceVar(&ro.fiats, "fiat", nil, "restrict to these fiat codes")
	pf.BoolVar(&ro.pretty, "pretty", false, "indent JSON output")

	cmd.AddCommand(
		newSnapshotCmd(ro),
		newPollCmd(ro),
		newCachedCmd(ro),
		newClearCmd(ro),
		newMarketsCmd(ro),
	)
	return cmd
}

func (ro *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ro.configPath)
	if err != nil {
		return nil, err
	}
	if ro.logLevel != "" {
		cfg.Log.Level = ro.logLevel
	}
	if ro.backend != "" {
		cfg.Store.Backend = ro.backend
	}
	if ro.maxAttempts > 0 {
		cfg.Poll.MaxAttempts = ro.maxAttempts
	}
	if len(ro.fiats) > 0 {
		cfg.Markets, err = selectMarkets(cfg.Markets, ro.fiats)
		if err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func (ro *rootOptions) build(cmd *cobra.Command) (*app.App, error) {
	cfg, err := ro.loadConfig()
	if err != nil {
		return nil, err
	}
	l := logger.NewTo(cfg.Log.Level, zapcore.AddSync(cmd.ErrOrStderr()))
	return app.Build(commandContext(cmd), cfg, app.WithLogger(l))
}

func (ro *rootOptions) print(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	if ro.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func selectMarkets(all []market.Config, fiats []string) ([]market.Config, error) {
	want := make(map[string]bool, len(fiats))
	for _, f := range fiats {
		want[strings.ToUpper(strings.TrimSpace(f))] = true
	}
	var out []market.Config
	for _, m := range all {
		if want[strings.ToUpper(m.Fiat)] {
			out = append(out, m)
			delete(want, strings.ToUpper(m.Fiat))
		}
	}
	for f := range want {
		return nil, fmt.Errorf("unknown market %q", f)
	}
	return out, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
