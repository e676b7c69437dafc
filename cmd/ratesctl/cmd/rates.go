package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/poller"
)

var errNoValidMarket = errors.New("no market returned a valid price")

type ratesOutput struct {
	Success   bool              `json:"success"`
	Data      []market.Snapshot `json:"data"`
	UpdatedAt *time.Time        `json:"updatedAt,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func newSnapshotCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Aggregate every market once and print the result",
		Long:  "Runs one aggregation pass against the upstream without touching the cache. Exits non-zero when no market is valid.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snaps, err := a.Orchestrator.Run(commandContext(cmd))
			out := ratesOutput{Success: err == nil && market.CountValid(snaps) > 0, Data: snaps}
			if err != nil {
				out.Error = err.Error()
			} else if !out.Success {
				out.Error = errNoValidMarket.Error()
			}
			if perr := ro.print(cmd, out); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if !out.Success {
				return errNoValidMarket
			}
			return nil
		},
	}
}

func newPollCmd(ro *rootOptions) *cobra.Command {
	var attempts int
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle and merge it into the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if attempts > 0 {
				ro.maxAttempts = attempts
			}
			a, err := ro.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Controller.Poll(commandContext(cmd))
			if perr := ro.print(cmd, res); perr != nil {
				return perr
			}
			if errors.Is(err, poller.ErrNoValidMarkets) {
				return errNoValidMarket
			}
			return err
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", 0, "override poll.max_attempts (1..100)")
	return cmd
}

func newCachedCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cached",
		Short: "Print the persisted merged state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snaps, updatedAt := a.Cache.Latest()
			out := ratesOutput{Success: len(snaps) > 0, Data: snaps}
			if !updatedAt.IsZero() {
				out.UpdatedAt = &updatedAt
			}
			if snaps == nil {
				out.Data = []market.Snapshot{}
			}
			return ro.print(cmd, out)
		},
	}
}

func newClearCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the persisted merged state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Cache.Clear(commandContext(cmd)); err != nil {
				return err
			}
			return ro.print(cmd, map[string]bool{"ok": true})
		},
	}
}

func newMarketsCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "markets",
		Short: "List the configured markets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ro.loadConfig()
			if err != nil {
				return err
			}
			return ro.print(cmd, cfg.Markets)
		},
	}
}
