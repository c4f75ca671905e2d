package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"relayguard/internal/app"
)

var (
	simulateRequests     int
	simulateIdentities   int
	simulateFailureRatio float64
	simulateBalance      string
	simulateFee          string
	simulateStep         time.Duration
	simulateSeed         uint64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay synthetic relay traffic through an in-memory guard",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			Requests:     simulateRequests,
			Identities:   simulateIdentities,
			FailureRatio: simulateFailureRatio,
			Step:         simulateStep,
			Seed:         simulateSeed,
		}

		var err error
		if opts.Balance, err = parseOptionalDecimal(simulateBalance); err != nil {
			return fmt.Errorf("invalid --balance value: %w", err)
		}
		if opts.Fee, err = parseOptionalDecimal(simulateFee); err != nil {
			return fmt.Errorf("invalid --fee value: %w", err)
		}

		_, err = getApp().Simulate(cmd.Context(), opts, cmd.OutOrStdout())
		return err
	},
}

func parseOptionalDecimal(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}

func init() {
	simulateCmd.Flags().IntVar(&simulateRequests, "requests", 200, "Number of relay requests to replay")
	simulateCmd.Flags().IntVar(&simulateIdentities, "identities", 14, "Number of distinct requesters")
	simulateCmd.Flags().Float64Var(&simulateFailureRatio, "failure-ratio", 0.05, "Share of admitted transactions that fail on submission")
	simulateCmd.Flags().StringVar(&simulateBalance, "balance", "", "Starting treasury balance (default 10000)")
	simulateCmd.Flags().StringVar(&simulateFee, "fee", "", "Fee per transaction (defaults to treasury.default_fee_estimate)")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", time.Second, "Simulated time between requests")
	simulateCmd.Flags().Uint64Var(&simulateSeed, "seed", 1, "Random seed for failure injection")
}
