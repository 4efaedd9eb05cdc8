package main

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/tranvictor/walletcore/txrecord"
)

var speedUpGasPriceGwei float64

var cancelCmd = &cobra.Command{
	Use:   "cancel <tx-hash>",
	Short: "Replace a pending transaction with a zero-value self-transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		original, err := findRecord(e.session, args[0])
		if err != nil {
			return err
		}
		rec, err := e.session.Cancel(cmd.Context(), original)
		if err != nil {
			return err
		}
		renderRecords([]*txrecord.Record{rec})
		return nil
	},
}

var speedUpCmd = &cobra.Command{
	Use:   "speedup <tx-hash>",
	Short: "Rebroadcast a pending transaction with a higher gas price",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if speedUpGasPriceGwei <= 0 {
			return fmt.Errorf("--gas-price is required")
		}

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		original, err := findRecord(e.session, args[0])
		if err != nil {
			return err
		}
		wei, _ := new(big.Float).Mul(big.NewFloat(speedUpGasPriceGwei), big.NewFloat(1e9)).Int(nil)
		rec, err := e.session.SpeedUp(cmd.Context(), original, wei)
		if err != nil {
			return err
		}
		renderRecords([]*txrecord.Record{rec})
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <tx-hash> <state>",
	Short: "Apply an externally observed state (completed, error, failed, pending)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := txrecord.ParseState(args[1])
		if state == txrecord.StateUnknown {
			return fmt.Errorf("unknown state %q", args[1])
		}

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		original, err := findRecord(e.session, args[0])
		if err != nil {
			return err
		}
		if _, err := e.session.UpdateState(original.CompoundKey(), state); err != nil {
			return err
		}

		pending, err := e.session.Pending()
		if err != nil {
			return err
		}
		renderRecords(pending)
		return nil
	},
}

var abandonCmd = &cobra.Command{
	Use:   "abandon",
	Short: "Fail cancels and speed-ups pending past the replacement timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		abandoned, err := e.session.AbandonStaleReplacements()
		if err != nil {
			return err
		}
		renderRecords(abandoned)
		return nil
	},
}

func init() {
	speedUpCmd.Flags().Float64Var(&speedUpGasPriceGwei, "gas-price", 0, "new gas price in gwei")
	rootCmd.AddCommand(cancelCmd, speedUpCmd, reconcileCmd, abandonCmd)
}
