package main

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/tranvictor/walletcore/token"
	"github.com/tranvictor/walletcore/txrecord"
)

var (
	sendTo             string
	sendToken          string
	sendAmount         string
	sendGasPriceGwei   float64
	sendGasLimit       uint64
	sendIdempotencyKey string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Transfer the native coin or an ERC-20 token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(sendTo) {
			return fmt.Errorf("--to %q is not an address", sendTo)
		}
		amount, ok := new(big.Int).SetString(sendAmount, 10)
		if !ok {
			return fmt.Errorf("--amount %q is not a base-unit integer", sendAmount)
		}

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		req := e.session.R().
			SetTo(common.HexToAddress(sendTo)).
			SetAmount(amount).
			SetGasLimit(sendGasLimit).
			SetIdempotencyKey(sendIdempotencyKey)
		if sendToken != "" {
			req.SetToken(token.NewID(sendToken))
		}
		if sendGasPriceGwei > 0 {
			req.SetGasPriceGwei(sendGasPriceGwei)
		}

		rec, err := req.Submit(cmd.Context())
		if rec != nil {
			renderRecords([]*txrecord.Record{rec})
		}
		return err
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient address")
	sendCmd.Flags().StringVar(&sendToken, "token", "", "token contract (native coin if empty)")
	sendCmd.Flags().StringVar(&sendAmount, "amount", "0", "amount in the token's smallest unit")
	sendCmd.Flags().Float64Var(&sendGasPriceGwei, "gas-price", 0, "gas price in gwei (node suggestion if 0)")
	sendCmd.Flags().Uint64Var(&sendGasLimit, "gas-limit", 0, "gas limit (estimated if 0)")
	sendCmd.Flags().StringVar(&sendIdempotencyKey, "idempotency-key", "", "key that makes retries of this send safe")
	_ = sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}
