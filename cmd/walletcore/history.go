package main

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tranvictor/walletcore/internal/balance"
	"github.com/tranvictor/walletcore/txrecord"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored transactions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		records, err := e.session.History()
		if err != nil {
			return err
		}
		renderRecords(records)
		return nil
	},
}

var balancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "Fetch and print the balances of both token tracks",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		for _, track := range []balance.Track{balance.TrackSupported, balance.TrackOther} {
			if err := e.session.RefreshBalances(cmd.Context(), track); err != nil {
				return err
			}
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Token", "Balance"})
		for id, b := range e.session.Balances() {
			t.AppendRow(table.Row{id.String(), b.String()})
		}
		t.SortBy([]table.SortBy{{Name: "Token", Mode: table.Asc}})
		t.Render()
		return nil
	},
}

func renderRecords(records []*txrecord.Record) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Date", "Hash", "Type", "State", "Nonce", "To", "Value", "Gas Price"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.Date.Format("2006-01-02 15:04:05"),
			r.ID,
			r.Type.String(),
			r.State.String(),
			r.Nonce,
			r.To,
			r.Value,
			r.GasPrice,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(records)})
	t.Render()
}

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(balancesCmd)
}
