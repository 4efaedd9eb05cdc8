package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tranvictor/walletcore/events"
)

var abandonInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Fetch balances periodically and print lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if addr := e.config.Metrics.ListenAddr; addr != "" {
			srv := &http.Server{
				Addr:              addr,
				Handler:           promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.WithFields(logger.Fields{"error": err}).Error("metrics server stopped")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		sub, err := e.session.Subscribe()
		if err != nil {
			return err
		}
		defer sub.Cancel()

		e.session.Start(ctx)

		abandonTicker := ticker.New(abandonInterval)
		abandonTicker.Resume()
		defer abandonTicker.Stop()

		for {
			select {
			case update := <-sub.Updates():
				logEvent(update)

			case <-abandonTicker.Ticks():
				if _, err := e.session.AbandonStaleReplacements(); err != nil {
					logger.WithFields(logger.Fields{"error": err}).Warn("abandoning stale replacements failed")
				}

			case <-sub.Quit():
				return nil

			case <-ctx.Done():
				return nil
			}
		}
	},
}

func logEvent(update interface{}) {
	switch ev := update.(type) {
	case events.BalancesChanged:
		logger.WithFields(logger.Fields{
			"wallet": ev.Account.Hex(),
			"track":  ev.Track,
		}).Info("balances changed")
	case events.TransactionUpdated:
		logger.WithFields(logger.Fields{
			"wallet":  ev.Account.Hex(),
			"tx_hash": ev.Record.ID,
			"state":   ev.Record.State.String(),
			"type":    ev.Record.Type.String(),
		}).Info("transaction updated")
	case events.TransactionFailed:
		logger.WithFields(logger.Fields{
			"wallet":    ev.Account.Hex(),
			"operation": string(ev.Operation),
			"class":     ev.Class.String(),
			"error":     ev.Err,
		}).Warn("transaction failed")
	case events.BalanceRefreshDone:
		logger.WithFields(logger.Fields{
			"wallet": ev.Account.Hex(),
			"tokens": len(ev.Tokens),
		}).Debug("post-broadcast balance refresh done")
	}
}

func init() {
	watchCmd.Flags().DurationVar(&abandonInterval, "abandon-interval", time.Minute, "how often stale replacements are abandoned")
	rootCmd.AddCommand(watchCmd)
}
