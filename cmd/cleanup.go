package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/geostash/geostash/internal/ledger"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict expired cache rows",
	Long:  "Deletes expired transient POIs, tiles, and cache ledger entries. Rows marked downloaded are never evicted.",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	led := ledger.New(st, time.Duration(cfg.Cache.TTLHours)*time.Hour)
	stats, err := led.EvictExpired(ctx, time.Now().UTC(), nil)
	if err != nil {
		return err
	}

	fmt.Printf("evicted %d entities, %d tiles, %d ledger entries\n",
		stats.Entities, stats.Tiles, stats.Ledger)
	return nil
}
