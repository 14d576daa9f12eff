package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geostash/geostash/internal/config"
	"github.com/geostash/geostash/internal/engine"
	"github.com/geostash/geostash/internal/ledger"
	"github.com/geostash/geostash/internal/resilience"
	"github.com/geostash/geostash/internal/store"
	"github.com/geostash/geostash/pkg/geodata"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "geostash",
	Short: "Offline geodata download and cache engine",
	Long:  "Captures a geographic region and pulls all POI records and/or raster map tiles covering it into a persistent local store for offline use.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the configured backend and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		st, err = store.NewSQLite(cfg.Store.Path)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// pipeline bundles everything a download command needs.
type pipeline struct {
	store   store.Store
	ledger  *ledger.Ledger
	manager *engine.Manager
	poi     *engine.POIDownloader
	tiles   *engine.TileDownloader
}

func buildPipeline(ctx context.Context) (*pipeline, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	led := ledger.New(st, time.Duration(cfg.Cache.TTLHours)*time.Hour)
	manager := engine.NewManager(2 * time.Second)
	pacer := resilience.NewPacer(cfg.MinInterval())
	retry := cfg.RetryPolicy()
	breakers := resilience.NewBreakerSet(
		resilience.FromBreakerConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))
	engCfg := cfg.EngineConfig()

	poiClient := geodata.NewPOIClient(
		geodata.WithBaseURL(cfg.POI.BaseURL),
		geodata.WithAPIKey(cfg.POI.APIKey),
	)
	tileClient := geodata.NewTileClient(cfg.TileStyles())

	return &pipeline{
		store:   st,
		ledger:  led,
		manager: manager,
		poi:     engine.NewPOIDownloader(poiClient, st, led, pacer, retry, breakers, manager, engCfg),
		tiles:   engine.NewTileDownloader(tileClient, st, led, pacer, retry, breakers, manager, engCfg),
	}, nil
}

func (p *pipeline) Close() {
	p.store.Close() //nolint:errcheck
}
