package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/geostash/geostash/internal/engine"
	"github.com/geostash/geostash/internal/model"
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Download raster map tiles covering a region",
	RunE:  runTiles,
}

func init() {
	tilesCmd.Flags().String("bbox", "", "Region as south,west,north,east degrees")
	tilesCmd.Flags().String("center", "", "Region center as lat,lon (with --radius-km)")
	tilesCmd.Flags().Float64("radius-km", 0, "Radius around --center in kilometers")
	tilesCmd.Flags().String("area", "", "Named administrative area")
	tilesCmd.Flags().String("style", "", "Tile style key from config (required)")
	tilesCmd.Flags().Int("min-zoom", 10, "Lowest zoom level")
	tilesCmd.Flags().Int("max-zoom", 14, "Highest zoom level")
	tilesCmd.Flags().Bool("permanent", false, "Mark tiles as downloaded, exempt from expiry")
	tilesCmd.Flags().String("name", "", "Label for the region summary")
	_ = tilesCmd.MarkFlagRequired("style")
	rootCmd.AddCommand(tilesCmd)
}

func runTiles(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	bbox, err := resolveBounds(ctx, cmd, p.store)
	if err != nil {
		return err
	}

	style, _ := cmd.Flags().GetString("style")
	minZoom, _ := cmd.Flags().GetInt("min-zoom")
	maxZoom, _ := cmd.Flags().GetInt("max-zoom")
	permanent, _ := cmd.Flags().GetBool("permanent")
	name, _ := cmd.Flags().GetString("name")

	done := make(chan struct{})
	var region *model.Region
	var dlErr error
	go func() {
		defer close(done)
		region, dlErr = p.tiles.Download(ctx, bbox, style, minZoom, maxZoom, engine.TileOptions{
			Name:      name,
			Permanent: permanent,
		})
	}()

	renderProgress(p.manager, model.RegionKindTiles, done)
	<-done
	if dlErr != nil {
		return dlErr
	}
	if region == nil {
		fmt.Println("download cancelled")
		return nil
	}

	fmt.Printf("region %s: %d tiles saved (%.1f MB)", region.ID, region.EntityCount,
		float64(region.ByteSize)/(1024*1024))
	if region.FailedUnits > 0 {
		fmt.Printf(", %d tiles failed", region.FailedUnits)
	}
	fmt.Println()
	return nil
}
