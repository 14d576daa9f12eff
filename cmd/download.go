package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/geostash/geostash/internal/boundary"
	"github.com/geostash/geostash/internal/engine"
	"github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/model"
	"github.com/geostash/geostash/internal/store"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download POIs covering a region",
	Long:  "Partitions the region into fetch units, downloads every POI of the requested categories, and persists them for offline use. Ground already cached is skipped.",
	RunE:  runDownload,
}

func init() {
	downloadCmd.Flags().String("bbox", "", "Region as south,west,north,east degrees")
	downloadCmd.Flags().String("center", "", "Region center as lat,lon (with --radius-km)")
	downloadCmd.Flags().Float64("radius-km", 0, "Radius around --center in kilometers")
	downloadCmd.Flags().String("area", "", "Named administrative area (see 'boundaries import')")
	downloadCmd.Flags().StringSlice("categories", nil, "POI categories to fetch (empty = all)")
	downloadCmd.Flags().Bool("bulk", false, "Use the coarse grid step for large captures")
	downloadCmd.Flags().Bool("permanent", false, "Mark results as downloaded, exempt from expiry")
	downloadCmd.Flags().String("name", "", "Label for the region summary")
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, _ []string) error {
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

	categories, _ := cmd.Flags().GetStringSlice("categories")
	bulk, _ := cmd.Flags().GetBool("bulk")
	permanent, _ := cmd.Flags().GetBool("permanent")
	name, _ := cmd.Flags().GetString("name")

	done := make(chan struct{})
	var region *model.Region
	var dlErr error
	go func() {
		defer close(done)
		region, dlErr = p.poi.Download(ctx, bbox, engine.POIOptions{
			Name:       name,
			Categories: categories,
			Bulk:       bulk,
			Permanent:  permanent,
		})
	}()

	renderProgress(p.manager, model.RegionKindPOI, done)
	<-done
	if dlErr != nil {
		return dlErr
	}
	if region == nil {
		fmt.Println("download cancelled")
		return nil
	}

	fmt.Printf("region %s: %d entities saved", region.ID, region.EntityCount)
	if region.FailedUnits > 0 {
		fmt.Printf(", %d units failed", region.FailedUnits)
	}
	fmt.Println()
	return nil
}

// resolveBounds turns --bbox, --center/--radius-km, or --area into a box.
func resolveBounds(ctx context.Context, cmd *cobra.Command, st store.Store) (geo.BoundingBox, error) {
	bboxStr, _ := cmd.Flags().GetString("bbox")
	centerStr, _ := cmd.Flags().GetString("center")
	area, _ := cmd.Flags().GetString("area")

	switch {
	case bboxStr != "":
		return parseBBox(bboxStr)
	case centerStr != "":
		radius, _ := cmd.Flags().GetFloat64("radius-km")
		if radius <= 0 {
			return geo.BoundingBox{}, eris.New("--center requires --radius-km > 0")
		}
		lat, lon, err := parseLatLon(centerStr)
		if err != nil {
			return geo.BoundingBox{}, err
		}
		return geo.FromCenterRadius(lat, lon, radius)
	case area != "":
		b, err := boundary.Lookup(ctx, st, area)
		if err != nil {
			return geo.BoundingBox{}, err
		}
		if b == nil {
			return geo.BoundingBox{}, eris.Errorf("unknown area %q (import boundaries first)", area)
		}
		return geo.BoundingBox{South: b.South, North: b.North, West: b.West, East: b.East}, nil
	default:
		return geo.BoundingBox{}, eris.New("one of --bbox, --center, or --area is required")
	}
}

func parseBBox(s string) (geo.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.BoundingBox{}, eris.Errorf("invalid bbox %q, want south,west,north,east", s)
	}
	vals := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geo.BoundingBox{}, eris.Wrapf(err, "invalid bbox component %q", part)
		}
		vals[i] = v
	}
	bbox := geo.BoundingBox{South: vals[0], West: vals[1], North: vals[2], East: vals[3]}
	if err := bbox.Validate(); err != nil {
		return geo.BoundingBox{}, err
	}
	return bbox, nil
}

func parseLatLon(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, eris.Errorf("invalid center %q, want lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "invalid latitude %q", parts[0])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "invalid longitude %q", parts[1])
	}
	return lat, lon, nil
}

// renderProgress prints session snapshots until the download finishes.
func renderProgress(m *engine.Manager, kind model.RegionKind, done <-chan struct{}) {
	// The session appears shortly after the download goroutine starts.
	var sess *engine.Session
	for i := 0; i < 100; i++ {
		if sess = m.Active(kind); sess != nil {
			break
		}
		select {
		case <-done:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	if sess == nil {
		return
	}

	for snap := range sess.Subscribe() {
		switch snap.Phase {
		case engine.PhaseEstimating:
			fmt.Printf("\restimating...          ")
		case engine.PhaseDownloading, engine.PhaseSaving:
			fmt.Printf("\r%5.1f%%  %d/%d units  %d saved  %d failed   ",
				snap.Percent, snap.Processed, snap.Total, snap.Count, snap.Failed)
		}
		if snap.Phase.Terminal() {
			fmt.Println()
			return
		}
	}
}
