package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/ledger"
	"github.com/geostash/geostash/internal/model"
	"github.com/geostash/geostash/internal/resilience"
	"github.com/geostash/geostash/internal/store"
	"github.com/geostash/geostash/pkg/geodata"
)

// TileOptions shape a raster tile download.
type TileOptions struct {
	Name      string
	Permanent bool
}

// TileDownloader runs the same pipeline as POIDownloader over slippy-map
// tiles: the unit grid comes from WebMercator math instead of the degree
// grid, and the ledger is keyed by style-scoped tile keys.
type TileDownloader struct {
	client   geodata.TileClient
	store    store.Store
	ledger   *ledger.Ledger
	pacer    *resilience.Pacer
	retry    resilience.RetryConfig
	breakers *resilience.BreakerSet
	manager  *Manager
	cfg      Config
}

// NewTileDownloader wires the tile pipeline.
func NewTileDownloader(client geodata.TileClient, st store.Store, led *ledger.Ledger,
	pacer *resilience.Pacer, retry resilience.RetryConfig,
	breakers *resilience.BreakerSet, manager *Manager, cfg Config) *TileDownloader {
	return &TileDownloader{
		client: client, store: st, ledger: led,
		pacer: pacer, retry: retry, breakers: breakers,
		manager: manager, cfg: cfg,
	}
}

// Download captures every tile of the style covering bbox between the zoom
// levels. Cancellation returns (nil, nil); persisted batches stay persisted.
func (d *TileDownloader) Download(ctx context.Context, bbox geo.BoundingBox, styleKey string, minZoom, maxZoom int, opts TileOptions) (*model.Region, error) {
	if err := bbox.Validate(); err != nil {
		return nil, eris.Wrap(err, "engine: tile download")
	}
	if minZoom < 0 || maxZoom < minZoom {
		return nil, eris.Errorf("engine: invalid zoom range %d..%d", minZoom, maxZoom)
	}

	sess, sctx := d.manager.Start(ctx, model.RegionKindTiles)
	if sess == nil {
		return nil, ErrSessionActive
	}
	id := sess.ID()
	log := zap.L().With(zap.Int64("session", id), zap.String("style", styleKey))

	cats := model.NewCategories(styleKey)
	now := time.Now().UTC()

	d.manager.Update(id, func(s *Snapshot) { s.Phase = PhaseEstimating })
	xyzs := geo.TilesForBounds(bbox, minZoom, maxZoom)
	units := make([]geo.Tile, len(xyzs))
	for i, xyz := range xyzs {
		units[i] = geo.Tile{Bounds: xyz.Bounds(), Key: xyz.Key(styleKey)}
	}
	need := d.ledger.Unsatisfied(sctx, units, cats, now)

	// Keep the xyz coordinates alongside the filtered units.
	byKey := make(map[string]geo.TileXYZ, len(xyzs))
	for i, xyz := range xyzs {
		byKey[units[i].Key] = xyz
	}
	log.Info("tile download estimated",
		zap.Int("tiles", len(units)), zap.Int("uncached", len(need)),
		zap.Int("min_zoom", minZoom), zap.Int("max_zoom", maxZoom))

	d.manager.Update(id, func(s *Snapshot) {
		s.Phase = PhaseDownloading
		s.Total = len(need)
	})

	saver := NewSaver(d.store)
	breaker := d.breakers.Get("tiles")

	var (
		mu       sync.Mutex
		pending  []model.TileBlob
		covered  []geo.Tile
		saved    int64
		bytes    int64
		warnings int
	)

	report := RunBatches(sctx, len(need), BatchConfig{
		Width:       d.cfg.BatchWidth,
		UnitTimeout: d.cfg.UnitTimeout,
		OnBatch: func(bctx context.Context, processed, failed int) {
			mu.Lock()
			batch := pending
			marks := covered
			pending, covered = nil, nil
			mu.Unlock()

			n, err := saver.SaveTiles(bctx, batch)
			if err != nil {
				warnings++
				log.Warn("tile batch persistence failed", zap.Int("tiles", len(batch)), zap.Error(err))
			} else {
				saved += n
			}

			markAt := time.Now().UTC()
			for _, tile := range marks {
				if err := d.ledger.MarkFetched(bctx, tile, cats, markAt); err != nil {
					log.Warn("ledger mark failed", zap.String("tile", tile.Key), zap.Error(err))
				}
			}

			d.manager.Update(id, func(s *Snapshot) {
				s.Processed = processed
				s.Failed = failed
				s.Count = saved
				s.Bytes = bytes
				s.Warnings = warnings
			})
		},
	}, func(uctx context.Context, idx int) error {
		unit := need[idx]
		xyz := byKey[unit.Key]

		data, err := resilience.DoVal(uctx, d.retry, func(actx context.Context) ([]byte, error) {
			if err := d.pacer.Wait(actx); err != nil {
				return nil, err
			}
			return resilience.Call(actx, breaker, func(cctx context.Context) ([]byte, error) {
				return d.client.FetchTile(cctx, xyz.Z, xyz.X, xyz.Y, styleKey)
			})
		})
		if err != nil {
			if d.cfg.MarkTimeoutAsFetched && errors.Is(err, context.DeadlineExceeded) {
				mu.Lock()
				covered = append(covered, unit)
				mu.Unlock()
			}
			return err
		}

		blob := model.TileBlob{
			Style:      styleKey,
			Z:          xyz.Z,
			X:          xyz.X,
			Y:          xyz.Y,
			Data:       data,
			Downloaded: opts.Permanent,
			FetchedAt:  time.Now().UTC(),
			ExpiresAt:  now.Add(d.cfg.TransientTTL),
		}

		mu.Lock()
		pending = append(pending, blob)
		covered = append(covered, unit)
		bytes += int64(len(data))
		mu.Unlock()
		return nil
	})

	if report.Cancelled {
		log.Info("tile download cancelled", zap.Int("processed", report.Processed))
		d.manager.Finish(id, PhaseCancelled, "")
		return nil, nil
	}

	d.manager.Update(id, func(s *Snapshot) { s.Phase = PhaseSaving })

	region := model.Region{
		ID:          uuid.NewString(),
		Name:        regionName(opts.Name, model.RegionKindTiles),
		Kind:        model.RegionKindTiles,
		South:       bbox.South,
		North:       bbox.North,
		West:        bbox.West,
		East:        bbox.East,
		MinZoom:     minZoom,
		MaxZoom:     maxZoom,
		Categories:  []string{styleKey},
		EntityCount: saved,
		ByteSize:    bytes,
		FailedUnits: report.Failed,
		CompletedAt: time.Now().UTC(),
	}
	// Unit failures are absorbed, but losing the region summary means the
	// session's result is not addressable afterwards. That is unrecoverable.
	if err := d.store.InsertRegion(sctx, region); err != nil {
		log.Error("region summary insert failed", zap.Error(err))
		d.manager.Finish(id, PhaseError, "region summary not persisted")
		return nil, eris.Wrap(err, "engine: persist region summary")
	}

	d.manager.Update(id, func(s *Snapshot) { s.Warnings = warnings })
	d.manager.Finish(id, PhaseComplete, "")
	log.Info("tile download complete",
		zap.String("region", region.ID), zap.Int64("tiles", saved),
		zap.Int64("bytes", bytes), zap.Int("failed_units", report.Failed))
	return &region, nil
}
