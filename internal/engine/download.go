package engine

import (
	"context"
	"errors"
	"fmt"
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

// ErrSessionActive is returned when a download of the same kind is already
// running. Requests are rejected, never queued.
var ErrSessionActive = eris.New("engine: a download of this kind is already running")

// Config tunes the download pipeline.
type Config struct {
	// FineStep is the grid step for per-category downloads, BulkStep the
	// coarser step for bulk captures.
	FineStep float64
	BulkStep float64
	// SingleMaxKM is the single-query shortcut threshold.
	SingleMaxKM float64

	BatchWidth  int
	UnitTimeout time.Duration

	// TransientTTL is how long non-permanent rows and ledger entries live.
	TransientTTL time.Duration

	// MarkTimeoutAsFetched records timed-out units in the ledger anyway, so
	// a flaky upstream does not cause a retry storm on the next request.
	MarkTimeoutAsFetched bool
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{
		FineStep:             0.05,
		BulkStep:             0.2,
		SingleMaxKM:          250,
		BatchWidth:           DefaultBatchWidth,
		UnitTimeout:          DefaultUnitTimeout,
		TransientTTL:         7 * 24 * time.Hour,
		MarkTimeoutAsFetched: true,
	}
}

// POIOptions shape a POI download.
type POIOptions struct {
	// Name labels the resulting region summary.
	Name string
	// Categories to fetch; empty means every category the upstream serves.
	Categories []string
	// Bulk uses the coarse grid step.
	Bulk bool
	// Permanent marks rows as downloaded, exempting them from expiry.
	Permanent bool
}

// POIDownloader runs the POI pipeline: estimate via grid + ledger, fetch in
// paced retried batches, deduplicate, persist progressively, mark covered
// tiles, and record a region summary.
type POIDownloader struct {
	client   geodata.POIClient
	store    store.Store
	ledger   *ledger.Ledger
	pacer    *resilience.Pacer
	retry    resilience.RetryConfig
	breakers *resilience.BreakerSet
	manager  *Manager
	cfg      Config
}

// NewPOIDownloader wires the POI pipeline.
func NewPOIDownloader(client geodata.POIClient, st store.Store, led *ledger.Ledger,
	pacer *resilience.Pacer, retry resilience.RetryConfig,
	breakers *resilience.BreakerSet, manager *Manager, cfg Config) *POIDownloader {
	return &POIDownloader{
		client: client, store: st, ledger: led,
		pacer: pacer, retry: retry, breakers: breakers,
		manager: manager, cfg: cfg,
	}
}

// Download captures every POI of the requested categories inside bbox. A
// cancelled session is a normal outcome: it returns (nil, nil) and whatever
// was persisted before the cancel stays persisted.
func (d *POIDownloader) Download(ctx context.Context, bbox geo.BoundingBox, opts POIOptions) (*model.Region, error) {
	if err := bbox.Validate(); err != nil {
		return nil, eris.Wrap(err, "engine: poi download")
	}

	sess, sctx := d.manager.Start(ctx, model.RegionKindPOI)
	if sess == nil {
		return nil, ErrSessionActive
	}
	id := sess.ID()
	log := zap.L().With(zap.Int64("session", id))

	step := d.cfg.FineStep
	if opts.Bulk {
		step = d.cfg.BulkStep
	}
	cats := model.NewCategories(opts.Categories...)
	now := time.Now().UTC()

	d.manager.Update(id, func(s *Snapshot) { s.Phase = PhaseEstimating })
	units := geo.Units(bbox, step, d.cfg.SingleMaxKM)
	need := d.ledger.Unsatisfied(sctx, units, cats, now)
	log.Info("poi download estimated",
		zap.Int("units", len(units)), zap.Int("uncached", len(need)),
		zap.Strings("categories", opts.Categories))

	d.manager.Update(id, func(s *Snapshot) {
		s.Phase = PhaseDownloading
		s.Total = len(need)
	})

	saver := NewSaver(d.store)
	breaker := d.breakers.Get("poi")

	var (
		mu       sync.Mutex
		pending  []model.Entity
		covered  []geo.Tile
		saved    int64
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

			n, err := saver.SaveBatch(bctx, batch)
			if err != nil {
				warnings++
				log.Warn("batch persistence failed", zap.Int("entities", len(batch)), zap.Error(err))
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
				s.Warnings = warnings
			})
		},
	}, func(uctx context.Context, idx int) error {
		unit := need[idx]

		entities, err := resilience.DoVal(uctx, d.retry, func(actx context.Context) ([]model.Entity, error) {
			if err := d.pacer.Wait(actx); err != nil {
				return nil, err
			}
			return resilience.Call(actx, breaker, func(cctx context.Context) ([]model.Entity, error) {
				return d.client.FetchRegion(cctx, unit.Bounds, opts.Categories)
			})
		})
		if err != nil {
			// A timed-out unit still counts as covered when the policy says
			// so: empty-or-flaky ground should not be refetched every run.
			if d.cfg.MarkTimeoutAsFetched && errors.Is(err, context.DeadlineExceeded) {
				mu.Lock()
				covered = append(covered, unit)
				mu.Unlock()
			}
			return err
		}

		expires := now.Add(d.cfg.TransientTTL)
		for i := range entities {
			entities[i].Downloaded = opts.Permanent
			entities[i].ExpiresAt = expires
		}

		// Zero results still mark the tile: empty is not the same as uncached.
		mu.Lock()
		pending = append(pending, entities...)
		covered = append(covered, unit)
		mu.Unlock()
		return nil
	})

	if report.Cancelled {
		log.Info("poi download cancelled", zap.Int("processed", report.Processed))
		d.manager.Finish(id, PhaseCancelled, "")
		return nil, nil
	}

	d.manager.Update(id, func(s *Snapshot) { s.Phase = PhaseSaving })

	region := model.Region{
		ID:          uuid.NewString(),
		Name:        regionName(opts.Name, model.RegionKindPOI),
		Kind:        model.RegionKindPOI,
		South:       bbox.South,
		North:       bbox.North,
		West:        bbox.West,
		East:        bbox.East,
		Categories:  opts.Categories,
		EntityCount: saved,
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
	log.Info("poi download complete",
		zap.String("region", region.ID), zap.Int64("entities", saved),
		zap.Int("failed_units", report.Failed), zap.Int("warnings", warnings))
	return &region, nil
}

func regionName(name string, kind model.RegionKind) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s download %s", kind, time.Now().UTC().Format("2006-01-02 15:04"))
}
