// Package app wires the engine from configuration. Both binaries build on it.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/rpattn/imgexplorer/internal/api"
	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/backend/docindex"
	"github.com/rpattn/imgexplorer/internal/backend/warehouse"
	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/config"
	"github.com/rpattn/imgexplorer/internal/db"
	"github.com/rpattn/imgexplorer/internal/displayvalues"
	"github.com/rpattn/imgexplorer/internal/facets"
	"github.com/rpattn/imgexplorer/internal/jobqueue"
	"github.com/rpattn/imgexplorer/internal/manifest"
	"github.com/rpattn/imgexplorer/internal/records"
)

type App struct {
	Catalog   *catalog.Catalog
	Service   *api.Service
	Files     *manifest.LocalStore
	Labels    displayvalues.Source
	Publisher jobqueue.Publisher

	closers []func()
}

// Options toggles the parts of the wiring a caller may not want.
type Options struct {
	// Migrate applies the catalog schema before loading it.
	Migrate bool
	// Offline skips the catalog database entirely; Catalog.File must be set.
	Offline bool
}

// New connects to the configured stores and builds the service graph.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := zerolog.Ctx(ctx)
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var conn *db.Connection
	if !opts.Offline {
		if opts.Migrate {
			if err := db.RunMigrations(cfg.Database); err != nil {
				return nil, err
			}
		}
		var err error
		if conn, err = db.NewConnection(ctx, cfg.Database); err != nil {
			return nil, fmt.Errorf("catalog database: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
	}

	snap, err := loadSnapshot(ctx, cfg.Catalog, conn)
	if err != nil {
		return nil, err
	}
	if a.Catalog, err = catalog.New(snap); err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	report, err := a.Catalog.JoinReport()
	if err != nil {
		return nil, err
	}
	for st, missing := range report {
		for _, m := range missing {
			logger.Warn().Str("backend", string(st)).Str("from", m.From).Str("to", m.To).Msg("no join configured between sources")
		}
	}

	var wh backend.Warehouse
	if cfg.Warehouse.Host != "" && !opts.Offline {
		whConn, err := db.NewConnection(ctx, cfg.Warehouse)
		if err != nil {
			return nil, fmt.Errorf("warehouse database: %w", err)
		}
		a.closers = append(a.closers, whConn.Close)
		wh = warehouse.New(whConn.Pool)
	}
	var index backend.DocumentIndex
	if cfg.Index.BaseURL != "" {
		index = docindex.New(docindex.Config{
			BaseURL:  cfg.Index.BaseURL,
			Username: cfg.Index.Username,
			Password: cfg.Index.Password,
			Timeout:  cfg.Index.Timeout,
			RetryMax: cfg.Index.RetryMax,
		})
	}

	fetcher := records.New(a.Catalog, index, wh, records.Options{CaseInsensitive: cfg.Aggregation.CaseInsensitive})
	agg := facets.New(a.Catalog, index, wh, facets.Options{
		PollAttempts:    cfg.Aggregation.PollAttempts,
		PollInterval:    cfg.Aggregation.PollInterval,
		CaseInsensitive: cfg.Aggregation.CaseInsensitive,
		Rules:           cfg.Aggregation.Canonical,
	})

	mopts := []manifest.Option{
		manifest.WithSyncRowThreshold(cfg.Manifest.SyncRowThreshold),
		manifest.WithURLColumn(cfg.Manifest.URLColumn),
	}
	if cfg.Manifest.S3Bucket != "" {
		s3, err := manifest.NewS3Store(manifest.S3Config{
			Bucket:   cfg.Manifest.S3Bucket,
			Region:   cfg.Manifest.S3Region,
			Prefix:   cfg.Manifest.S3Prefix,
			Endpoint: cfg.Manifest.S3Endpoint,
			URLTTL:   cfg.Manifest.DownloadTTL,
		})
		if err != nil {
			return nil, err
		}
		mopts = append(mopts, manifest.WithStore(s3))
	} else {
		a.Files = manifest.NewLocalStore(cfg.Manifest.ExportDir, manifest.NewSigner(cfg.Manifest.SigningKey, cfg.Manifest.DownloadTTL))
		mopts = append(mopts, manifest.WithStore(a.Files))
	}
	if len(cfg.Manifest.KafkaBrokers) > 0 {
		pub, err := jobqueue.NewKafkaPublisher(jobqueue.KafkaConfig{
			Brokers:    cfg.Manifest.KafkaBrokers,
			Topic:      cfg.Manifest.KafkaTopic,
			MaxElapsed: cfg.Manifest.PublishTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.Publisher = pub
		a.closers = append(a.closers, func() {
			if err := pub.Close(); err != nil {
				logger.Error().Err(err).Msg("closing manifest job publisher")
			}
		})
		mopts = append(mopts, manifest.WithPublisher(pub))
	}

	if conn != nil {
		a.Labels = displayvalues.NewPGSource(conn.Pool)
	} else {
		a.Labels = api.CatalogLabels{Catalog: a.Catalog}
	}
	a.Service = api.NewService(a.Catalog, agg, fetcher, manifest.NewService(fetcher, mopts...), a.Labels)

	logger.Info().
		Bool("index", index != nil).
		Bool("warehouse", wh != nil).
		Bool("job_queue", a.Publisher != nil).
		Bool("s3", cfg.Manifest.S3Bucket != "").
		Msg("engine wired")
	ok = true
	return a, nil
}

func loadSnapshot(ctx context.Context, cfg config.CatalogConfig, conn *db.Connection) (catalog.Snapshot, error) {
	if cfg.File != "" {
		return catalog.LoadSnapshotFile(cfg.File)
	}
	if conn == nil {
		return catalog.Snapshot{}, fmt.Errorf("no catalog file configured and the catalog database is disabled")
	}
	var snap catalog.Snapshot
	err := conn.WithTx(ctx, db.ReadOnly, func(tx pgx.Tx) error {
		var err error
		snap, err = catalog.LoadSnapshot(ctx, tx)
		return err
	})
	return snap, err
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
