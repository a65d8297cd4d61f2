// Package server assembles the KMS subsystem: database, lock/cache service,
// job queue, audit sink, the internal KMS service, and the external KMS
// registry. Route and CLI wiring live elsewhere in the platform.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/keyfort/keyfort/internal/logging"
	"github.com/keyfort/keyfort/internal/server/audit"
	"github.com/keyfort/keyfort/internal/server/data"
	"github.com/keyfort/keyfort/internal/server/externalkms"
	"github.com/keyfort/keyfort/internal/server/keystore"
	"github.com/keyfort/keyfort/internal/server/kms"
	"github.com/keyfort/keyfort/internal/server/queue"
)

type Options struct {
	// DBConnectionString selects PostgreSQL. When empty the server runs on
	// an embedded SQLite database at DBFile.
	DBConnectionString string
	DBFile             string

	// Redis configures the shared lock/cache service. When Host is empty an
	// in-process store is used, which is only correct for single-node
	// deployments.
	Redis keystore.RedisOptions

	KMS kms.Options

	// RotationScanInterval is how often due keys are scanned for rotation.
	RotationScanInterval time.Duration

	// RotationWorkerConcurrency is how many rotation jobs run in parallel.
	RotationWorkerConcurrency int
}

func (o Options) rotationScanInterval() time.Duration {
	if o.RotationScanInterval <= 0 {
		return 24 * time.Hour
	}
	return o.RotationScanInterval
}

type Server struct {
	options     Options
	db          *data.DB
	store       keystore.KeyStore
	queue       *queue.Memory
	kms         *kms.Service
	externalKms *externalkms.Service
	routines    []routine
}

type routine struct {
	run  func() error
	stop func()
}

// New creates a Server with all dependencies initialized. The returned
// Server is ready to Run.
func New(options Options) (*Server, error) {
	driver, err := dbDriver(options)
	if err != nil {
		return nil, err
	}

	db, err := data.NewDB(driver)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	var store keystore.KeyStore
	if options.Redis.Host != "" {
		store, err = keystore.NewRedis(options.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	} else {
		logging.Warnf("no redis configured, using in-process locks; do not run multiple instances")
		store = keystore.NewMemory()
	}

	q := queue.NewMemory(store)
	kmsService := kms.NewService(db, store, q, audit.StructuredLogger{}, options.KMS)

	return &Server{
		options:     options,
		db:          db,
		store:       store,
		queue:       q,
		kms:         kmsService,
		externalKms: externalkms.NewService(db, kmsService, nil),
	}, nil
}

func dbDriver(options Options) (gorm.Dialector, error) {
	if options.DBConnectionString != "" {
		return data.NewPostgresDriver(options.DBConnectionString)
	}

	file := options.DBFile
	if file == "" {
		file = "keyfort.db"
	}
	return data.NewSQLiteDriver(file)
}

// KMS exposes the envelope encryption engine to the rest of the platform.
func (s *Server) KMS() *kms.Service {
	return s.kms
}

// ExternalKMS exposes the external KMS registry service.
func (s *Server) ExternalKMS() *externalkms.Service {
	return s.externalKms
}

// Run bootstraps the root key, then runs the rotation worker and the
// recurring rotation scan until ctx is done. A root key bootstrap failure is
// fatal and returned immediately; the server must not serve without it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.kms.Start(ctx); err != nil {
		return err
	}

	s.queue.RegisterWorker(kms.JobKeyRotation, queue.WorkerOptions{
		Concurrency: s.options.RotationWorkerConcurrency,
	}, s.kms.HandleRotationJob)

	s.registerJob(ctx, s.kms.RotationScan, s.options.rotationScanInterval())

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.queue.Run(ctx)
	})
	for i := range s.routines {
		group.Go(s.routines[i].run)
	}

	logging.Infof("kms server started")

	<-ctx.Done()
	for i := range s.routines {
		s.routines[i].stop()
	}

	err := group.Wait()

	if sqlDB, dbErr := s.db.DB.DB(); dbErr == nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			logging.L.Warn().Err(closeErr).Msg("failed to close database connection")
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
