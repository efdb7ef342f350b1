package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"tessera/internal/config"
	"tessera/internal/identifier"
	"tessera/internal/jobs"
	"tessera/internal/logging"
	"tessera/internal/orchestrator"
	"tessera/internal/webhook"
)

// Daemon owns the long-running pieces: the job store, the orchestrator and
// its monitors, the webhook ingestor, the API server, and the retention
// sweep. One instance per data directory, enforced with a file lock.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *jobs.Store
	orch     *orchestrator.Orchestrator
	ingestor *webhook.Ingestor
	codec    *identifier.Codec

	lock      *flock.Flock
	apiServer *APIServer
	startedAt time.Time

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	stopOnce sync.Once
}

// New wires a daemon from already-constructed components.
func New(cfg *config.Config, store *jobs.Store, orch *orchestrator.Orchestrator, ingestor *webhook.Ingestor, codec *identifier.Codec, logger *slog.Logger) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		store:    store,
		orch:     orch,
		ingestor: ingestor,
		codec:    codec,
		lock:     flock.New(filepath.Join(cfg.Paths.DataDir, "tesserad.lock")),
	}
	d.apiServer = NewAPIServer(cfg, d, logger)
	return d
}

// Start acquires the instance lock, resumes monitors for jobs that were
// active at last shutdown, and brings up the API server and retention sweep.
func (d *Daemon) Start(ctx context.Context) error {
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance holds %s", d.lock.Path())
	}

	d.startedAt = time.Now()
	if err := d.orch.ResumeActive(ctx); err != nil {
		d.releaseLock()
		return fmt.Errorf("resume active jobs: %w", err)
	}
	if err := d.apiServer.Start(); err != nil {
		d.releaseLock()
		return err
	}
	d.startSweep()

	d.logger.Info("daemon started",
		logging.String("bind", d.cfg.Paths.APIBind),
		logging.Int("pid", os.Getpid()),
	)
	return nil
}

// Stop shuts everything down in dependency order: API first so no new work
// arrives, then monitors, then storage.
func (d *Daemon) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		d.logger.Info("daemon stopping")
		if d.sweepCancel != nil {
			d.sweepCancel()
			<-d.sweepDone
		}
		d.apiServer.Stop(ctx)
		d.orch.Close()
		if err := d.store.Close(); err != nil {
			d.logger.Warn("store close failed", logging.Error(err))
		}
		d.releaseLock()
		d.logger.Info("daemon stopped")
	})
}

func (d *Daemon) releaseLock() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("could not release daemon lock", logging.Error(err))
	}
}

// startSweep runs the retention cleanup once an hour. retention_days zero
// disables pruning entirely.
func (d *Daemon) startSweep() {
	ctx, cancel := context.WithCancel(context.Background())
	d.sweepCancel = cancel
	d.sweepDone = make(chan struct{})

	go func() {
		defer close(d.sweepDone)
		if d.cfg.Workflow.RetentionDays <= 0 {
			return
		}
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		d.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweep(ctx)
			}
		}
	}()
}

func (d *Daemon) sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -d.cfg.Workflow.RetentionDays)
	pruned, err := d.store.PruneTerminal(ctx, cutoff)
	if err != nil {
		d.logger.Warn("retention sweep failed", logging.Error(err))
		return
	}
	receipts, err := d.store.PruneReceipts(ctx, cutoff)
	if err != nil {
		d.logger.Warn("receipt sweep failed", logging.Error(err))
		return
	}
	if pruned > 0 || receipts > 0 {
		d.logger.Info("retention sweep completed",
			logging.Int64("jobs_pruned", pruned),
			logging.Int64("receipts_pruned", receipts),
		)
	}
}
