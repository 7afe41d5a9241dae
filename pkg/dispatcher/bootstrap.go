package dispatcher

import (
	"fmt"
	"time"

	"github.com/mosaicfx/farmd/pkg/config"
	"github.com/mosaicfx/farmd/pkg/model"
	"github.com/mosaicfx/farmd/pkg/pools"
)

// Bootstrap brings the dispatcher state up before the loop starts: pools and
// workers from the configured backend, jobs from the store, licenses from
// the license file, then one settling pass over the tree.
func (d *Dispatcher) Bootstrap(backend pools.Backend) error {
	if d.store != nil && d.cfg.DBCleanData {
		if err := d.store.Clean(); err != nil {
			return fmt.Errorf("failed to clean store: %w", err)
		}
		d.logger.Warn().Msg("Store wiped on request")
	}

	// the inventory backend is authoritative for pools and render nodes;
	// it loads first so a later restore only fills in what it lacks
	if backend != nil {
		if err := d.loadPoolsBackend(backend); err != nil {
			return err
		}
	}

	restored := false
	if d.store != nil && d.cfg.DBEnable && !d.cfg.DBCleanData {
		start := time.Now()
		if err := d.store.Restore(d.Tree); err != nil {
			return fmt.Errorf("failed to restore state: %w", err)
		}
		restored = true
		d.logger.Info().
			Int("tasks", len(d.Tree.Tasks)).
			Int("render_nodes", len(d.Tree.RenderNodes)).
			Dur("took", time.Since(start)).
			Msg("State reloaded from store")
	}

	if backend != nil && d.store != nil {
		// rewrite the merged inventory so stale pools and workers do not
		// outlive the backend that dropped them
		if err := d.store.DropPoolsAndRenderNodes(); err != nil {
			return fmt.Errorf("failed to drop stored inventory: %w", err)
		}
		for _, pool := range d.Tree.Pools {
			d.Tree.MarkCreated(pool)
		}
		for _, rn := range d.Tree.RenderNodes {
			d.Tree.MarkCreated(rn)
		}
	}

	d.Tree.EnsureDefaultPool()

	for _, rn := range d.Tree.RenderNodes {
		rn.SetHistoryCap(2 * d.cfg.RenderNodeErrorsTolerance)
	}

	if d.cfg.LicenseFile != "" {
		if err := d.Licenses.LoadFile(d.cfg.LicenseFile); err != nil {
			d.logger.Warn().Err(err).Msg("License file not loaded, running without licenses")
		}
	}

	// settle the reloaded state exactly like a tick would
	d.Tree.UpdateCompletionAndStatus()
	d.updateRenderNodes()
	d.Tree.ValidateDependencies()
	if restored {
		// what was just read back does not need rewriting
		d.Tree.ResetModified()
	}
	return nil
}

// loadPoolsBackend recreates pools and render nodes from the configured
// inventory backend.
func (d *Dispatcher) loadPoolsBackend(backend pools.Backend) error {
	poolDescs, err := backend.ListPools()
	if err != nil {
		return fmt.Errorf("failed to list pools: %w", err)
	}
	for _, desc := range poolDescs {
		if _, exists := d.Tree.Pools[desc.Name]; !exists {
			d.Tree.AddPool(desc.Name)
		}
	}

	workers, err := backend.ListWorkers()
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}
	for _, worker := range workers {
		if _, exists := d.Tree.RenderNodes[worker.Name]; exists {
			continue
		}
		rn := model.NewRenderNode(d.Tree.AllocRenderNodeID(), worker.Name, worker.Host, worker.Port, worker.Cores, worker.Speed, worker.RAM, worker.Caracteristics)
		rn.SetHistoryCap(2 * d.cfg.RenderNodeErrorsTolerance)

		poolNames := poolsOfWorker(poolDescs, worker.Name)
		if err := d.Tree.AddRenderNode(rn, poolNames); err != nil {
			return err
		}
	}
	d.logger.Info().
		Int("pools", len(poolDescs)).
		Int("workers", len(workers)).
		Msg("Pool backend loaded")
	return nil
}

func poolsOfWorker(poolDescs []pools.PoolDesc, workerName string) []string {
	var names []string
	for _, desc := range poolDescs {
		for _, rn := range desc.RenderNodes {
			if rn == workerName {
				names = append(names, desc.Name)
			}
		}
	}
	return names
}

// BackendFor builds the pool backend selected by the configuration. The db
// backend returns nil: the store rehydration already covers it.
func BackendFor(cfg *config.Config) pools.Backend {
	switch cfg.PoolsBackendType {
	case config.PoolsBackendFile:
		return &pools.FileBackend{PoolsPath: cfg.PoolsFile(), WorkersPath: cfg.WorkersFile()}
	case config.PoolsBackendWS:
		return pools.NewWSBackend(cfg.WSBackendURL)
	default:
		return nil
	}
}
