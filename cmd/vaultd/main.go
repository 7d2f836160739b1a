// Command vaultd wires every component into an explicit registry and runs
// a single-node ingest worker loop: no reflection-based autowiring, every
// dependency is constructed and passed by hand below.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libragraph-com/vault/internal/contenthash"
	"github.com/libragraph-com/vault/internal/format"
	"github.com/libragraph-com/vault/internal/index"
	"github.com/libragraph-com/vault/internal/ingest"
	"github.com/libragraph-com/vault/internal/lifecycle"
	"github.com/libragraph-com/vault/internal/objectstore"
	"github.com/libragraph-com/vault/internal/obslog"
	"github.com/libragraph-com/vault/internal/reconstruct"
	"github.com/libragraph-com/vault/internal/scheduler"
)

const (
	taskTypeIngest       = "ingest"
	taskTypeRebuild      = "rebuild_index"
	resourceIngestWorker = "ingest_worker"
)

// app holds every wired component, assembled once at startup and shared
// by the worker loop and any future HTTP/CLI surface (out of scope here).
type app struct {
	store     objectstore.Store
	db        *index.DB
	registry  *format.Registry
	pipeline  *ingest.Pipeline
	recon     *reconstruct.Reconstructor
	scheduler *scheduler.Scheduler
	lifecycle *lifecycle.Manager
}

func newApp(objectStoreDir, indexPath string) (*app, error) {
	registry := format.NewRegistry()
	registry.Register(format.ZipCriteria(), format.NewZipHandler)
	registry.Register(format.TarCriteria(), format.NewTarHandler)
	registry.Register(format.FallbackCriteria(), format.NewFallbackHandler)

	a := &app{registry: registry, lifecycle: lifecycle.NewManager()}

	if err := a.lifecycle.Register("objectstore", nil, lifecycle.Hooks{
		DoStart: func(ctx context.Context) error {
			store, err := objectstore.Open(objectStoreDir, 4096)
			if err != nil {
				return err
			}
			a.store = store
			return nil
		},
		DoStop: func(ctx context.Context) error { return a.store.Close() },
	}); err != nil {
		return nil, err
	}

	if err := a.lifecycle.Register("index", nil, lifecycle.Hooks{
		DoStart: func(ctx context.Context) error {
			db, err := index.Open(indexPath, index.Options{})
			if err != nil {
				return err
			}
			if err := index.Migrate(ctx, db); err != nil {
				db.Close()
				return err
			}
			a.db = db
			return nil
		},
		DoStop: func(ctx context.Context) error { return a.db.Close() },
	}); err != nil {
		return nil, err
	}

	if err := a.lifecycle.Register("ingest", []string{"objectstore", "index"}, lifecycle.Hooks{
		DoStart: func(ctx context.Context) error {
			a.pipeline = ingest.New(a.store, a.db, a.registry)
			return nil
		},
	}); err != nil {
		return nil, err
	}

	if err := a.lifecycle.Register("reconstruct", []string{"objectstore"}, lifecycle.Hooks{
		DoStart: func(ctx context.Context) error {
			a.recon = reconstruct.New(a.store, a.registry)
			return nil
		},
	}); err != nil {
		return nil, err
	}

	if err := a.lifecycle.Register("scheduler", []string{"index"}, lifecycle.Hooks{
		DoStart: func(ctx context.Context) error {
			s := scheduler.New(a.db)
			s.RegisterType(scheduler.TaskTypeSpec{Type: taskTypeIngest, RequiredResources: []string{resourceIngestWorker}})
			s.RegisterType(scheduler.TaskTypeSpec{Type: taskTypeRebuild})
			if err := s.SetResourceLimit(ctx, resourceIngestWorker, 4); err != nil {
				return err
			}
			a.scheduler = s
			return nil
		},
	}); err != nil {
		return nil, err
	}

	return a, nil
}

type ingestInput struct {
	TenantID int64  `json:"tenantId"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// runIngestTask executes one claimed "ingest" task: reads the file named
// in its input from local disk (a stand-in upload source; the core's
// external interfaces are programmatic only) and runs it through the
// pipeline.
func (a *app) runIngestTask(ctx context.Context, t *scheduler.Task) scheduler.Outcome {
	var in ingestInput
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return scheduler.Failed(fmt.Errorf("ingest task %d: decode input: %w", t.ID, err))
	}

	raw, err := os.ReadFile(in.Path)
	if err != nil {
		return scheduler.Failed(fmt.Errorf("ingest task %d: read %s: %w", t.ID, in.Path, err))
	}

	tenant := index.Tenant{ID: in.TenantID}
	blobID, isContainer, err := a.pipeline.Ingest(ctx, tenant, in.Filename, contenthash.NewBufferFromBytes(raw))
	if err != nil {
		return scheduler.Failed(err)
	}

	out, err := json.Marshal(map[string]any{"blobId": blobID, "isContainer": isContainer})
	if err != nil {
		return scheduler.Failed(err)
	}
	return scheduler.Complete(out)
}

// workerLoop claims and executes tasks of every registered type until ctx
// is cancelled, sleeping briefly between empty claims (a polling fallback
// alongside best-effort pub/sub notification).
func (a *app) workerLoop(ctx context.Context, nodeID string) {
	logger := obslog.WithComponent("worker")
	events, cancel := a.scheduler.Subscribe()
	defer cancel()

	if err := a.scheduler.RegisterNode(ctx, nodeID); err != nil {
		logger.Error().Err(err).Msg("register node")
		return
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
		case <-ticker.C:
			if err := a.scheduler.Heartbeat(ctx, nodeID); err != nil {
				logger.Warn().Err(err).Msg("heartbeat")
			}
			if n, err := a.scheduler.SweepStale(ctx); err != nil {
				logger.Warn().Err(err).Msg("sweep stale")
			} else if n > 0 {
				logger.Info().Int("count", n).Msg("reopened stale tasks")
			}
		}

		for {
			t, err := a.scheduler.Claim(ctx, nodeID)
			if err != nil {
				logger.Error().Err(err).Msg("claim")
				break
			}
			if t == nil {
				break
			}
			outcome := a.dispatch(ctx, t)
			if err := a.scheduler.Release(ctx, t.ID, outcome); err != nil {
				logger.Error().Err(err).Int64("task_id", t.ID).Msg("release")
			}
		}
	}
}

func (a *app) dispatch(ctx context.Context, t *scheduler.Task) scheduler.Outcome {
	switch t.Type {
	case taskTypeIngest:
		return a.runIngestTask(ctx, t)
	case taskTypeRebuild:
		err := reconstruct.SqlRebuild(ctx, a.store, a.db, false, nil)
		if err != nil {
			return scheduler.Failed(err)
		}
		out, _ := json.Marshal(map[string]bool{"ok": true})
		return scheduler.Complete(out)
	default:
		return scheduler.Failed(fmt.Errorf("unknown task type %q", t.Type))
	}
}

func main() {
	objectStoreDir := flag.String("objectstore", "./data/objects", "object storage directory")
	indexPath := flag.String("index", "./data/vault.db", "sqlite index path")
	nodeID := flag.String("node", "vaultd-1", "node id for task claims")
	flag.Parse()

	logger := obslog.WithComponent("vaultd")

	a, err := newApp(*objectStoreDir, *indexPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("wire components")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.lifecycle.StartAll(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start services")
	}
	logger.Info().Msg("vaultd started")

	go a.workerLoop(ctx, *nodeID)

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range []string{"scheduler", "reconstruct", "ingest", "index", "objectstore"} {
		if err := a.lifecycle.Stop(shutdownCtx, name); err != nil {
			logger.Warn().Str("service", name).Err(err).Msg("stop")
		}
	}
}
