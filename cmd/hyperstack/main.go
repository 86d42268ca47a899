// Command hyperstack runs the full ingest-transform-fan-out pipeline
// described across spec.md: an upstream event source feeds a per-entity
// VM set (C3), a slot scheduler drives URL-resolver fetches (C4), the
// projector turns mutations into view frames (C5) over the bus (C6), and
// the WebSocket gateway (C7) serves subscribers. Everything is wired
// here; every package above only knows its own concern.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/R3E-Network/hyperstack/internal/audit"
	"github.com/R3E-Network/hyperstack/internal/bus"
	"github.com/R3E-Network/hyperstack/internal/health"
	"github.com/R3E-Network/hyperstack/internal/projector"
	"github.com/R3E-Network/hyperstack/internal/scheduler"
	"github.com/R3E-Network/hyperstack/internal/slottrack"
	"github.com/R3E-Network/hyperstack/internal/source"
	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/internal/vm"
	"github.com/R3E-Network/hyperstack/internal/vmcompile"
	"github.com/R3E-Network/hyperstack/internal/wsgateway"
	"github.com/R3E-Network/hyperstack/pkg/config"
	"github.com/R3E-Network/hyperstack/pkg/logger"
	"github.com/R3E-Network/hyperstack/pkg/metrics"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
	root := log.Component("main")
	root.WithField("environment", cfg.Environment).Info("starting hyperstack")

	spec, err := specast.Load(cfg.SpecPath)
	if err != nil {
		root.WithError(err).Fatal("load spec")
	}
	compiled := vmcompile.Compile(spec, cfg.PathCacheSize)
	m := metrics.New()

	auditRecorder, auditDB := buildAudit(cfg.AuditDSN, log)
	if auditDB != nil {
		defer auditDB.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			root.WithError(err).Fatal("parse redis url")
		}
		redisClient = redis.NewClient(opt)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := slottrack.NewPersistent(redisClient, "hyperstack:resume_slot")
	if resumed, err := tracker.Load(ctx); err != nil {
		root.WithError(err).Warn("load resume slot, starting from 0")
	} else if resumed > 0 {
		root.WithField("resume_slot", resumed).Info("resumed slot tracker from redis")
	}

	vmCfg := vm.Config{
		PendingMaxTotal:      cfg.PendingMaxTotal,
		PendingMaxPerPDA:     cfg.PendingMaxPerPDA,
		PendingMaxRetries:    cfg.PendingMaxRetries,
		PendingStaleness:     cfg.PendingStaleness,
		FlushCascadeMaxDepth: cfg.FlushCascadeMaxDepth,
		UniqueCountExactCap:  cfg.UniqueCountExactSetCap,
		DefaultMaxAppendLen:  cfg.DefaultMaxAppendLen,
	}
	vms := make(map[string]*vm.VM, len(compiled.Entities))
	fetchWorkers := make(map[string]*scheduler.FetchWorker, len(compiled.Entities))
	for _, name := range compiled.EntityOrder {
		entity := compiled.Entities[name]
		machine := vm.New(entity, vmCfg, m, log, auditRecorder)
		vms[name] = machine
		fetchWorkers[name] = scheduler.NewFetchWorker(
			snapshotFuncFor(machine), cfg.FetchRatePerSec, cfg.FetchBurst, cfg.FetchTimeout,
		)
	}

	monitor := health.NewMonitor(health.Config{HeartbeatInterval: cfg.HeartbeatInterval, HealthCheckTimeout: 10 * time.Second}, root)
	healthSrv := health.NewServer(monitor, root)

	slotSched := scheduler.New()
	mutations := make(chan []vm.Mutation, cfg.MutationQueueSize)

	dispatch := buildDispatch(compiled, vms, slotSched, cfg.ResolveDelaySlots)

	eventSource := source.NewYellowstoneSource(cfg.SourceEndpoint, cfg.SourceXToken)
	driver := source.NewDriver(eventSource, tracker.Tracker, monitor, dispatch, mutations, root.WithField("component", "source"))

	instanceID := fmt.Sprintf("hyperstack-%d", os.Getpid())
	busManager := bus.NewManager(cfg.BroadcastBufferSize, redisClient, instanceID, log.Logger)
	viewIndex := projector.NewViewIndex(spec)
	proj := projector.New(viewIndex, busManager, m, log)

	snapProvider := &vmSnapshotProvider{vms: vms}
	wsSrv := wsgateway.NewServer(viewIndex, busManager, snapProvider, m, log, cfg.WSClientQueueSize, cfg.WSClientTimeout)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() { defer wg.Done(); monitor.Run(ctx) }()

	adminHTTP := &http.Server{Addr: cfg.AdminListenAddr, Handler: healthSrv.Handler()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		root.WithField("addr", cfg.AdminListenAddr).Info("admin http listening")
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			root.WithError(err).Error("admin http server")
		}
	}()

	wsHTTP := &http.Server{Addr: cfg.WSListenAddr, Handler: wsSrv.Router()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		root.WithField("addr", cfg.WSListenAddr).Info("websocket gateway listening")
		if err := wsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			root.WithError(err).Error("websocket http server")
		}
	}()

	wg.Add(1)
	go func() { defer wg.Done(); wsSrv.RunStaleSweep(ctx, cfg.WSSweepInterval) }()

	wg.Add(1)
	go func() { defer wg.Done(); proj.Run(ctx, mutations) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runScheduler(ctx, slotSched, fetchWorkers, vms, mutations, tracker.Tracker, cfg.SchedulerTickInterval, root)
	}()

	wg.Add(1)
	go func() { defer wg.Done(); runSweeper(ctx, vms, cfg.PendingStaleness, root) }()

	wg.Add(1)
	go func() { defer wg.Done(); driver.Run(ctx) }()

	if auditRecorder != nil {
		wg.Add(1)
		go func() { defer wg.Done(); auditRecorder.Run(ctx) }()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	root.Info("shutdown signal received, draining parser -> vm -> projector -> websocket")

	cancel() // stops driver, scheduler, sweeper, projector, monitor, audit recorder
	_ = wsHTTP.Shutdown(context.Background())

	if err := tracker.Save(context.Background()); err != nil {
		root.WithError(err).Warn("persist resume slot on shutdown")
	}

	wg.Wait()
	_ = adminHTTP.Shutdown(context.Background()) // admin server stopped last, per spec.md §5
	root.Info("hyperstack stopped")
}

// buildAudit opens the optional audit database, running embedded
// migrations before handing back a Recorder. An empty dsn disables
// audit persistence entirely: the returned *sql.DB is nil and the
// Recorder has no store, so its RecordAsync is a no-op and its Run just
// waits for cancellation.
func buildAudit(dsn string, log *logger.Logger) (*audit.Recorder, *sql.DB) {
	entry := log.Component("audit")
	if dsn == "" {
		entry.Info("audit DSN not configured, audit persistence disabled")
		return audit.NewRecorder(nil, entry), nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		entry.WithError(err).Fatal("open audit database")
	}
	if err := audit.Migrate(db); err != nil {
		entry.WithError(err).Fatal("run audit migrations")
	}

	store := audit.NewStore(sqlx.NewDb(db, "postgres"))
	return audit.NewRecorder(store, entry), db
}

func snapshotFuncFor(v *vm.VM) scheduler.SnapshotFunc {
	return func(key string) (map[string]interface{}, bool) { return v.Snapshot(key) }
}

// buildDispatch returns the fan-out every decoded event is handed to:
// each entity VM that declares interest processes it, and any
// ResolveOpcode-bearing entity touched by the event gets its fields'
// first scheduled fetch registered resolveDelaySlots ahead of the
// event's own slot. spec.md §4.4 describes URL-resolvers firing "on a
// future slot" without naming the exact offset — that interval is an
// on-chain settling delay, not a VM invariant, so it is a config knob
// (HYPERSTACK_RESOLVE_DELAY_SLOTS) rather than a hardcoded constant.
func buildDispatch(compiled *vmcompile.CompiledSpec, vms map[string]*vm.VM, sched *scheduler.SlotScheduler, resolveDelaySlots int) source.Dispatch {
	return func(eventType string, payload []byte, ctx vm.EventContext) []vm.Mutation {
		var all []vm.Mutation
		for _, name := range compiled.EntityOrder {
			entity := compiled.Entities[name]
			if !entity.InterestedIn(eventType) {
				continue
			}
			machine := vms[name]
			muts := machine.ProcessEvent(eventType, payload, nil, ctx)
			all = append(all, muts...)

			if len(entity.ResolveOpcodes) == 0 || len(muts) == 0 {
				continue
			}
			target := ctx.Slot + uint64(resolveDelaySlots)
			for _, mut := range muts {
				for _, ro := range entity.ResolveOpcodes {
					sched.Register(target, scheduler.ScheduledCallback{
						EntityName:  name,
						Key:         mut.Key,
						TargetField: ro.TargetField,
						URLTemplate: ro.URLTemplate,
						Extract:     ro.Extract,
						Strategy:    ro.Strategy,
						Transform:   ro.Transform,
					})
				}
			}
		}
		return all
	}
}

// runScheduler ticks the slot scheduler against the tracker's current
// slot, dispatching every due callback to its entity's fetch worker and
// re-registering failures one slot past the current one (spec.md §5's
// "retried via the scheduler (next slot window) on failure").
func runScheduler(ctx context.Context, sched *scheduler.SlotScheduler, workers map[string]*scheduler.FetchWorker, vms map[string]*vm.VM, mutations chan<- []vm.Mutation, tracker *slottrack.Tracker, interval time.Duration, log *logrus.Entry) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSlot := tracker.Current()
			for _, cb := range sched.TakeDue(currentSlot) {
				worker, ok := workers[cb.EntityName]
				if !ok {
					continue
				}
				result := worker.Fetch(ctx, cb)
				if result.Err != nil {
					if cb.RetryCount < scheduler.MaxRetries {
						cb.RetryCount++
						sched.ReRegister(cb, currentSlot+1)
					} else {
						log.WithField("entity", cb.EntityName).WithField("key", cb.Key).
							Warn("resolver fetch exceeded max retries, dropped")
					}
					continue
				}
				machine := vms[cb.EntityName]
				if mutation := machine.ApplyResolved(cb.Key, cb.TargetField, result.Value, cb.Strategy, cb.Transform); mutation != nil {
					select {
					case mutations <- []vm.Mutation{*mutation}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}
}

// runSweeper periodically expires stale/over-retried pending updates on
// every VM (spec.md §4.3.3's staleness timer), on a cadence derived from
// the configured staleness window so a record can't sit queued much
// longer than the window itself implies.
func runSweeper(ctx context.Context, vms map[string]*vm.VM, staleness time.Duration, log *logrus.Entry) {
	interval := staleness / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, machine := range vms {
				if n := machine.Sweep(); n > 0 {
					log.WithField("entity", name).WithField("expired", n).Debug("pending sweep")
				}
			}
		}
	}
}

// vmSnapshotProvider implements wsgateway.SnapshotProvider over the live
// VM set: a subscription's synthetic snapshot frame (spec.md §4.7) reads
// whichever VM owns the view's entity.
type vmSnapshotProvider struct {
	vms map[string]*vm.VM
}

func (p *vmSnapshotProvider) Snapshot(view *specast.View, key string) []wsgateway.SnapshotItem {
	machine, ok := p.vms[view.EntityName]
	if !ok {
		return nil
	}
	if key != "" {
		fields, ok := machine.Snapshot(key)
		if !ok {
			return nil
		}
		return []wsgateway.SnapshotItem{{Key: key, Data: fields}}
	}
	keys := machine.Keys()
	items := make([]wsgateway.SnapshotItem, 0, len(keys))
	for _, k := range keys {
		fields, ok := machine.Snapshot(k)
		if !ok {
			continue
		}
		items = append(items, wsgateway.SnapshotItem{Key: k, Data: fields})
	}
	return items
}
