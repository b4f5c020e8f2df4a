/*
Package app assembles a fieldcash runtime.

PURPOSE:
  The Runtime owns every long-lived component for one session: the bus,
  the queue, the sync engine and its scheduler, the reconciler and the
  stores behind them. Nothing here is global; tests build as many
  runtimes as they like.

LIFECYCLE:
  rt, _ := app.New(cfg, logger)     open stores, wire components
  rt.Start(ctx)                     recover queue, roll days, start scheduler
  rt.Stop()                         stop scheduler and loops, close stores

COLD START (Start):
  1. processing items left by a crash go back to pending
  2. close missing days, then ensure today's opening
  3. scheduler starts (its first flush drains the surviving queue)

DATE BOUNDARY:
  Every safety pulse compares today's operational date with the last one
  seen and reruns step 2 when it moved.

LIVE BALANCE:
  Ledger changes for the owner, flushed items, connectivity and foreground
  signals request a refresh. Requests are coalesced on one goroutine, and
  rollover plus refresh share a mutex, so the read-modify-write of the cash
  state never interleaves.
*/
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fieldcash/audit"
	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/config"
	"github.com/warp/fieldcash/events"
	"github.com/warp/fieldcash/events/kafka"
	"github.com/warp/fieldcash/queue"
	"github.com/warp/fieldcash/store/redisstate"
	"github.com/warp/fieldcash/store/sqlstore"
	"github.com/warp/fieldcash/syncer"
)

// Deps are the already-opened pieces a Runtime is assembled from.
type Deps struct {
	Session     cash.Session
	DeviceID    string
	Timezone    string
	Remote      cash.TxRemoteStore
	CashState   cash.CashStateStore
	QueueRecord queue.Persister
	Audit       audit.Sink
	Clock       cash.Clock
	Logger      *zap.Logger

	// Zero values keep the component defaults.
	Policy          queue.Policy
	StaleProcessing time.Duration
	BatchSize       int
	Debounce        time.Duration
	PulseInterval   time.Duration
	LookbackDays    int
}

// Runtime is one running session.
type Runtime struct {
	Session  cash.Session
	DeviceID string
	Logger   *zap.Logger
	Clock    cash.Clock

	Bus        *events.Bus
	Calendar   *cash.Calendar
	Queue      *queue.Store
	Remote     cash.TxRemoteStore
	CashState  cash.CashStateStore
	Aggregator *cash.Aggregator
	Reconciler *cash.Reconciler
	Applier    *syncer.Applier
	Engine     *syncer.Engine
	Scheduler  *syncer.Scheduler
	Audit      audit.Sink

	// dayMu serializes rollover and live balance writes.
	dayMu    sync.Mutex
	lastDate cash.Date

	liveKick chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	unsubs   []func()
	closers  []func() error

	consumer *kafka.Consumer

	startMu sync.Mutex
	started bool
}

// New opens the stores named in cfg and assembles a runtime.
func New(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func() error
	fail := func(err error) (*Runtime, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	device, err := sqlstore.Open("sqlite3", cfg.Device.Path)
	if err != nil {
		return fail(fmt.Errorf("open device database: %w", err))
	}
	closers = append(closers, device.Close)

	remote, err := sqlstore.Open(cfg.Remote.Driver, cfg.Remote.DSN)
	if err != nil {
		return fail(fmt.Errorf("open remote database: %w", err))
	}
	closers = append(closers, remote.Close)

	var state cash.CashStateStore = device
	if cfg.CashState.Backend == "redis" {
		rs, err := redisstate.New(redisstate.Config{
			Addr:     cfg.CashState.RedisAddr,
			Password: cfg.CashState.RedisPassword,
			DB:       cfg.CashState.RedisDB,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, rs.Close)
		state = rs
	}

	session := cash.Session{
		OwnerID:  cash.OwnerID(cfg.Session.OwnerID),
		TenantID: cfg.Session.TenantID,
		Role:     cfg.Session.Role,
		RouteID:  cfg.Session.RouteID,
	}

	rt := Assemble(Deps{
		Session:     session,
		DeviceID:    cfg.App.DeviceID,
		Timezone:    cfg.Calendar.Timezone,
		Remote:      remote,
		CashState:   state,
		QueueRecord: device.QueueRecord("queue:" + cfg.Session.OwnerID),
		Audit:       audit.NewZapSink(logger),
		Logger:      logger,
		Policy: queue.Policy{
			MaxAttempts: cfg.Sync.MaxAttempts,
			Base:        cfg.Sync.BaseBackoff,
			Max:         cfg.Sync.MaxBackoff,
		},
		StaleProcessing: cfg.Sync.StaleProcessing,
		BatchSize:       cfg.Sync.BatchSize,
		Debounce:        cfg.Sync.Debounce,
		PulseInterval:   cfg.Sync.PulseInterval,
		LookbackDays:    cfg.Rollover.LookbackDays,
	})
	rt.closers = closers

	if cfg.Kafka.Enabled {
		pub := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.App.DeviceID, logger)
		rt.unsubs = append(rt.unsubs, pub.Attach(rt.Bus))
		rt.closers = append(rt.closers, pub.Close)

		rt.consumer = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID,
			rt.Bus, cfg.Session.OwnerID, cfg.App.DeviceID, logger)
		rt.closers = append(rt.closers, rt.consumer.Close)
	}
	return rt, nil
}

// Assemble wires a runtime from opened stores. Nothing starts until Start.
func Assemble(d Deps) *Runtime {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := d.Clock
	if clock == nil {
		clock = cash.SystemClock{}
	}
	sink := d.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	logger = logger.With(zap.String("owner_id", string(d.Session.OwnerID)))

	bus := events.NewBus(logger)
	q := queue.NewStore(d.QueueRecord, bus, queue.WithClock(clock), queue.WithLogger(logger))

	reconciler := cash.NewReconciler(d.Remote, d.CashState, bus, logger)
	reconciler.Clock = clock
	if d.LookbackDays > 0 {
		reconciler.LookbackLimit = d.LookbackDays
	}

	applier := syncer.NewApplier(d.Remote, bus, sink, logger)
	applier.Clock = clock

	engine := syncer.NewEngine(q, applier, bus, logger)
	engine.Clock = clock
	if d.Policy.MaxAttempts > 0 {
		engine.Policy = d.Policy
	}
	if d.StaleProcessing > 0 {
		engine.StaleProcessing = d.StaleProcessing
	}

	scheduler := syncer.NewScheduler(engine, bus, logger)
	if d.BatchSize > 0 {
		scheduler.BatchSize = d.BatchSize
	}
	if d.Debounce > 0 {
		scheduler.Debounce = d.Debounce
	}
	if d.PulseInterval > 0 {
		scheduler.PulseInterval = d.PulseInterval
	}

	rt := &Runtime{
		Session:    d.Session,
		DeviceID:   d.DeviceID,
		Logger:     logger.Named("runtime"),
		Clock:      clock,
		Bus:        bus,
		Calendar:   cash.NewCalendar(d.Timezone, clock),
		Queue:      q,
		Remote:     d.Remote,
		CashState:  d.CashState,
		Aggregator: reconciler.Aggregator,
		Reconciler: reconciler,
		Applier:    applier,
		Engine:     engine,
		Scheduler:  scheduler,
		Audit:      sink,
		liveKick:   make(chan struct{}, 1),
	}
	scheduler.OnPulse = func(ctx context.Context) {
		if _, err := rt.CheckDateBoundary(ctx); err != nil {
			rt.Logger.Warn("date boundary check failed", zap.Error(err))
		}
	}
	return rt
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start runs the cold-start sequence and launches background work.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.startMu.Lock()
	defer rt.startMu.Unlock()
	if rt.started {
		return nil
	}

	recovered, err := rt.Queue.RecoverProcessing(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if recovered > 0 {
		rt.Logger.Info("recovered interrupted items", zap.Int("count", recovered))
	}

	rt.drainQueue(ctx, "cold start")
	if _, err := rt.Rollover(ctx); err != nil {
		// Rollover needs the remote; offline starts retry on the next pulse.
		rt.Logger.Warn("cold start rollover failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel

	owner := string(rt.Session.OwnerID)
	request := func(context.Context, events.Event) { rt.RequestLiveRefresh() }
	rt.unsubs = append(rt.unsubs,
		rt.Bus.Subscribe(events.TopicLedgerChanged, func(_ context.Context, e events.Event) {
			if e.OwnerID == "" || e.OwnerID == owner {
				rt.RequestLiveRefresh()
			}
		}),
		rt.Bus.Subscribe(events.TopicItemFlushed, request),
		rt.Bus.Subscribe(events.TopicConnectivity, request),
		rt.Bus.Subscribe(events.TopicForeground, request),
	)

	rt.wg.Add(1)
	go rt.liveLoop(runCtx)

	if rt.consumer != nil {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := rt.consumer.Run(runCtx); err != nil {
				rt.Logger.Warn("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	rt.Scheduler.Start(runCtx)
	rt.RequestLiveRefresh()
	rt.started = true
	rt.Logger.Info("runtime started", zap.String("today", string(rt.lastDateSeen())))
	return nil
}

// Stop halts background work and closes the stores New opened.
func (rt *Runtime) Stop() error {
	rt.startMu.Lock()
	defer rt.startMu.Unlock()

	rt.Scheduler.Stop()
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()

	for _, unsub := range rt.unsubs {
		unsub()
	}
	rt.unsubs = nil

	var firstErr error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rt.closers = nil
	rt.started = false
	return firstErr
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Today returns the session zone and its current operational date.
func (rt *Runtime) Today() (cash.Zone, cash.Date) {
	return rt.Calendar.Today("")
}

// Enqueue records an offline operation and requests a flush when online.
func (rt *Runtime) Enqueue(ctx context.Context, p queue.Payload) (queue.Item, error) {
	item, err := rt.Queue.Enqueue(ctx, p)
	if err != nil {
		return queue.Item{}, err
	}
	if rt.Scheduler.Online() {
		rt.Scheduler.Trigger()
	}
	return item, nil
}

// Rollover closes missing days and ensures today's opening for the owner.
func (rt *Runtime) Rollover(ctx context.Context) (cash.RolloverSummary, error) {
	zone, today := rt.Today()

	rt.dayMu.Lock()
	defer rt.dayMu.Unlock()

	summary, err := rt.Reconciler.Roll(ctx, rt.Session.OwnerID, today, zone.Name)
	if err != nil {
		return summary, err
	}
	rt.lastDate = today
	return summary, nil
}

// CheckDateBoundary reruns Rollover when the operational date moved since
// the last successful one.
func (rt *Runtime) CheckDateBoundary(ctx context.Context) (bool, error) {
	_, today := rt.Today()
	last := rt.lastDateSeen()
	if last == today {
		return false, nil
	}

	rt.Logger.Info("operational date changed", zap.String("from", string(last)), zap.String("to", string(today)))
	rt.drainQueue(ctx, "date boundary")
	if _, err := rt.Rollover(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// drainQueue applies every eligible queued item while online, so entries
// dated on a past day reach the ledger before that day is closed. Items
// that fail wait for their backoff and do not block the rollover.
func (rt *Runtime) drainQueue(ctx context.Context, reason string) {
	if !rt.Scheduler.Online() {
		return
	}
	size := rt.Scheduler.BatchSize
	if size <= 0 {
		size = syncer.DefaultBatchSize
	}
	for {
		res, err := rt.Engine.ProcessBatch(ctx, size)
		if err != nil {
			rt.Logger.Warn("pre-rollover flush failed", zap.String("reason", reason), zap.Error(err))
			return
		}
		if res.Attempted > 0 {
			rt.Logger.Info("pre-rollover flush",
				zap.String("reason", reason),
				zap.Int("flushed", res.Flushed),
				zap.Int("failed", res.Failed),
			)
		}
		if res.Attempted < size || res.Flushed == 0 {
			return
		}
	}
}

// RefreshLiveBalance recomputes today's live estimate now.
func (rt *Runtime) RefreshLiveBalance(ctx context.Context) (cash.DayKPIs, error) {
	_, today := rt.Today()

	rt.dayMu.Lock()
	defer rt.dayMu.Unlock()
	return rt.Reconciler.UpdateLiveBalance(ctx, rt.Session.OwnerID, today)
}

// RequestLiveRefresh schedules a coalesced live balance refresh.
func (rt *Runtime) RequestLiveRefresh() {
	select {
	case rt.liveKick <- struct{}{}:
	default:
	}
}

// RecordMovement writes a manual online movement for the session owner.
func (rt *Runtime) RecordMovement(ctx context.Context, subkind cash.EntryType, clientKey string, amount decimal.Decimal, concept, userID string) (cash.LedgerEntry, bool, error) {
	if !cash.IsMovementType(subkind) {
		return cash.LedgerEntry{}, false, cash.Invalid("type", fmt.Sprintf("%q is not a movement type", subkind))
	}
	if clientKey == "" {
		return cash.LedgerEntry{}, false, cash.Invalid("client_key", "required")
	}
	zone, today := rt.Today()

	entry, written, err := cash.WriteMovement(ctx, rt.Remote, cash.MovementInput{
		ID:        cash.ManualMovementID(subkind, clientKey),
		OwnerID:   rt.Session.OwnerID,
		TenantID:  rt.Session.TenantID,
		Type:      subkind,
		Amount:    amount,
		Date:      today,
		Timezone:  zone.Name,
		Source:    cash.SourceManual,
		Concept:   concept,
		CreatedAt: rt.Clock.Now(),
	})
	if err != nil {
		return cash.LedgerEntry{}, false, err
	}

	if written {
		rt.Audit.Record(ctx, audit.Record{
			UserID: userID,
			Action: "movement." + string(subkind),
			Path:   "ledger/" + entry.ID,
			After:  entry,
			At:     rt.Clock.Now(),
		})
		rt.Bus.Publish(ctx, events.Event{
			Topic:   events.TopicLedgerChanged,
			OwnerID: string(entry.OwnerID),
			Date:    string(entry.OperationalDate),
			Origin:  "manual",
		})
	}
	return entry, written, nil
}

func (rt *Runtime) lastDateSeen() cash.Date {
	rt.dayMu.Lock()
	defer rt.dayMu.Unlock()
	return rt.lastDate
}

func (rt *Runtime) liveLoop(ctx context.Context) {
	defer rt.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.liveKick:
			if _, err := rt.RefreshLiveBalance(ctx); err != nil && ctx.Err() == nil {
				rt.Logger.Debug("live balance refresh failed", zap.Error(err))
			}
		}
	}
}
