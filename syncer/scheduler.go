/*
scheduler.go - Flush triggers for the sync engine

PURPOSE:
  Decides when the engine runs. Connectivity-restored and app-foreground
  signals request a flush; requests arriving within the debounce window
  collapse into one. A periodic safety pulse flushes anyway in case a
  signal was missed, and gives the caller a hook for day-boundary checks.

DESIGN:
  - One run goroutine owns all flushes, so batches never overlap
  - Debounce is a time.AfterFunc reset on every request
  - The pulse is a time.Ticker
  - Nothing starts on construction; the owner calls Start and Stop once

USAGE:
  s := syncer.NewScheduler(engine, bus, logger)
  s.Start(ctx)
  defer s.Stop()
*/
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fieldcash/events"
)

const (
	DefaultDebounce      = 1500 * time.Millisecond
	DefaultPulseInterval = 60 * time.Second
	DefaultBatchSize     = 50
)

// Flusher runs one batch.
type Flusher interface {
	ProcessBatch(ctx context.Context, maxItems int) (BatchResult, error)
}

// Scheduler coalesces flush requests.
type Scheduler struct {
	Flusher       Flusher
	Bus           *events.Bus
	Debounce      time.Duration
	PulseInterval time.Duration
	BatchSize     int

	// OnPulse runs on every safety pulse before the flush.
	OnPulse func(ctx context.Context)

	logger *zap.Logger
	online atomic.Bool

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	ticker  *time.Ticker
	kick    chan struct{}
	stop    chan struct{}
	unsubs  []func()
	wg      sync.WaitGroup
}

func NewScheduler(f Flusher, bus *events.Bus, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		Flusher:       f,
		Bus:           bus,
		Debounce:      DefaultDebounce,
		PulseInterval: DefaultPulseInterval,
		BatchSize:     DefaultBatchSize,
		logger:        logger.Named("scheduler"),
	}
	s.online.Store(true)
	return s
}

// Start subscribes to platform signals and launches the run loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.kick = make(chan struct{}, 1)
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.PulseInterval)

	if s.Bus != nil {
		s.unsubs = append(s.unsubs,
			s.Bus.Subscribe(events.TopicConnectivity, s.onConnectivity),
			s.Bus.Subscribe(events.TopicForeground, func(context.Context, events.Event) { s.Trigger() }),
		)
	}

	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx), s.ticker, s.kick, s.stop)

	s.logger.Info("started",
		zap.Duration("debounce", s.Debounce),
		zap.Duration("pulse", s.PulseInterval),
	)

	// flush whatever survived the last session
	s.triggerLocked()
}

// Stop halts the run loop and waits for an in-flight flush.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.ticker.Stop()
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("stopped")
}

// Trigger requests a debounced flush.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerLocked()
}

func (s *Scheduler) triggerLocked() {
	if !s.running {
		return
	}
	if s.timer != nil {
		s.timer.Reset(s.Debounce)
		return
	}
	kick := s.kick
	s.timer = time.AfterFunc(s.Debounce, func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
}

// Online reports the last known connectivity.
func (s *Scheduler) Online() bool {
	return s.online.Load()
}

func (s *Scheduler) onConnectivity(_ context.Context, e events.Event) {
	if e.Message == "offline" {
		s.online.Store(false)
		return
	}
	s.online.Store(true)
	s.Trigger()
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker, kick <-chan struct{}, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-stop:
			return
		case <-kick:
			s.flush(ctx, "signal")
		case <-ticker.C:
			if s.OnPulse != nil {
				s.OnPulse(ctx)
			}
			if s.Online() {
				s.flush(ctx, "pulse")
			}
		}
	}
}

func (s *Scheduler) flush(ctx context.Context, reason string) {
	res, err := s.Flusher.ProcessBatch(ctx, s.BatchSize)
	if err != nil {
		s.logger.Warn("flush failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	if res.Attempted > 0 {
		s.logger.Debug("flush done",
			zap.String("reason", reason),
			zap.Int("flushed", res.Flushed),
			zap.Int("failed", res.Failed),
		)
	}
}
