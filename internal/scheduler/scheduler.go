package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/types"
)

// ErrInFlight is returned by a trigger while the same direction is already running.
var ErrInFlight = errors.New("sync already in flight")

type Inbound interface {
	Run(ctx context.Context) (types.SyncReport, error)
}

type Outbound interface {
	Drain(ctx context.Context) (types.DrainResult, error)
}

type Scheduler struct {
	inbound  Inbound
	outbound Outbound
	sink     types.ReportSink
	interval time.Duration
	logger   *zap.Logger

	inboundBusy  atomic.Bool
	outboundBusy atomic.Bool
	nudge        chan struct{}

	mu           sync.Mutex
	lastInbound  *types.SyncReport
	lastOutbound *types.DrainResult
	inboundAt    time.Time
	outboundAt   time.Time
	drains       int64
	skipped      atomic.Int64
}

// New builds a scheduler. sink may be nil.
func New(inbound Inbound, outbound Outbound, sink types.ReportSink, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger.Info("Creating sync scheduler", zap.Duration("drain_interval", interval))
	return &Scheduler{
		inbound:  inbound,
		outbound: outbound,
		sink:     sink,
		interval: interval,
		logger:   logger,
		nudge:    make(chan struct{}, 1),
	}
}

// Start runs the drain timer until ctx is done. A drain already running when
// ctx ends is allowed to finish before Start returns.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler loop")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	run := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler loop stopped")
			return
		case <-ticker.C:
			s.dispatch(run, &wg, "timer")
		case <-s.nudge:
			s.dispatch(run, &wg, "nudge")
		}
	}
}

// dispatch hands a trigger to the outbound guard off the loop goroutine, so a
// tick that fires while a drain runs meets ErrInFlight and is dropped.
func (s *Scheduler) dispatch(ctx context.Context, wg *sync.WaitGroup, reason string) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.drain(ctx, reason)
	}()
}

func (s *Scheduler) drain(ctx context.Context, reason string) {
	_, err := s.TriggerOutbound(ctx)
	switch {
	case errors.Is(err, ErrInFlight):
		s.skipped.Add(1)
		s.logger.Debug("Skipping drain, previous one still running", zap.String("reason", reason))
	case err != nil:
		s.logger.Warn("Scheduled drain failed", zap.String("reason", reason), zap.Error(err))
	}
}

// Nudge requests an early drain. Repeated nudges before the loop picks one up collapse into one.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

func (s *Scheduler) TriggerInbound(ctx context.Context) (types.SyncReport, error) {
	if !s.inboundBusy.CompareAndSwap(false, true) {
		return types.SyncReport{}, ErrInFlight
	}
	defer s.inboundBusy.Store(false)

	report, err := s.inbound.Run(ctx)

	s.mu.Lock()
	s.lastInbound = &report
	s.inboundAt = time.Now().UTC()
	s.mu.Unlock()

	if s.sink != nil {
		if perr := s.sink.PublishSync(ctx, report); perr != nil {
			s.logger.Warn("Failed to publish sync report", zap.String("cycle_id", report.CycleID), zap.Error(perr))
		}
	}
	return report, err
}

func (s *Scheduler) TriggerOutbound(ctx context.Context) (types.DrainResult, error) {
	if !s.outboundBusy.CompareAndSwap(false, true) {
		return types.DrainResult{}, ErrInFlight
	}
	defer s.outboundBusy.Store(false)

	result, err := s.outbound.Drain(ctx)

	s.mu.Lock()
	s.lastOutbound = &result
	s.outboundAt = time.Now().UTC()
	s.drains++
	s.mu.Unlock()

	// Empty drains happen every tick and are not worth a message.
	if s.sink != nil && (err != nil || result.Succeeded+result.Acknowledged+result.Quarantined+result.Failed > 0) {
		if perr := s.sink.PublishDrain(ctx, result); perr != nil {
			s.logger.Warn("Failed to publish drain result", zap.String("cycle_id", result.CycleID), zap.Error(perr))
		}
	}
	return result, err
}

type Status struct {
	InboundRunning  bool               `json:"inbound_running"`
	OutboundRunning bool               `json:"outbound_running"`
	LastInbound     *types.SyncReport  `json:"last_inbound,omitempty"`
	LastInboundAt   *time.Time         `json:"last_inbound_at,omitempty"`
	LastOutbound    *types.DrainResult `json:"last_outbound,omitempty"`
	LastOutboundAt  *time.Time         `json:"last_outbound_at,omitempty"`
	Drains          int64              `json:"drains"`
	SkippedDrains   int64              `json:"skipped_drains"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		InboundRunning:  s.inboundBusy.Load(),
		OutboundRunning: s.outboundBusy.Load(),
		Drains:          s.drains,
		SkippedDrains:   s.skipped.Load(),
	}
	if s.lastInbound != nil {
		r := *s.lastInbound
		at := s.inboundAt
		st.LastInbound, st.LastInboundAt = &r, &at
	}
	if s.lastOutbound != nil {
		r := *s.lastOutbound
		at := s.outboundAt
		st.LastOutbound, st.LastOutboundAt = &r, &at
	}
	return st
}
