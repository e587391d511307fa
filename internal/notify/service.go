// Package notify runs the daily progress notification batch: once per
// configured time-of-day, every user's eligibility is evaluated and an
// appropriate message is pushed through the shared dispatcher.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"loyaltybot/internal/dispatch"
	"loyaltybot/internal/eventbus"
	"loyaltybot/internal/loyalty"
	"loyaltybot/internal/storage"
	logx "loyaltybot/pkg/logx"
)

type Config struct {
	Enabled  bool
	DailyAt  string // "HH:MM" in the configured timezone
	Timezone string // IANA TZ, e.g. "Europe/Moscow"; empty means Local
}

// Service owns the daily trigger. The batch itself is exposed as RunOnce so
// operators can also fire it manually.
type Service struct {
	store storage.Store
	eval  *loyalty.Evaluator
	d     *dispatch.Dispatcher
	bus   eventbus.Bus
	log   logx.Logger

	mu     sync.Mutex
	cfg    Config
	parser cron.Parser
	c      *cron.Cron

	// runCtx holds the context passed to Start. trigger reads it from here
	// instead of under s.mu: Apply and Stop drain the cron outside the lock,
	// and a fired job blocked on s.mu would never let that drain finish.
	runCtx atomic.Value // context.Context

	// running guards against a trigger firing while the previous batch is
	// still dispatching; overlapping batches would double the send rate.
	running atomic.Bool
}

func New(cfg Config, store storage.Store, eval *loyalty.Evaluator, d *dispatch.Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  store,
		eval:   eval,
		d:      d,
		bus:    bus,
		log:    log.With(logx.String("svc", "notify")),
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the daily trigger. Idempotent; a disabled config leaves
// the service idle.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.runCtx.Store(ctx)
	if !s.cfg.Enabled {
		s.log.Info("daily notifications disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) started() bool {
	_, ok := s.runCtx.Load().(context.Context)
	return ok
}

func (s *Service) startLocked() error {
	if s.c != nil {
		return nil
	}
	spec, err := dailySpec(s.cfg.DailyAt)
	if err != nil {
		return err
	}
	loc := s.loadLocationLocked()

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.trigger); err != nil {
		return fmt.Errorf("register daily trigger: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("daily trigger armed",
		logx.String("at", s.cfg.DailyAt),
		logx.String("tz", loc.String()))
	return nil
}

// Stop unregisters the trigger and waits (bounded by ctx) for an in-flight
// batch's cron slot to drain.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps schedule config at runtime, rearming the trigger if the
// service is live and the time-of-day, timezone, or enablement changed.
//
// The cron drain happens with s.mu released: cron's Stop() completes only
// after running jobs return, and a job that fired just before the reload
// must be able to make progress while we wait.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	if cfg == s.cfg {
		s.mu.Unlock()
		return nil
	}
	s.cfg = cfg
	started := s.started()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if !started {
		return nil // not started yet; Start picks up the new config
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("daily notifications disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) trigger() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("daily batch still running, skipping trigger")
		return
	}
	defer s.running.Store(false)

	ctx, ok := s.runCtx.Load().(context.Context)
	if !ok {
		ctx = context.Background()
	}

	rep, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error("daily batch failed", logx.Err(err))
		return
	}
	s.log.Info("daily batch finished",
		logx.Int("recipients", rep.Recipients),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed))
}

// RunOnce executes one full notification batch. A user-list fetch failure
// aborts the whole run before any send; a single user's evaluation or send
// failure is logged and contained.
func (s *Service) RunOnce(ctx context.Context) (dispatch.Report, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("list users: %w", err)
	}

	started := time.Now()
	rep := dispatch.Report{Recipients: len(users)}
	for _, u := range users {
		el, err := s.eval.EvaluateUser(ctx, u.ID)
		if err != nil {
			s.log.Warn("evaluation failed, skipping user",
				logx.Int64("user", u.ID), logx.Err(err))
			continue
		}
		text, ok := s.messageFor(el)
		if !ok {
			continue
		}
		rep.Attempted++
		if err := s.d.Send(ctx, u.ID, text, nil); err != nil {
			rep.Failed++
			continue
		}
		rep.Sent++
	}

	s.log.Debug("batch dispatched", logx.Duration("took", time.Since(started)))
	if aerr := s.store.AppendAudit(ctx, storage.AuditEntry{
		Action: "daily_notify",
		OK:     rep.Sent,
		Fail:   rep.Failed,
	}); aerr != nil {
		s.log.Warn("audit append failed", logx.Err(aerr))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFinished, Data: eventbus.BatchResult{
			Recipients: rep.Recipients,
			Attempted:  rep.Attempted,
			Sent:       rep.Sent,
			Failed:     rep.Failed,
		}})
	}
	return rep, nil
}

// messageFor maps eligibility to the outbound text. The bool is false when
// the user should receive nothing this cycle.
func (s *Service) messageFor(el loyalty.Eligibility) (string, bool) {
	switch el.State {
	case loyalty.RewardReady:
		return "🎉 Your free reward is ready! Come by and use /redeem to claim it.", true
	case loyalty.InProgress:
		if el.SlotsRemaining <= 0 {
			return "", false
		}
		slot := s.eval.Config().SlotSize
		bar := loyalty.Bar(el.Progress, slot)
		noun := "purchases"
		if el.SlotsRemaining == 1 {
			noun = "purchase"
		}
		return fmt.Sprintf("%s\nOnly %d %s left until your free reward!",
			bar, el.SlotsRemaining, noun), true
	default:
		return "", false
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Validate checks a schedule config without arming anything. Used by the
// config manager's pre-commit hook so a bad hot-reload is rejected.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := dailySpec(cfg.DailyAt); err != nil {
		return fmt.Errorf("notifications.daily_at: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("notifications.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func dailySpec(atHHMM string) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

func parseHHMM(s string) (h, m int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err = strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err = strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
