// Package app wires configuration, storage, transport, and the loyalty
// services together, and routes incoming Telegram updates to them.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"loyaltybot/internal/approval"
	"loyaltybot/internal/config"
	"loyaltybot/internal/dispatch"
	"loyaltybot/internal/eventbus"
	"loyaltybot/internal/loyalty"
	"loyaltybot/internal/notify"
	"loyaltybot/internal/storage"
	"loyaltybot/internal/transport"
	"loyaltybot/internal/transport/telegram"
	logx "loyaltybot/pkg/logx"

	rtsup "loyaltybot/internal/runtime/supervisor"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	eval   *loyalty.Evaluator
	disp   *dispatch.Dispatcher
	bcast  *dispatch.Broadcaster
	notif  *notify.Service
	flow   *approval.Workflow
	admins *adminGate

	rt      *router
	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := cfg.PollTimeout()
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", storeCfg.Driver))

	eval := loyalty.NewEvaluator(store, mapLoyaltyConfig(cfg))
	admins := newAdminGate(store, cfg.Telegram.OwnerUserIDs)

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(adapter, dispCfg, bus, log.With(logx.String("comp", "dispatch")))
	bcast := dispatch.NewBroadcaster(disp, store, admins, bus, log.With(logx.String("comp", "broadcast")))

	notif := notify.New(mapNotifyConfig(cfg), store, eval, disp, bus, log.With(logx.String("comp", "notify")))

	flow := approval.New(store, eval, disp, admins, bus, log.With(logx.String("comp", "approval")))
	flow.SetMarkup(approvalMarkup)

	rt := newRouter(log.With(logx.String("comp", "commands")), adapter, store, eval, bcast, flow, admins)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: adapter,
		eval:    eval,
		disp:    disp,
		bcast:   bcast,
		notif:   notif,
		flow:    flow,
		admins:  admins,
		rt:      rt,
		updates: make(chan transport.Update, 256),
	}, nil
}

// approvalMarkup builds the approve/reject buttons attached to every admin
// fan-out message. The request id travels in the callback payload.
func approvalMarkup(requestID int64) any {
	id := strconv.FormatInt(requestID, 10)
	return telegram.InlineKeyboard([]telegram.InlineButton{
		{Text: "✅ Approve", Data: "approve:" + id},
		{Text: "❌ Reject", Data: "reject:" + id},
	})
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.notif.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})

	// Debug-log bus events for observability.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Config hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the live services. Storage
// driver changes require a restart and are only warned about.
func (a *App) applyConfig(prev, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(mapLoggingConfig(cfg))
	a.admins.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.eval.Apply(mapLoyaltyConfig(cfg))

	if dispCfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dispCfg)
	}

	if err := a.notif.Apply(mapNotifyConfig(cfg)); err != nil {
		a.log.Warn("invalid notification schedule; keeping previous", logx.Err(err))
	}

	if prev != nil && prev.Storage != cfg.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	// Storage closes last: supervised goroutines (command handlers, the
	// notify batch) may still be finishing reads against it.
	step("notify", 2*time.Second, func(c context.Context) error { return a.notif.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := cfg.PollTimeout(); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Loyalty.Promotion) == "" {
		return fmt.Errorf("loyalty.promotion is required")
	}
	if s := cfg.Loyalty.SlotSize; s < 0 || s > 100 {
		return fmt.Errorf("loyalty.slot_size must be in [0, 100]")
	}
	if cfg.Notifications.Enabled {
		if err := notify.Validate(mapNotifyConfig(cfg)); err != nil {
			return err
		}
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := cfg.BusyTimeout()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func mapLoyaltyConfig(cfg *config.Config) loyalty.Config {
	return loyalty.Config{
		Promotion: cfg.Loyalty.Promotion,
		SlotSize:  cfg.Loyalty.SlotSize,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	gap, err := cfg.MinSendGap()
	if err != nil {
		return dispatch.Config{}, err
	}
	timeout, err := cfg.SendTimeout()
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{MinSendGap: gap, SendTimeout: timeout}, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Enabled:  cfg.Notifications.Enabled,
		DailyAt:  cfg.Notifications.DailyAt,
		Timezone: cfg.Notifications.Timezone,
	}
}
