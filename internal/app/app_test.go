package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"loyaltybot/internal/config"
	"loyaltybot/internal/loyalty"
	"loyaltybot/internal/notify"
	"loyaltybot/internal/storage"
	"loyaltybot/internal/transport"
	logx "loyaltybot/pkg/logx"

	rtsup "loyaltybot/internal/runtime/supervisor"
)

type recordingStore struct {
	storage.Store

	mu     sync.Mutex
	events []string
}

func (s *recordingStore) record(e string) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingStore) Grants(ctx context.Context, userID int64) ([]storage.Grant, error) {
	time.Sleep(50 * time.Millisecond) // a slow read still in flight at shutdown
	s.record("grants-read")
	return nil, nil
}

func (s *recordingStore) Close() error {
	s.record("close")
	return nil
}

type nopAdapter struct{}

func (nopAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (nopAdapter) Stop(ctx context.Context) error                               { return nil }
func (nopAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}
func (nopAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func validTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Telegram.Token = "t"
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = "./x.db"
	cfg.Loyalty.Promotion = "hookah"
	cfg.Loyalty.SlotSize = 20
	cfg.Notifications.Enabled = true
	cfg.Notifications.DailyAt = "12:00"
	return cfg
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"valid", func(*config.Config) {}, false},
		{"missing token", func(c *config.Config) { c.Telegram.Token = " " }, true},
		{"missing promotion", func(c *config.Config) { c.Loyalty.Promotion = "  " }, true},
		{"bad poll timeout", func(c *config.Config) { c.Telegram.PollTimeout = "soon" }, true},
		{"bad send gap", func(c *config.Config) { c.Notifications.MinSendGap = "-1s" }, true},
		{"slot size over 100", func(c *config.Config) { c.Loyalty.SlotSize = 150 }, true},
		{"bad daily time", func(c *config.Config) { c.Notifications.DailyAt = "25:00" }, true},
		{"bad daily time ignored when disabled", func(c *config.Config) {
			c.Notifications.Enabled = false
			c.Notifications.DailyAt = "25:00"
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTestConfig()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			if tc.wantErr && err == nil {
				t.Fatal("want error")
			}
			if !tc.wantErr && err != nil {
				t.Fatal(err)
			}
		})
	}
}

// A handler still reading the store when Stop begins must finish before the
// store is closed.
func TestStopDrainsHandlersBeforeClosingStorage(t *testing.T) {
	st := &recordingStore{}
	ad := nopAdapter{}
	eval := loyalty.NewEvaluator(st, loyalty.Config{Promotion: "hookah", SlotSize: 20})

	a := &App{
		log:     logx.Nop(),
		store:   st,
		adapter: ad,
		eval:    eval,
		notif:   notify.New(notify.Config{}, st, eval, nil, nil, logx.Nop()),
		rt:      newRouter(logx.Nop(), ad, st, eval, nil, nil, newAdminGate(st, nil)),
		updates: make(chan transport.Update, 8),
	}
	a.sup = rtsup.New(context.Background(), rtsup.WithLogger(a.log))
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})

	a.updates <- transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ChatID: 1,
			FromID: 1,
			Text:   "/rewards",
		},
	}
	time.Sleep(10 * time.Millisecond) // let the handler reach the store

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.events) != 2 || st.events[0] != "grants-read" || st.events[1] != "close" {
		t.Fatalf("events = %v, want the in-flight read before close", st.events)
	}
}
