package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"loyaltybot/internal/dispatch"
	"loyaltybot/internal/loyalty"
	"loyaltybot/internal/storage"
	"loyaltybot/internal/transport"
	logx "loyaltybot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent map[int64]string
	err  error
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{sent: map[int64]string{}} }

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.sent[to.ChatID] = text
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (f *fakeAdapter) message(id int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sent[id]
	return s, ok
}

type fakeStore struct {
	storage.Store

	users    []storage.User
	listErr  error
	counters map[int64][]storage.Counter
	grants   map[int64][]storage.Grant
	evalErr  map[int64]error
}

func (s *fakeStore) ListUsers(ctx context.Context) ([]storage.User, error) {
	return s.users, s.listErr
}

func (s *fakeStore) Counters(ctx context.Context, userID int64) ([]storage.Counter, error) {
	if err := s.evalErr[userID]; err != nil {
		return nil, err
	}
	return s.counters[userID], nil
}

func (s *fakeStore) Grants(ctx context.Context, userID int64) ([]storage.Grant, error) {
	return s.grants[userID], nil
}

func (s *fakeStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error { return nil }

func newService(st *fakeStore, ad *fakeAdapter) *Service {
	eval := loyalty.NewEvaluator(st, loyalty.Config{Promotion: "hookah", SlotSize: 20})
	d := dispatch.New(ad, dispatch.Config{MinSendGap: time.Millisecond}, nil, logx.Nop())
	return New(Config{Enabled: true, DailyAt: "12:00"}, st, eval, d, nil, logx.Nop())
}

func TestRunOnceMessageSelection(t *testing.T) {
	st := &fakeStore{
		users: []storage.User{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}},
		counters: map[int64][]storage.Counter{
			1: {{Name: "hookah", Progress: 60}},  // 2 to go
			2: {{Name: "hookah", Progress: 100}}, // ready
			3: {{Name: "coffee", Progress: 40}},  // not enrolled
		},
		grants: map[int64][]storage.Grant{
			4: {{Used: false}}, // ready via grant, no counter
		},
	}
	ad := newFakeAdapter()
	s := newService(st, ad)

	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Recipients != 4 || rep.Attempted != 3 || rep.Sent != 3 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want recipients 4, attempted/sent 3", rep)
	}

	if msg, ok := ad.message(1); !ok || msg == "" {
		t.Error("in-progress user got no message")
	} else if !strings.HasPrefix(msg, "▰▰▰▱▱") {
		t.Errorf("in-progress message missing bar: %q", msg)
	}
	if _, ok := ad.message(2); !ok {
		t.Error("reward-ready user got no message")
	}
	if _, ok := ad.message(3); ok {
		t.Error("not-enrolled user was messaged")
	}
	if _, ok := ad.message(4); !ok {
		t.Error("grant holder got no message")
	}
}

func TestRunOnceListFailureAborts(t *testing.T) {
	st := &fakeStore{listErr: errors.New("store down")}
	ad := newFakeAdapter()
	s := newService(st, ad)

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("want error on list failure")
	}
	if len(ad.sent) != 0 {
		t.Fatal("sends happened despite list failure")
	}
}

func TestRunOnceEvaluationFailureContained(t *testing.T) {
	st := &fakeStore{
		users: []storage.User{{ID: 1}, {ID: 2}},
		counters: map[int64][]storage.Counter{
			2: {{Name: "hookah", Progress: 80}},
		},
		evalErr: map[int64]error{1: errors.New("row corrupt")},
	}
	ad := newFakeAdapter()
	s := newService(st, ad)

	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 1 {
		t.Fatalf("report = %+v, want the healthy user still notified", rep)
	}
	if _, ok := ad.message(2); !ok {
		t.Error("healthy user not notified after a peer's evaluation failure")
	}
}

func TestTriggerOverlapGuard(t *testing.T) {
	st := &fakeStore{users: []storage.User{{ID: 1}},
		counters: map[int64][]storage.Counter{1: {{Name: "hookah", Progress: 20}}}}
	ad := newFakeAdapter()
	s := newService(st, ad)
	s.runCtx.Store(context.Background())

	// Simulate a batch already in flight.
	s.running.Store(true)
	s.trigger()
	if len(ad.sent) != 0 {
		t.Fatal("overlapping trigger ran a batch")
	}

	s.running.Store(false)
	s.trigger()
	if _, ok := ad.message(1); !ok {
		t.Fatal("trigger did not run once the previous batch finished")
	}
}

// A trigger that fires while Apply or Stop holds the service mutex must
// still complete; otherwise the cron drain in Apply waits on the job and
// the job waits on the mutex.
func TestTriggerRunsWhileServiceLocked(t *testing.T) {
	st := &fakeStore{users: []storage.User{{ID: 1}},
		counters: map[int64][]storage.Counter{1: {{Name: "hookah", Progress: 20}}}}
	ad := newFakeAdapter()
	s := newService(st, ad)
	s.runCtx.Store(context.Background())

	s.mu.Lock()
	done := make(chan struct{})
	go func() {
		s.trigger()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.mu.Unlock()
		t.Fatal("trigger blocked on the service mutex")
	}
	s.mu.Unlock()

	if _, ok := ad.message(1); !ok {
		t.Fatal("trigger did not dispatch")
	}
}

// blockingAdapter parks every send on gate so a batch can be held in flight.
type blockingAdapter struct {
	fakeAdapter
	gate chan struct{}
}

func (b *blockingAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	<-b.gate
	return b.fakeAdapter.SendText(ctx, to, text, opt)
}

func TestApplyRearmsDuringInFlightBatch(t *testing.T) {
	st := &fakeStore{users: []storage.User{{ID: 1}},
		counters: map[int64][]storage.Counter{1: {{Name: "hookah", Progress: 20}}}}
	ad := &blockingAdapter{
		fakeAdapter: fakeAdapter{sent: map[int64]string{}},
		gate:        make(chan struct{}),
	}
	eval := loyalty.NewEvaluator(st, loyalty.Config{Promotion: "hookah", SlotSize: 20})
	d := dispatch.New(ad, dispatch.Config{MinSendGap: time.Millisecond}, nil, logx.Nop())
	s := New(Config{Enabled: true, DailyAt: "12:00"}, st, eval, d, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	batchDone := make(chan struct{})
	go func() {
		s.trigger()
		close(batchDone)
	}()

	applied := make(chan error, 1)
	go func() {
		applied <- s.Apply(Config{Enabled: true, DailyAt: "13:30"})
	}()

	// Apply must not wait for the batch held open by the gated adapter.
	select {
	case err := <-applied:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Apply stalled behind an in-flight batch")
	}

	close(ad.gate)
	<-batchDone

	s.mu.Lock()
	rearmed := s.c != nil
	s.mu.Unlock()
	if !rearmed {
		t.Fatal("schedule not rearmed after Apply")
	}
}

func TestParseHHMM(t *testing.T) {
	cases := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{"09:30", 9, 30, false},
		{"0:00", 0, 0, false},
		{"23:59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tc := range cases {
		h, m, err := parseHHMM(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseHHMM(%q): want error", tc.in)
			}
			continue
		}
		if err != nil || h != tc.h || m != tc.m {
			t.Errorf("parseHHMM(%q) = %d,%d,%v want %d,%d", tc.in, h, m, err, tc.h, tc.m)
		}
	}
}

func TestDailySpec(t *testing.T) {
	spec, err := dailySpec("09:05")
	if err != nil {
		t.Fatal(err)
	}
	if spec != "5 9 * * *" {
		t.Fatalf("spec = %q", spec)
	}
}
