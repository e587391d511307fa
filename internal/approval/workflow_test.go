package approval

import (
	"context"
	"errors"
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
	mu      sync.Mutex
	sent    map[int64][]string
	markups int
	err     error
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{sent: map[int64][]string{}} }

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	if opt != nil && opt.ReplyMarkup != nil {
		f.markups++
	}
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (f *fakeAdapter) count(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[id])
}

// memStore is a mutex-guarded in-memory store with real compare-and-set
// semantics on request resolution.
type memStore struct {
	storage.Store

	mu       sync.Mutex
	seq      int64
	requests map[int64]*storage.RedemptionRequest
	grants   map[int64][]storage.Grant
	counters map[int64][]storage.Counter
	admins   []storage.User
}

func newMemStore() *memStore {
	return &memStore{
		requests: map[int64]*storage.RedemptionRequest{},
		grants:   map[int64][]storage.Grant{},
		counters: map[int64][]storage.Counter{},
	}
}

func (s *memStore) Counters(ctx context.Context, userID int64) ([]storage.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[userID], nil
}

func (s *memStore) Grants(ctx context.Context, userID int64) ([]storage.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[userID], nil
}

func (s *memStore) CreateGrant(ctx context.Context, userID int64) (storage.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := storage.Grant{ID: int64(len(s.grants[userID]) + 1), UserID: userID, CreatedAt: time.Now()}
	s.grants[userID] = append(s.grants[userID], g)
	return g, nil
}

func (s *memStore) ListAdmins(ctx context.Context) ([]storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admins, nil
}

func (s *memStore) CreateRequest(ctx context.Context, userID int64, promotion string) (storage.RedemptionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r := storage.RedemptionRequest{
		ID: s.seq, UserID: userID, Promotion: promotion,
		Status: storage.StatusPending, CreatedAt: time.Now(),
	}
	s.requests[r.ID] = &r
	return r, nil
}

func (s *memStore) GetRequest(ctx context.Context, id int64) (storage.RedemptionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return storage.RedemptionRequest{}, storage.ErrNotFound
	}
	return *r, nil
}

func (s *memStore) ResolveRequest(ctx context.Context, id, adminID int64, status storage.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok || r.Status != storage.StatusPending {
		return storage.ErrConflict
	}
	now := time.Now()
	r.Status = status
	r.ResolvedBy = adminID
	r.ResolvedAt = &now
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error { return nil }

type adminSet map[int64]bool

func (a adminSet) IsAdmin(ctx context.Context, id int64) (bool, error) { return a[id], nil }

func newWorkflow(st *memStore, ad *fakeAdapter, admins adminSet) *Workflow {
	eval := loyalty.NewEvaluator(st, loyalty.Config{Promotion: "hookah", SlotSize: 20})
	d := dispatch.New(ad, dispatch.Config{MinSendGap: time.Millisecond}, nil, logx.Nop())
	return New(st, eval, d, admins, nil, logx.Nop())
}

func TestSubmitFansOutToAdmins(t *testing.T) {
	st := newMemStore()
	st.grants[7] = []storage.Grant{{Used: false}}
	st.admins = []storage.User{{ID: 100}, {ID: 101}}
	ad := newFakeAdapter()
	w := newWorkflow(st, ad, adminSet{100: true, 101: true})
	w.SetMarkup(func(id int64) any { return struct{ ID int64 }{id} })

	req, err := w.Submit(context.Background(), storage.User{ID: 7, FirstName: "Lena"})
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != storage.StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if ad.count(100) != 1 || ad.count(101) != 1 {
		t.Fatal("not every admin received the fan-out")
	}
	if ad.markups != 2 {
		t.Fatalf("markups = %d, want approve/reject buttons on both messages", ad.markups)
	}
}

func TestSubmitNotEligible(t *testing.T) {
	st := newMemStore()
	st.counters[7] = []storage.Counter{{Name: "hookah", Progress: 40}}
	w := newWorkflow(st, newFakeAdapter(), adminSet{})

	_, err := w.Submit(context.Background(), storage.User{ID: 7})
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible", err)
	}
	if len(st.requests) != 0 {
		t.Fatal("request created despite ineligibility")
	}
}

func TestSubmitSurvivesFanOutFailure(t *testing.T) {
	st := newMemStore()
	st.grants[7] = []storage.Grant{{}}
	st.admins = []storage.User{{ID: 100}}
	ad := newFakeAdapter()
	ad.err = errors.New("unreachable")
	w := newWorkflow(st, ad, adminSet{100: true})

	req, err := w.Submit(context.Background(), storage.User{ID: 7})
	if err != nil {
		t.Fatalf("submit failed on fan-out error: %v", err)
	}
	got, err := st.GetRequest(context.Background(), req.ID)
	if err != nil || got.Status != storage.StatusPending {
		t.Fatalf("request not registered: %v %+v", err, got)
	}
}

func TestResolveConcurrentDecisionsOneWins(t *testing.T) {
	st := newMemStore()
	st.grants[7] = []storage.Grant{{}}
	ad := newFakeAdapter()
	w := newWorkflow(st, ad, adminSet{100: true, 101: true})

	req, err := w.Submit(context.Background(), storage.User{ID: 7})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = w.Resolve(context.Background(), req.ID, 100, Approve)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = w.Resolve(context.Background(), req.ID, 101, Reject)
	}()
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if errors.Is(err, ErrConflict) {
			conflicts++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if conflicts != 1 {
		t.Fatalf("conflicts = %d, want exactly one loser", conflicts)
	}
	if n := ad.count(7); n != 1 {
		t.Fatalf("requester notifications = %d, want exactly 1", n)
	}
}

func TestResolveIdempotence(t *testing.T) {
	st := newMemStore()
	st.grants[7] = []storage.Grant{{}}
	ad := newFakeAdapter()
	w := newWorkflow(st, ad, adminSet{100: true})

	req, err := w.Submit(context.Background(), storage.User{ID: 7})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.Resolve(context.Background(), req.ID, 100, Approve); err != nil {
		t.Fatal(err)
	}
	before := ad.count(7)

	if _, err := w.Resolve(context.Background(), req.ID, 100, Approve); !errors.Is(err, ErrConflict) {
		t.Fatalf("second resolve: err = %v, want ErrConflict", err)
	}
	if ad.count(7) != before {
		t.Fatal("second resolve re-notified the requester")
	}
}

func TestResolveApprovalCreatesGrant(t *testing.T) {
	st := newMemStore()
	st.counters[7] = []storage.Counter{{Name: "hookah", Progress: 100}}
	ad := newFakeAdapter()
	w := newWorkflow(st, ad, adminSet{100: true})

	req, err := w.Submit(context.Background(), storage.User{ID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Resolve(context.Background(), req.ID, 100, Approve); err != nil {
		t.Fatal(err)
	}
	if len(st.grants[7]) != 1 {
		t.Fatalf("grants = %d, want 1 created on approval", len(st.grants[7]))
	}

	// Rejection path creates none.
	req2, err := st.CreateRequest(context.Background(), 8, "hookah")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Resolve(context.Background(), req2.ID, 100, Reject); err != nil {
		t.Fatal(err)
	}
	if len(st.grants[8]) != 0 {
		t.Fatal("grant created on rejection")
	}
}

func TestResolveNonAdminRejected(t *testing.T) {
	st := newMemStore()
	st.grants[7] = []storage.Grant{{}}
	ad := newFakeAdapter()
	w := newWorkflow(st, ad, adminSet{100: true})

	req, err := w.Submit(context.Background(), storage.User{ID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Resolve(context.Background(), req.ID, 55, Approve); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	got, _ := st.GetRequest(context.Background(), req.ID)
	if got.Status != storage.StatusPending {
		t.Fatal("non-admin resolution mutated the request")
	}
}
