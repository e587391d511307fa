package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loyaltybot/internal/eventbus"
	"loyaltybot/internal/storage"
	logx "loyaltybot/pkg/logx"
)

var (
	// ErrUnauthorized is returned before any side effect when the actor is
	// not an administrator.
	ErrUnauthorized = errors.New("dispatch: not an administrator")
	// ErrEmptyMessage is returned when a broadcast has no text to send.
	ErrEmptyMessage = errors.New("dispatch: empty broadcast message")
)

// Report summarizes one batch run. Attempted excludes recipients skipped for
// invalid ids; Recipients is the size of the original list.
type Report struct {
	Recipients int
	Attempted  int
	Sent       int
	Failed     int
}

func (r Report) String() string {
	return fmt.Sprintf("sent %d, failed %d (of %d recipients)", r.Sent, r.Failed, r.Recipients)
}

// AdminChecker answers whether a user id may run administrator operations.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

// Broadcaster drives the dispatcher across a recipient list with one shared
// payload.
type Broadcaster struct {
	d      *Dispatcher
	store  storage.Store
	admins AdminChecker
	bus    eventbus.Bus
	log    logx.Logger
}

func NewBroadcaster(d *Dispatcher, store storage.Store, admins AdminChecker, bus eventbus.Bus, log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster{
		d:      d,
		store:  store,
		admins: admins,
		bus:    bus,
		log:    log.With(logx.String("svc", "broadcast")),
	}
}

// Run sends text to every valid recipient in the list. Invalid ids (<= 0)
// are skipped without counting as attempted. Failures are counted per
// recipient; the run always walks the whole list.
func (b *Broadcaster) Run(ctx context.Context, recipients []int64, text string) Report {
	rep := Report{Recipients: len(recipients)}
	for _, id := range recipients {
		if id <= 0 {
			b.log.Debug("skipping invalid recipient", logx.Int64("recipient", id))
			continue
		}
		rep.Attempted++
		if err := b.d.Send(ctx, id, text, nil); err != nil {
			rep.Failed++
			continue
		}
		rep.Sent++
	}
	return rep
}

// RunAll broadcasts text from an administrator to the whole user base.
//
// The admin check and the empty-text check happen before any side effect. A
// user-list fetch failure aborts the run atomically, before any send, and is
// distinct from an empty list (a valid zero-effect run).
func (b *Broadcaster) RunAll(ctx context.Context, actorID int64, text string) (Report, error) {
	if strings.TrimSpace(text) == "" {
		return Report{}, ErrEmptyMessage
	}
	ok, err := b.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return Report{}, fmt.Errorf("admin check: %w", err)
	}
	if !ok {
		return Report{}, ErrUnauthorized
	}

	users, err := b.store.ListUsers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list users: %w", err)
	}

	recipients := make([]int64, 0, len(users))
	for _, u := range users {
		recipients = append(recipients, u.ID)
	}

	started := time.Now()
	rep := b.Run(ctx, recipients, text)
	b.log.Info("broadcast finished",
		logx.Int("recipients", rep.Recipients),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", time.Since(started)))

	if aerr := b.store.AppendAudit(ctx, storage.AuditEntry{
		ActorID: actorID,
		Action:  "broadcast",
		OK:      rep.Sent,
		Fail:    rep.Failed,
	}); aerr != nil {
		b.log.Warn("audit append failed", logx.Err(aerr))
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastFinished, Data: eventbus.BatchResult{
			Recipients: rep.Recipients,
			Attempted:  rep.Attempted,
			Sent:       rep.Sent,
			Failed:     rep.Failed,
		}})
	}
	return rep, nil
}
