// Package approval implements the redemption approval workflow: a user asks
// to redeem an earned reward, every administrator is asked to approve or
// reject, and exactly one administrator's decision is applied.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"loyaltybot/internal/dispatch"
	"loyaltybot/internal/eventbus"
	"loyaltybot/internal/loyalty"
	"loyaltybot/internal/storage"
	"loyaltybot/internal/transport"
	logx "loyaltybot/pkg/logx"
)

var (
	// ErrConflict is returned when a resolution loses the race: the request
	// is unknown or already resolved. The loser must not re-notify.
	ErrConflict = errors.New("approval: request already resolved")
	// ErrUnauthorized is returned before any side effect when the resolving
	// actor is not an administrator.
	ErrUnauthorized = errors.New("approval: not an administrator")
	// ErrNotEligible is returned when the requester has no reward to redeem.
	ErrNotEligible = errors.New("approval: no reward ready to redeem")
)

type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// MarkupFunc builds the transport-specific approve/reject buttons for one
// request. Kept as a hook so this package stays transport-agnostic.
type MarkupFunc func(requestID int64) any

type Workflow struct {
	store  storage.Store
	eval   *loyalty.Evaluator
	d      *dispatch.Dispatcher
	admins dispatch.AdminChecker
	bus    eventbus.Bus
	log    logx.Logger
	markup MarkupFunc
}

func New(store storage.Store, eval *loyalty.Evaluator, d *dispatch.Dispatcher, admins dispatch.AdminChecker, bus eventbus.Bus, log logx.Logger) *Workflow {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Workflow{
		store:  store,
		eval:   eval,
		d:      d,
		admins: admins,
		bus:    bus,
		log:    log.With(logx.String("svc", "approval")),
	}
}

// SetMarkup installs the button builder used on admin fan-out messages.
func (w *Workflow) SetMarkup(fn MarkupFunc) { w.markup = fn }

// Submit creates a pending redemption request and fans it out to every
// administrator. Fan-out send failures are counted and logged but never fail
// the submission; the requester's acknowledgment is the caller's concern and
// is independent of fan-out outcomes.
func (w *Workflow) Submit(ctx context.Context, user storage.User) (storage.RedemptionRequest, error) {
	el, err := w.eval.EvaluateUser(ctx, user.ID)
	if err != nil {
		return storage.RedemptionRequest{}, err
	}
	if el.State != loyalty.RewardReady {
		return storage.RedemptionRequest{}, ErrNotEligible
	}

	promotion := w.eval.Config().Promotion
	req, err := w.store.CreateRequest(ctx, user.ID, promotion)
	if err != nil {
		return storage.RedemptionRequest{}, fmt.Errorf("create request: %w", err)
	}
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeRedemptionSubmitted, Data: eventbus.RequestUpdate{
			RequestID: req.ID,
			UserID:    req.UserID,
		}})
	}

	admins, err := w.store.ListAdmins(ctx)
	if err != nil {
		// The request is registered; operators can still resolve it later.
		w.log.Warn("admin fan-out skipped, list unavailable",
			logx.Int64("request", req.ID), logx.Err(err))
		return req, nil
	}

	text := fanoutText(req, user)
	var opt *transport.SendOptions
	if w.markup != nil {
		opt = &transport.SendOptions{ReplyMarkup: w.markup(req.ID)}
	}
	failed := 0
	for _, a := range admins {
		if err := w.d.Send(ctx, a.ID, text, opt); err != nil {
			failed++
		}
	}
	if failed > 0 {
		w.log.Warn("admin fan-out partially failed",
			logx.Int64("request", req.ID),
			logx.Int("admins", len(admins)),
			logx.Int("failed", failed))
	}
	return req, nil
}

// Resolve applies one administrator's decision. The pending → terminal
// transition is a compare-and-set in the store, so of two near-simultaneous
// decisions exactly one wins; the loser gets ErrConflict and triggers no
// second requester notification.
func (w *Workflow) Resolve(ctx context.Context, requestID, adminID int64, decision Decision) (storage.RedemptionRequest, error) {
	ok, err := w.admins.IsAdmin(ctx, adminID)
	if err != nil {
		return storage.RedemptionRequest{}, fmt.Errorf("admin check: %w", err)
	}
	if !ok {
		return storage.RedemptionRequest{}, ErrUnauthorized
	}

	var status storage.RequestStatus
	switch decision {
	case Approve:
		status = storage.StatusApproved
	case Reject:
		status = storage.StatusRejected
	default:
		return storage.RedemptionRequest{}, fmt.Errorf("unknown decision %q", decision)
	}

	err = w.store.ResolveRequest(ctx, requestID, adminID, status)
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
		return storage.RedemptionRequest{}, ErrConflict
	}
	if err != nil {
		return storage.RedemptionRequest{}, fmt.Errorf("resolve request: %w", err)
	}

	req, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		return storage.RedemptionRequest{}, fmt.Errorf("load resolved request: %w", err)
	}

	if status == storage.StatusApproved {
		if _, err := w.store.CreateGrant(ctx, req.UserID); err != nil {
			w.log.Error("grant creation failed after approval",
				logx.Int64("request", req.ID), logx.Err(err))
		}
	}

	// Only the CAS winner reaches this point, so the requester is notified
	// exactly once per request lifetime.
	text := resolutionText(status)
	if err := w.d.Send(ctx, req.UserID, text, nil); err != nil {
		w.log.Warn("requester notification failed",
			logx.Int64("request", req.ID), logx.Err(err))
	}

	if aerr := w.store.AppendAudit(ctx, storage.AuditEntry{
		ActorID: adminID,
		Action:  "redemption_" + string(decision),
		Target:  strconv.FormatInt(requestID, 10),
	}); aerr != nil {
		w.log.Warn("audit append failed", logx.Err(aerr))
	}
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeRedemptionResolved, Data: eventbus.RequestUpdate{
			RequestID: req.ID,
			UserID:    req.UserID,
			Status:    string(req.Status),
		}})
	}
	return req, nil
}

func fanoutText(req storage.RedemptionRequest, user storage.User) string {
	name := user.FirstName
	if user.Username != "" {
		name += " (@" + user.Username + ")"
	}
	return fmt.Sprintf("Redemption request #%d\n%s wants to claim a free reward (%s).",
		req.ID, name, req.Promotion)
}

func resolutionText(status storage.RequestStatus) string {
	if status == storage.StatusApproved {
		return "✅ Your redemption was approved. Your free reward is ready, enjoy!"
	}
	return "❌ Your redemption request was declined. Ask the staff if this seems wrong."
}
